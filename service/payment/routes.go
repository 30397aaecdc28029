package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/blajarplus/blajarplus-server/service/booking"
	"github.com/blajarplus/blajarplus-server/service/notification"
	"github.com/blajarplus/blajarplus-server/service/ws"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	bookingOrderPrefix    = "BLJ-"
	membershipOrderPrefix = "MEM-"
)

type PaymentHandler struct {
	db         *gorm.DB
	dispatcher *notification.Dispatcher
}

func NewPaymentHandler(db *gorm.DB, dispatcher *notification.Dispatcher) *PaymentHandler {
	return &PaymentHandler{db: db, dispatcher: dispatcher}
}

func (h *PaymentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments", utils.AuthMiddleware(h.CreatePayment)).Methods("POST")
	router.HandleFunc("/payments/notification", h.HandleGatewayWebhook).Methods("POST")
	router.HandleFunc("/payments/booking/{id:[0-9]+}", utils.AuthMiddleware(h.GetBookingPayment)).Methods("GET")
	router.HandleFunc("/payments/{id:[0-9]+}/refund", utils.RequireRole(models.RoleAdmin, h.RefundPayment)).Methods("PUT")
}

// CreatePayment registers a gateway order for a pending booking and persists
// the local payment row. One payment per booking, ever.
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	var paymentRequest struct {
		BookingID uint   `json:"booking_id"`
		Method    string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&paymentRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	if paymentRequest.Method == "" {
		utils.WriteError(w, utils.Validation("Payment method is required"))
		return
	}

	var bookingRow models.Booking
	if err := h.db.First(&bookingRow, paymentRequest.BookingID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Booking not found"))
		return
	}
	if bookingRow.StudentID != actorID {
		utils.WriteError(w, utils.Forbidden("Only the booking's student can pay for it"))
		return
	}
	if bookingRow.Status != models.BookingStatusPendingPayment {
		utils.WriteError(w, utils.InvalidState(fmt.Sprintf("Cannot pay for a %s booking", bookingRow.Status)))
		return
	}

	var existing models.Payment
	if err := h.db.Where("booking_id = ?", bookingRow.ID).First(&existing).Error; err == nil {
		utils.WriteError(w, utils.Conflict("A payment already exists for this booking"))
		return
	}

	var student models.User
	h.db.First(&student, bookingRow.StudentID)

	orderID := bookingOrderPrefix + uuid.New().String()
	snap, err := CreateGatewayTransaction(orderID, bookingRow.Amount, student.Email)
	if err != nil {
		log.Printf("error creating gateway order %s: %v", orderID, err)
		utils.WriteError(w, err)
		return
	}

	payment := models.Payment{
		BookingID: bookingRow.ID,
		OrderID:   orderID,
		Amount:    bookingRow.Amount,
		Method:    paymentRequest.Method,
		Status:    models.PaymentStatusPending,
	}
	if err := h.db.Create(&payment).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"payment":      payment,
		"redirect_url": snap.RedirectURL,
		"token":        snap.Token,
	})
}

// HandleGatewayWebhook consumes the gateway's transaction notifications.
// Unknown orders and already-terminal payments get a logged 200 so the
// gateway stops retrying; everything else moves exactly one state.
func (h *PaymentHandler) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.WriteError(w, utils.Validation("Error reading request body"))
		return
	}

	var note gatewayNotification
	if err := json.Unmarshal(body, &note); err != nil {
		utils.WriteError(w, utils.Validation("Error parsing webhook payload"))
		return
	}

	expected := SignatureKey(note.OrderID, note.StatusCode, note.GrossAmount, os.Getenv("MIDTRANS_SERVER_KEY"))
	if note.SignatureKey != expected {
		utils.WriteError(w, utils.Authentication("Invalid webhook signature"))
		return
	}

	if strings.HasPrefix(note.OrderID, membershipOrderPrefix) {
		h.handleMembershipNotification(w, note)
		return
	}
	h.handleBookingNotification(w, note)
}

func (h *PaymentHandler) handleBookingNotification(w http.ResponseWriter, note gatewayNotification) {
	var payment models.Payment
	if err := h.db.Where("order_id = ?", note.OrderID).First(&payment).Error; err != nil {
		// Unknown order: acknowledge so the gateway stops retrying.
		log.Printf("webhook for unknown order %s ignored", note.OrderID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if models.PaymentStatusTerminal(payment.Status) {
		log.Printf("webhook re-delivery for terminal payment %s ignored", note.OrderID)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case note.TransactionStatus == "settlement",
		note.TransactionStatus == "capture" && note.FraudStatus != "deny":
		h.settleBookingPayment(w, &payment, note)
	case note.TransactionStatus == "deny",
		note.TransactionStatus == "cancel",
		note.TransactionStatus == "expire",
		note.TransactionStatus == "failure":
		h.failBookingPayment(w, &payment, note)
	default:
		// pending, authorize and friends carry no state change for us.
		w.WriteHeader(http.StatusOK)
	}
}

func (h *PaymentHandler) settleBookingPayment(w http.ResponseWriter, payment *models.Payment, note gatewayNotification) {
	now := time.Now()
	tx := h.db.Begin()

	result := tx.Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":         models.PaymentStatusSuccess,
			"transaction_id": note.TransactionID,
			"fraud_status":   note.FraudStatus,
			"method":         note.PaymentType,
			"paid_at":        &now,
		})
	if result.Error != nil {
		tx.Rollback()
		utils.WriteError(w, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		// Lost the race against a concurrent delivery of the same event.
		tx.Rollback()
		w.WriteHeader(http.StatusOK)
		return
	}

	confirmed := true
	if err := booking.ApplyPaymentSuccess(tx, payment.BookingID); err != nil {
		var appErr *utils.AppError
		if errors.As(err, &appErr) && appErr.Kind == utils.KindInvalidState {
			// Booking already left pending_payment (e.g. cancelled before the
			// gateway settled). The money was captured anyway, so the payment
			// goes straight to refund eligibility instead of success.
			confirmed = false
			log.Printf("payment %s settled but booking %d not confirmable: %v", payment.OrderID, payment.BookingID, err)
			if err := tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
				Update("status", models.PaymentStatusRefundPending).Error; err != nil {
				tx.Rollback()
				utils.WriteError(w, err)
				return
			}
		} else {
			tx.Rollback()
			utils.WriteError(w, err)
			return
		}
	}

	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var bookingRow models.Booking
	if err := h.db.First(&bookingRow, payment.BookingID).Error; err == nil {
		bookingPayload := models.BookingPayload{BookingID: bookingRow.ID, Status: bookingRow.Status, ScheduledAt: bookingRow.ScheduledAt, Subject: bookingRow.Subject}

		if !confirmed {
			paymentPayload := models.PaymentPayload{BookingID: bookingRow.ID, OrderID: payment.OrderID, Status: models.PaymentStatusRefundPending, Amount: payment.Amount}
			h.dispatcher.Notify(bookingRow.StudentID, models.NotificationBookingCancelled,
				"Payment received for a cancelled booking", "Your payment arrived after the booking was cancelled and will be refunded", paymentPayload)
			h.dispatcher.Push(bookingRow.StudentID, ws.EventPaymentUpdate, paymentPayload)
			w.WriteHeader(http.StatusOK)
			return
		}

		paymentPayload := models.PaymentPayload{BookingID: bookingRow.ID, OrderID: payment.OrderID, Status: models.PaymentStatusSuccess, Amount: payment.Amount}
		h.dispatcher.Notify(bookingRow.StudentID, models.NotificationBookingConfirmed,
			"Booking confirmed", "Payment received, your session is confirmed", bookingPayload)
		h.dispatcher.Push(bookingRow.StudentID, ws.EventPaymentUpdate, paymentPayload)
		h.dispatcher.Push(bookingRow.StudentID, ws.EventBookingUpdate, bookingPayload)

		var tutor models.TutorProfile
		if err := h.db.First(&tutor, bookingRow.TutorProfileID).Error; err == nil {
			h.dispatcher.Notify(tutor.UserID, models.NotificationPaymentSuccess,
				"New confirmed booking", "A student paid for a session with you", paymentPayload)
			h.dispatcher.Push(tutor.UserID, ws.EventBookingUpdate, bookingPayload)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *PaymentHandler) failBookingPayment(w http.ResponseWriter, payment *models.Payment, note gatewayNotification) {
	tx := h.db.Begin()

	result := tx.Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":         models.PaymentStatusFailed,
			"transaction_id": note.TransactionID,
			"fraud_status":   note.FraudStatus,
		})
	if result.Error != nil {
		tx.Rollback()
		utils.WriteError(w, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := booking.ApplyPaymentFailure(tx, payment.BookingID, "payment "+note.TransactionStatus); err != nil {
		var appErr *utils.AppError
		if errors.As(err, &appErr) && appErr.Kind == utils.KindInvalidState {
			log.Printf("payment %s failed but booking %d not cancellable: %v", payment.OrderID, payment.BookingID, err)
		} else {
			tx.Rollback()
			utils.WriteError(w, err)
			return
		}
	}

	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var bookingRow models.Booking
	if err := h.db.First(&bookingRow, payment.BookingID).Error; err == nil {
		paymentPayload := models.PaymentPayload{BookingID: bookingRow.ID, OrderID: payment.OrderID, Status: models.PaymentStatusFailed, Amount: payment.Amount}
		h.dispatcher.Notify(bookingRow.StudentID, models.NotificationPaymentFailed,
			"Payment failed", "Your payment did not go through and the booking was cancelled", paymentPayload)
		h.dispatcher.Push(bookingRow.StudentID, ws.EventPaymentUpdate, paymentPayload)
	}

	w.WriteHeader(http.StatusOK)
}

// handleMembershipNotification activates or fails a tutor membership order.
func (h *PaymentHandler) handleMembershipNotification(w http.ResponseWriter, note gatewayNotification) {
	var membership models.Membership
	if err := h.db.Where("order_id = ?", note.OrderID).First(&membership).Error; err != nil {
		log.Printf("webhook for unknown membership order %s ignored", note.OrderID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if membership.Status != models.MembershipStatusPending {
		log.Printf("webhook re-delivery for settled membership %s ignored", note.OrderID)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case note.TransactionStatus == "settlement",
		note.TransactionStatus == "capture" && note.FraudStatus != "deny":
		now := time.Now()
		endDate := now.AddDate(0, models.MembershipPlanDurationMonths(membership.Plan), 0)
		result := h.db.Model(&models.Membership{}).
			Where("id = ? AND status = ?", membership.ID, models.MembershipStatusPending).
			Updates(map[string]interface{}{
				"status":     models.MembershipStatusActive,
				"start_date": now,
				"end_date":   endDate,
			})
		if result.Error != nil {
			utils.WriteError(w, result.Error)
			return
		}
		if result.RowsAffected > 0 {
			var tutor models.TutorProfile
			if err := h.db.First(&tutor, membership.TutorProfileID).Error; err == nil {
				h.dispatcher.Notify(tutor.UserID, models.NotificationMembershipActive,
					"Membership active", "Your "+membership.Plan+" membership is now active",
					models.MembershipPayload{MembershipID: membership.ID, Plan: membership.Plan, EndDate: endDate})
			}
		}
	case note.TransactionStatus == "deny",
		note.TransactionStatus == "cancel",
		note.TransactionStatus == "expire",
		note.TransactionStatus == "failure":
		h.db.Model(&models.Membership{}).
			Where("id = ? AND status = ?", membership.ID, models.MembershipStatusPending).
			Update("status", models.MembershipStatusFailed)
	}

	w.WriteHeader(http.StatusOK)
}

// GetBookingPayment returns the payment attached to a booking.
func (h *PaymentHandler) GetBookingPayment(w http.ResponseWriter, r *http.Request) {
	actorID, _ := utils.GetUserIDFromContext(r)
	role, _ := utils.GetUserRoleFromContext(r)

	vars := mux.Vars(r)
	bookingID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid booking ID"))
		return
	}

	var payment models.Payment
	if err := h.db.Preload("Booking").Where("booking_id = ?", bookingID).First(&payment).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Payment not found"))
		return
	}

	if role != models.RoleAdmin && payment.Booking != nil && payment.Booking.StudentID != actorID {
		var tutor models.TutorProfile
		if err := h.db.First(&tutor, payment.Booking.TutorProfileID).Error; err != nil || tutor.UserID != actorID {
			utils.WriteError(w, utils.Forbidden("Not a participant of this booking"))
			return
		}
	}

	utils.WriteJSON(w, http.StatusOK, payment)
}

// RefundPayment finalizes a refund-eligible payment. Moving the money is the
// gateway operator's job, not ours.
func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	paymentID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid payment ID"))
		return
	}

	var payment models.Payment
	if err := h.db.First(&payment, paymentID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Payment not found"))
		return
	}
	if payment.Status != models.PaymentStatusRefundPending {
		utils.WriteError(w, utils.InvalidState("Payment is not refund eligible"))
		return
	}

	if err := h.db.Model(&payment).Update("status", models.PaymentStatusRefunded).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var bookingRow models.Booking
	if err := h.db.First(&bookingRow, payment.BookingID).Error; err == nil {
		h.dispatcher.Notify(bookingRow.StudentID, models.NotificationPaymentSuccess,
			"Refund processed", "Your payment was refunded",
			models.PaymentPayload{BookingID: bookingRow.ID, OrderID: payment.OrderID, Status: models.PaymentStatusRefunded, Amount: payment.Amount})
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Payment refunded"})
}
