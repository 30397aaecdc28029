package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/blajarplus/blajarplus-server/service/notification"
	"github.com/blajarplus/blajarplus-server/service/ws"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

type BookingHandler struct {
	db         *gorm.DB
	dispatcher *notification.Dispatcher
}

func NewBookingHandler(db *gorm.DB, dispatcher *notification.Dispatcher) *BookingHandler {
	return &BookingHandler{db: db, dispatcher: dispatcher}
}

func (h *BookingHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/bookings", utils.AuthMiddleware(h.CreateBooking)).Methods("POST")
	router.HandleFunc("/bookings/{id:[0-9]+}", utils.AuthMiddleware(h.GetBooking)).Methods("GET")
	router.HandleFunc("/bookings/{id:[0-9]+}/confirm", utils.AuthMiddleware(h.ConfirmBooking)).Methods("PUT")
	router.HandleFunc("/bookings/{id:[0-9]+}/cancel", utils.AuthMiddleware(h.CancelBooking)).Methods("PUT")
	router.HandleFunc("/bookings/{id:[0-9]+}/complete", utils.AuthMiddleware(h.CompleteBooking)).Methods("PUT")
	router.HandleFunc("/bookings/{id:[0-9]+}/reschedule", utils.AuthMiddleware(h.RequestReschedule)).Methods("PUT")
	router.HandleFunc("/bookings/{id:[0-9]+}/reschedule/accept", utils.AuthMiddleware(h.AcceptReschedule)).Methods("PUT")
	router.HandleFunc("/bookings/{id:[0-9]+}/no-show", utils.AuthMiddleware(h.MarkNoShow)).Methods("PUT")
	router.HandleFunc("/bookings/student/{studentId:[0-9]+}", utils.AuthMiddleware(h.GetStudentBookings)).Methods("GET")
	router.HandleFunc("/bookings/tutor/{tutorId:[0-9]+}", utils.AuthMiddleware(h.GetTutorBookings)).Methods("GET")
}

// CreateBooking validates the requested window against the tutor's
// availability and existing bookings, then persists the booking in
// pending_payment. Nobody is notified yet; payment has not been attempted.
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	studentID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}
	role, _ := utils.GetUserRoleFromContext(r)
	if role != models.RoleStudent {
		utils.WriteError(w, utils.Forbidden("Only students can create bookings"))
		return
	}

	var bookingRequest struct {
		TutorProfileID uint      `json:"tutor_profile_id"`
		Subject        string    `json:"subject"`
		ScheduledAt    time.Time `json:"scheduled_at"`
		DurationHours  int       `json:"duration_hours"`
		TeachingMethod string    `json:"teaching_method"`
		Notes          string    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&bookingRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	if bookingRequest.ScheduledAt.Before(time.Now()) {
		utils.WriteError(w, utils.Validation("Scheduled time must be in the future"))
		return
	}
	if bookingRequest.DurationHours < 1 {
		utils.WriteError(w, utils.Validation("Duration must be at least 1 hour"))
		return
	}
	if bookingRequest.TeachingMethod != models.TeachingMethodOnline && bookingRequest.TeachingMethod != models.TeachingMethodOnsite {
		utils.WriteError(w, utils.Validation("Teaching method must be online or onsite"))
		return
	}

	endsAt := bookingRequest.ScheduledAt.Add(time.Duration(bookingRequest.DurationHours) * time.Hour)

	tx := h.db.Begin()
	// The overlap check and insert must commit atomically or two concurrent
	// requests could both pass the check.
	if tx.Dialector.Name() == "postgres" {
		tx.Exec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	}

	var tutor models.TutorProfile
	if err := tx.First(&tutor, bookingRequest.TutorProfileID).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, utils.NotFound("Tutor not found"))
		return
	}
	if !tutor.Verified {
		tx.Rollback()
		utils.WriteError(w, utils.Validation("Tutor is not verified yet"))
		return
	}

	if err := fitsAvailability(tx, tutor.ID, bookingRequest.ScheduledAt, endsAt); err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}

	overlap, err := hasOverlap(tx, tutor.ID, bookingRequest.ScheduledAt, endsAt, 0)
	if err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if overlap {
		tx.Rollback()
		utils.WriteError(w, utils.Conflict("Requested time overlaps an existing booking"))
		return
	}

	booking := models.Booking{
		StudentID:      studentID,
		TutorProfileID: tutor.ID,
		Subject:        bookingRequest.Subject,
		ScheduledAt:    bookingRequest.ScheduledAt,
		EndsAt:         endsAt,
		DurationHours:  bookingRequest.DurationHours,
		Status:         models.BookingStatusPendingPayment,
		TeachingMethod: bookingRequest.TeachingMethod,
		Notes:          bookingRequest.Notes,
		Amount:         tutor.HourlyRate * int64(bookingRequest.DurationHours),
	}
	if err := tx.Create(&booking).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}

	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	h.db.Preload("Tutor").First(&booking, booking.ID)
	utils.WriteJSON(w, http.StatusCreated, booking)
}

// GetBooking returns one booking; only its participants and admins may see
// it.
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	booking, actorErr := h.loadBooking(r)
	if actorErr != nil {
		utils.WriteError(w, actorErr)
		return
	}
	utils.WriteJSON(w, http.StatusOK, booking)
}

// ConfirmBooking is the tutor's manual confirm; it requires a successful
// payment on the booking.
func (h *BookingHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.loadBooking(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	actorID, _ := utils.GetUserIDFromContext(r)

	if !h.actorIsTutor(actorID, booking.TutorProfileID) {
		utils.WriteError(w, utils.Forbidden("Only the booking's tutor can confirm it"))
		return
	}

	var payment models.Payment
	if err := h.db.Where("booking_id = ? AND status = ?", booking.ID, models.PaymentStatusSuccess).
		First(&payment).Error; err != nil {
		utils.WriteError(w, utils.InvalidState("Booking has no successful payment"))
		return
	}

	if err := transition(h.db, booking.ID, booking.Status, models.BookingStatusConfirmed, nil); err != nil {
		utils.WriteError(w, err)
		return
	}

	payload := models.BookingPayload{BookingID: booking.ID, Status: models.BookingStatusConfirmed, ScheduledAt: booking.ScheduledAt, Subject: booking.Subject}
	h.dispatcher.Notify(booking.StudentID, models.NotificationBookingConfirmed,
		"Booking confirmed", "Your tutor confirmed the session", payload)
	h.dispatcher.Push(booking.StudentID, ws.EventBookingUpdate, payload)

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Booking confirmed"})
}

// CancelBooking lets either participant cancel before the session starts. A
// paid booking's payment becomes refund eligible; executing the refund is
// external.
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.loadBooking(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	actorID, _ := utils.GetUserIDFromContext(r)

	var cancelRequest struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&cancelRequest)

	if booking.Status != models.BookingStatusPendingPayment && booking.Status != models.BookingStatusConfirmed {
		utils.WriteError(w, utils.InvalidState(fmt.Sprintf("Cannot cancel a %s booking", booking.Status)))
		return
	}
	if !booking.ScheduledAt.After(time.Now()) {
		utils.WriteError(w, utils.InvalidState("Cannot cancel a booking whose session time has passed"))
		return
	}

	if err := transition(h.db, booking.ID, booking.Status, models.BookingStatusCancelled,
		map[string]interface{}{"cancel_reason": cancelRequest.Reason}); err != nil {
		utils.WriteError(w, err)
		return
	}

	// Flag a paid payment for refund; the refund itself runs outside.
	h.db.Model(&models.Payment{}).
		Where("booking_id = ? AND status = ?", booking.ID, models.PaymentStatusSuccess).
		Update("status", models.PaymentStatusRefundPending)

	other := booking.StudentID
	if actorID == booking.StudentID {
		other = h.tutorUserID(booking.TutorProfileID)
	}
	payload := models.BookingPayload{BookingID: booking.ID, Status: models.BookingStatusCancelled, ScheduledAt: booking.ScheduledAt, Subject: booking.Subject}
	h.dispatcher.Notify(other, models.NotificationBookingCancelled,
		"Booking cancelled", "The session was cancelled", payload)
	h.dispatcher.Push(other, ws.EventBookingUpdate, payload)

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Booking cancelled"})
}

// CompleteBooking is tutor-only, legal once the session time has passed. It
// is the trigger point for gamification progress.
func (h *BookingHandler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.loadBooking(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	actorID, _ := utils.GetUserIDFromContext(r)

	if !h.actorIsTutor(actorID, booking.TutorProfileID) {
		utils.WriteError(w, utils.Forbidden("Only the booking's tutor can complete it"))
		return
	}
	if booking.Status != models.BookingStatusConfirmed {
		utils.WriteError(w, utils.InvalidState(fmt.Sprintf("Cannot complete a %s booking", booking.Status)))
		return
	}
	if time.Now().Before(booking.ScheduledAt) {
		utils.WriteError(w, utils.InvalidState("Cannot complete a booking before its session time"))
		return
	}

	if err := transition(h.db, booking.ID, booking.Status, models.BookingStatusCompleted, nil); err != nil {
		utils.WriteError(w, err)
		return
	}

	progress := models.ProgressEvent{
		UserID:    booking.StudentID,
		Kind:      models.ProgressKindBookingCompleted,
		Points:    models.PointsBookingCompleted,
		BookingID: booking.ID,
	}
	if err := h.db.Create(&progress).Error; err != nil {
		log.Printf("error recording progress for booking %d: %v", booking.ID, err)
	}

	payload := models.BookingPayload{BookingID: booking.ID, Status: models.BookingStatusCompleted, ScheduledAt: booking.ScheduledAt, Subject: booking.Subject}
	h.dispatcher.Notify(booking.StudentID, models.NotificationBookingCompleted,
		"Session completed", "Your tutor marked the session as completed", payload)
	h.dispatcher.Push(booking.StudentID, ws.EventBookingUpdate, payload)

	var student models.User
	if err := h.db.First(&student, booking.StudentID).Error; err == nil {
		go func() {
			if err := sendCompletionEmail(student.Email, booking.Subject); err != nil {
				log.Printf("error sending completion email for booking %d: %v", booking.ID, err)
			}
		}()
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Booking completed"})
}

// RequestReschedule moves a confirmed booking into reschedule_requested with
// the proposed time attached.
func (h *BookingHandler) RequestReschedule(w http.ResponseWriter, r *http.Request) {
	booking, err := h.loadBooking(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	actorID, _ := utils.GetUserIDFromContext(r)

	var rescheduleRequest struct {
		ProposedTime time.Time `json:"proposed_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&rescheduleRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	if rescheduleRequest.ProposedTime.Before(time.Now()) {
		utils.WriteError(w, utils.Validation("Proposed time must be in the future"))
		return
	}

	if err := transition(h.db, booking.ID, booking.Status, models.BookingStatusRescheduleRequested,
		map[string]interface{}{"proposed_time": rescheduleRequest.ProposedTime}); err != nil {
		utils.WriteError(w, err)
		return
	}

	other := booking.StudentID
	if actorID == booking.StudentID {
		other = h.tutorUserID(booking.TutorProfileID)
	}
	payload := models.BookingPayload{BookingID: booking.ID, Status: models.BookingStatusRescheduleRequested, ScheduledAt: rescheduleRequest.ProposedTime, Subject: booking.Subject}
	h.dispatcher.Notify(other, models.NotificationBookingRescheduled,
		"Reschedule requested", "A new session time was proposed", payload)
	h.dispatcher.Push(other, ws.EventBookingUpdate, payload)

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Reschedule requested"})
}

// AcceptReschedule is tutor-only: the proposed time replaces the scheduled
// window after passing the same overlap check as a new booking.
func (h *BookingHandler) AcceptReschedule(w http.ResponseWriter, r *http.Request) {
	booking, err := h.loadBooking(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	actorID, _ := utils.GetUserIDFromContext(r)

	if !h.actorIsTutor(actorID, booking.TutorProfileID) {
		utils.WriteError(w, utils.Forbidden("Only the booking's tutor can accept a reschedule"))
		return
	}
	if booking.Status != models.BookingStatusRescheduleRequested || booking.ProposedTime == nil {
		utils.WriteError(w, utils.InvalidState("Booking has no pending reschedule request"))
		return
	}

	newStart := *booking.ProposedTime
	newEnd := newStart.Add(time.Duration(booking.DurationHours) * time.Hour)

	tx := h.db.Begin()
	if tx.Dialector.Name() == "postgres" {
		tx.Exec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	}

	overlap, err := hasOverlap(tx, booking.TutorProfileID, newStart, newEnd, booking.ID)
	if err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if overlap {
		tx.Rollback()
		utils.WriteError(w, utils.Conflict("Proposed time overlaps an existing booking"))
		return
	}

	if err := transition(tx, booking.ID, booking.Status, models.BookingStatusConfirmed, map[string]interface{}{
		"scheduled_at":  newStart,
		"ends_at":       newEnd,
		"proposed_time": nil,
	}); err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	payload := models.BookingPayload{BookingID: booking.ID, Status: models.BookingStatusConfirmed, ScheduledAt: newStart, Subject: booking.Subject}
	h.dispatcher.Notify(booking.StudentID, models.NotificationBookingConfirmed,
		"Booking rescheduled", "Your tutor accepted the new session time", payload)
	h.dispatcher.Push(booking.StudentID, ws.EventBookingUpdate, payload)

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Reschedule accepted"})
}

// MarkNoShow records that a confirmed session passed without attendance.
// Tutors report their own bookings; admins may report any.
func (h *BookingHandler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	booking, err := h.loadBooking(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	actorID, _ := utils.GetUserIDFromContext(r)
	role, _ := utils.GetUserRoleFromContext(r)

	if role != models.RoleAdmin && !h.actorIsTutor(actorID, booking.TutorProfileID) {
		utils.WriteError(w, utils.Forbidden("Only the booking's tutor or an admin can report a no-show"))
		return
	}
	if booking.Status != models.BookingStatusConfirmed {
		utils.WriteError(w, utils.InvalidState(fmt.Sprintf("Cannot mark a %s booking as no-show", booking.Status)))
		return
	}
	if time.Now().Before(booking.ScheduledAt) {
		utils.WriteError(w, utils.InvalidState("Cannot report a no-show before the session time"))
		return
	}

	if err := transition(h.db, booking.ID, booking.Status, models.BookingStatusNoShow, nil); err != nil {
		utils.WriteError(w, err)
		return
	}

	payload := models.BookingPayload{BookingID: booking.ID, Status: models.BookingStatusNoShow, ScheduledAt: booking.ScheduledAt, Subject: booking.Subject}
	h.dispatcher.Notify(booking.StudentID, models.NotificationBookingNoShow,
		"Session missed", "The session was reported as a no-show", payload)
	h.dispatcher.Push(booking.StudentID, ws.EventBookingUpdate, payload)

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Booking marked as no-show"})
}

// GetStudentBookings lists a student's bookings, newest session first.
func (h *BookingHandler) GetStudentBookings(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	studentID, err := strconv.ParseUint(vars["studentId"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid student ID"))
		return
	}

	actorID, _ := utils.GetUserIDFromContext(r)
	role, _ := utils.GetUserRoleFromContext(r)
	if uint(studentID) != actorID && role != models.RoleAdmin {
		utils.WriteError(w, utils.Forbidden("Cannot list another student's bookings"))
		return
	}

	h.listBookings(w, r, "student_id = ?", studentID)
}

// GetTutorBookings lists bookings against a tutor profile.
func (h *BookingHandler) GetTutorBookings(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tutorProfileID, err := strconv.ParseUint(vars["tutorId"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	actorID, _ := utils.GetUserIDFromContext(r)
	role, _ := utils.GetUserRoleFromContext(r)
	if role != models.RoleAdmin && !h.actorIsTutor(actorID, uint(tutorProfileID)) {
		utils.WriteError(w, utils.Forbidden("Cannot list another tutor's bookings"))
		return
	}

	h.listBookings(w, r, "tutor_profile_id = ?", tutorProfileID)
}

func (h *BookingHandler) listBookings(w http.ResponseWriter, r *http.Request, condition string, value interface{}) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 100

	query := h.db.Model(&models.Booking{}).Where(condition, value).
		Preload("Student").Preload("Tutor").Preload("Payment")
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var bookings []models.Booking
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("scheduled_at DESC").Find(&bookings).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bookings":    bookings,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// loadBooking parses the id var, loads the booking and checks that the
// caller participates in it (admins always pass).
func (h *BookingHandler) loadBooking(r *http.Request) (*models.Booking, error) {
	vars := mux.Vars(r)
	bookingID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		return nil, utils.Validation("Invalid booking ID")
	}

	var booking models.Booking
	if err := h.db.First(&booking, bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound("Booking not found")
		}
		return nil, err
	}

	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		return nil, utils.Authentication("Unauthorized")
	}
	role, _ := utils.GetUserRoleFromContext(r)
	if role == models.RoleAdmin || actorID == booking.StudentID || h.actorIsTutor(actorID, booking.TutorProfileID) {
		return &booking, nil
	}
	return nil, utils.Forbidden("Not a participant of this booking")
}

func (h *BookingHandler) actorIsTutor(actorID, tutorProfileID uint) bool {
	var tutor models.TutorProfile
	if err := h.db.First(&tutor, tutorProfileID).Error; err != nil {
		return false
	}
	return tutor.UserID == actorID
}

func (h *BookingHandler) tutorUserID(tutorProfileID uint) uint {
	var tutor models.TutorProfile
	if err := h.db.First(&tutor, tutorProfileID).Error; err != nil {
		return 0
	}
	return tutor.UserID
}

func sendCompletionEmail(email, subject string) error {
	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASSWORD")
	if smtpHost == "" {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", smtpUser)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Session completed")
	m.SetBody("text/plain", fmt.Sprintf("Your %s session was marked completed. Leave your tutor a review!", subject))

	port, err := strconv.Atoi(smtpPort)
	if err != nil {
		return fmt.Errorf("invalid SMTP port: %v", err)
	}
	d := gomail.NewDialer(smtpHost, port, smtpUser, smtpPass)
	return d.DialAndSend(m)
}
