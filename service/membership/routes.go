package membership

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/blajarplus/blajarplus-server/service/payment"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type MembershipHandler struct {
	db *gorm.DB
}

func NewMembershipHandler(db *gorm.DB) *MembershipHandler {
	return &MembershipHandler{db: db}
}

func (h *MembershipHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/memberships", utils.AuthMiddleware(h.CreateMembership)).Methods("POST")
	router.HandleFunc("/memberships", utils.AuthMiddleware(h.GetMemberships)).Methods("GET")
	router.HandleFunc("/memberships/active", utils.AuthMiddleware(h.GetActiveMembership)).Methods("GET")
}

// CreateMembership starts a pending subscription and registers its order with
// the payment gateway. Activation happens in the gateway webhook once the
// payment settles.
func (h *MembershipHandler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	var membershipRequest struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&membershipRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	amount := models.MembershipPlanPrice(membershipRequest.Plan)
	if amount == 0 {
		utils.WriteError(w, utils.Validation(fmt.Sprintf("Unknown plan: %s", membershipRequest.Plan)))
		return
	}

	var active models.Membership
	err := h.db.Where("tutor_profile_id = ? AND status = ? AND end_date > ?",
		profile.ID, models.MembershipStatusActive, time.Now()).First(&active).Error
	if err == nil {
		utils.WriteError(w, utils.Conflict("An active membership already exists"))
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.WriteError(w, err)
		return
	}

	var user models.User
	if err := h.db.First(&user, profile.UserID).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	orderID := "MEM-" + uuid.New().String()
	snap, err := payment.CreateGatewayTransaction(orderID, amount, user.Email)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	membership := models.Membership{
		TutorProfileID: profile.ID,
		Plan:           membershipRequest.Plan,
		Amount:         amount,
		Status:         models.MembershipStatusPending,
		OrderID:        orderID,
	}
	if err := h.db.Create(&membership).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"membership":   membership,
		"redirect_url": snap.RedirectURL,
		"token":        snap.Token,
	})
}

func (h *MembershipHandler) GetMemberships(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	var memberships []models.Membership
	if err := h.db.Where("tutor_profile_id = ?", profile.ID).
		Order("created_at DESC").Find(&memberships).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{"memberships": memberships})
}

func (h *MembershipHandler) GetActiveMembership(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	var membership models.Membership
	err := h.db.Where("tutor_profile_id = ? AND status = ? AND end_date > ?",
		profile.ID, models.MembershipStatusActive, time.Now()).First(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.WriteError(w, utils.NotFound("No active membership"))
		return
	}
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, membership)
}

func (h *MembershipHandler) ownProfile(r *http.Request) (*models.TutorProfile, error) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		return nil, utils.Authentication("Unauthorized")
	}
	role, _ := utils.GetUserRoleFromContext(r)
	if role != models.RoleTutor {
		return nil, utils.Forbidden("Tutor account required")
	}

	var profile models.TutorProfile
	if err := h.db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return nil, utils.NotFound("Tutor profile not found")
	}
	return &profile, nil
}
