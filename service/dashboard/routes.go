package dashboard

import (
	"net/http"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type DashboardHandler struct {
	db *gorm.DB
}

func NewDashboardHandler(db *gorm.DB) *DashboardHandler {
	return &DashboardHandler{db: db}
}

func (h *DashboardHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/dashboard", utils.RequireRole(models.RoleAdmin, h.GetStats)).Methods("GET")
}

type statusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// GetStats aggregates platform-wide counts for the admin dashboard.
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var studentCount, tutorCount, verifiedTutorCount int64
	h.db.Model(&models.User{}).Where("role = ?", models.RoleStudent).Count(&studentCount)
	h.db.Model(&models.User{}).Where("role = ?", models.RoleTutor).Count(&tutorCount)
	h.db.Model(&models.TutorProfile{}).Where("verified = ?", true).Count(&verifiedTutorCount)

	var bookingsByStatus []statusCount
	if err := h.db.Model(&models.Booking{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&bookingsByStatus).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var totalRevenue int64
	if err := h.db.Model(&models.Payment{}).
		Where("status = ?", models.PaymentStatusSuccess).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&totalRevenue).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	monthStart := time.Now().AddDate(0, -1, 0)
	var monthlyRevenue int64
	h.db.Model(&models.Payment{}).
		Where("status = ? AND paid_at >= ?", models.PaymentStatusSuccess, monthStart).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&monthlyRevenue)

	var activeMemberships int64
	h.db.Model(&models.Membership{}).
		Where("status = ? AND end_date > ?", models.MembershipStatusActive, time.Now()).
		Count(&activeMemberships)

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users": map[string]int64{
			"students":        studentCount,
			"tutors":          tutorCount,
			"verified_tutors": verifiedTutorCount,
		},
		"bookings_by_status": bookingsByStatus,
		"revenue": map[string]int64{
			"total":        totalRevenue,
			"last_30_days": monthlyRevenue,
		},
		"active_memberships": activeMemberships,
	})
}
