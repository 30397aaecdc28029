package gamification

import (
	"net/http"
	"strconv"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type GamificationHandler struct {
	db *gorm.DB
}

func NewGamificationHandler(db *gorm.DB) *GamificationHandler {
	return &GamificationHandler{db: db}
}

func (h *GamificationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/gamification/users/{id:[0-9]+}", utils.AuthMiddleware(h.GetProgress)).Methods("GET")
}

// GetProgress derives points and level from the event log. Users see their
// own progress; admins can see anyone's.
func (h *GamificationHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}
	role, _ := utils.GetUserRoleFromContext(r)

	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid user ID"))
		return
	}
	if uint(userID) != actorID && role != models.RoleAdmin {
		utils.WriteError(w, utils.Forbidden("Cannot view another user's progress"))
		return
	}

	var totalPoints int64
	if err := h.db.Model(&models.ProgressEvent{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(points), 0)").
		Scan(&totalPoints).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var events []models.ProgressEvent
	if err := h.db.Where("user_id = ?", userID).
		Order("created_at DESC").Limit(50).Find(&events).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"total_points": totalPoints,
		"level":        totalPoints / models.PointsPerLevel,
		"events":       events,
	})
}
