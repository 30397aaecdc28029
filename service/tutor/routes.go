package tutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/blajarplus/blajarplus-server/service/notification"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func pqArray(values []string) pq.StringArray {
	return pq.StringArray(values)
}

type TutorHandler struct {
	db         *gorm.DB
	dispatcher *notification.Dispatcher
}

func NewTutorHandler(db *gorm.DB, dispatcher *notification.Dispatcher) *TutorHandler {
	return &TutorHandler{db: db, dispatcher: dispatcher}
}

func (h *TutorHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tutors", h.SearchTutors).Methods("GET")
	router.HandleFunc("/tutors/profile", utils.AuthMiddleware(h.UpdateProfile)).Methods("PUT")
	router.HandleFunc("/tutors/availability", utils.AuthMiddleware(h.CreateAvailabilityRule)).Methods("POST")
	router.HandleFunc("/tutors/availability/{id:[0-9]+}", utils.AuthMiddleware(h.DeleteAvailabilityRule)).Methods("DELETE")
	router.HandleFunc("/tutors/time-off", utils.AuthMiddleware(h.CreateTimeOff)).Methods("POST")
	router.HandleFunc("/tutors/time-off/{id:[0-9]+}", utils.AuthMiddleware(h.DeleteTimeOff)).Methods("DELETE")
	router.HandleFunc("/tutors/{id:[0-9]+}", h.GetTutor).Methods("GET")
	router.HandleFunc("/tutors/{id:[0-9]+}/slots", h.GetSlots).Methods("GET")
	router.HandleFunc("/tutors/{id:[0-9]+}/availability", h.GetAvailability).Methods("GET")
	router.HandleFunc("/tutors/{id:[0-9]+}/reviews", utils.AuthMiddleware(h.CreateReview)).Methods("POST")
	router.HandleFunc("/tutors/{id:[0-9]+}/reviews", h.GetReviews).Methods("GET")
	router.HandleFunc("/tutors/{id:[0-9]+}/verify", utils.RequireRole(models.RoleAdmin, h.VerifyTutor)).Methods("PUT")
}

// SearchTutors lists verified tutors with optional filters. Unverified
// profiles never appear in search results.
func (h *TutorHandler) SearchTutors(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := h.db.Model(&models.TutorProfile{}).Where("verified = ?", true)

	if subject := r.URL.Query().Get("subject"); subject != "" {
		if h.db.Dialector.Name() == "postgres" {
			query = query.Where("? = ANY(subjects)", subject)
		} else {
			query = query.Where("subjects LIKE ?", "%"+subject+"%")
		}
	}
	if method := r.URL.Query().Get("method"); method != "" {
		if h.db.Dialector.Name() == "postgres" {
			query = query.Where("? = ANY(teaching_methods)", method)
		} else {
			query = query.Where("teaching_methods LIKE ?", "%"+method+"%")
		}
	}
	if minRate := r.URL.Query().Get("min_rate"); minRate != "" {
		if rate, err := strconv.ParseInt(minRate, 10, 64); err == nil {
			query = query.Where("hourly_rate >= ?", rate)
		}
	}
	if maxRate := r.URL.Query().Get("max_rate"); maxRate != "" {
		if rate, err := strconv.ParseInt(maxRate, 10, 64); err == nil {
			query = query.Where("hourly_rate <= ?", rate)
		}
	}
	if minRating := r.URL.Query().Get("min_rating"); minRating != "" {
		if rating, err := strconv.ParseFloat(minRating, 64); err == nil {
			query = query.Where("average_rating >= ?", rating)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var tutors []models.TutorProfile
	if err := query.Preload("User").
		Order("average_rating DESC, total_ratings DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&tutors).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tutors":      tutors,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

func (h *TutorHandler) GetTutor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tutorID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	var profile models.TutorProfile
	if err := h.db.Preload("User").Preload("AvailabilityRules").
		First(&profile, tutorID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Tutor not found"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, profile)
}

// UpdateProfile lets a tutor edit their own listing. Verification status is
// not editable here.
func (h *TutorHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	var updateRequest struct {
		Headline        *string  `json:"headline"`
		Bio             *string  `json:"bio"`
		Subjects        []string `json:"subjects"`
		HourlyRate      *int64   `json:"hourly_rate"`
		TeachingMethods []string `json:"teaching_methods"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	updates := map[string]interface{}{}
	if updateRequest.Headline != nil {
		updates["headline"] = *updateRequest.Headline
	}
	if updateRequest.Bio != nil {
		updates["bio"] = *updateRequest.Bio
	}
	if updateRequest.Subjects != nil {
		updates["subjects"] = pqArray(updateRequest.Subjects)
	}
	if updateRequest.HourlyRate != nil {
		if *updateRequest.HourlyRate <= 0 {
			utils.WriteError(w, utils.Validation("Hourly rate must be positive"))
			return
		}
		updates["hourly_rate"] = *updateRequest.HourlyRate
	}
	if updateRequest.TeachingMethods != nil {
		for _, method := range updateRequest.TeachingMethods {
			if method != models.TeachingMethodOnline && method != models.TeachingMethodOnsite {
				utils.WriteError(w, utils.Validation(fmt.Sprintf("Unknown teaching method: %s", method)))
				return
			}
		}
		updates["teaching_methods"] = pqArray(updateRequest.TeachingMethods)
	}
	if len(updates) == 0 {
		utils.WriteJSON(w, http.StatusOK, profile)
		return
	}

	if err := h.db.Model(profile).Updates(updates).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, profile)
}

// VerifyTutor marks a profile as verified so it becomes bookable and
// searchable.
func (h *TutorHandler) VerifyTutor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tutorID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	var profile models.TutorProfile
	if err := h.db.First(&profile, tutorID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Tutor not found"))
		return
	}

	if err := h.db.Model(&profile).Update("verified", true).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Tutor verified",
		"tutor":   profile,
	})
}

// CreateAvailabilityRule adds a weekly window. Rules on the same weekday may
// not overlap each other.
func (h *TutorHandler) CreateAvailabilityRule(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	var ruleRequest struct {
		DayOfWeek   int `json:"day_of_week"`
		StartMinute int `json:"start_minute"`
		EndMinute   int `json:"end_minute"`
		SlotMinutes int `json:"slot_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ruleRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	if ruleRequest.DayOfWeek < 0 || ruleRequest.DayOfWeek > 6 {
		utils.WriteError(w, utils.Validation("day_of_week must be 0 (Sunday) through 6 (Saturday)"))
		return
	}
	if ruleRequest.StartMinute < 0 || ruleRequest.EndMinute > 24*60 || ruleRequest.StartMinute >= ruleRequest.EndMinute {
		utils.WriteError(w, utils.Validation("Invalid start/end minutes"))
		return
	}
	if ruleRequest.SlotMinutes <= 0 {
		ruleRequest.SlotMinutes = 60
	}

	var overlapping int64
	if err := h.db.Model(&models.AvailabilityRule{}).
		Where("tutor_profile_id = ? AND day_of_week = ? AND start_minute < ? AND end_minute > ?",
			profile.ID, ruleRequest.DayOfWeek, ruleRequest.EndMinute, ruleRequest.StartMinute).
		Count(&overlapping).Error; err != nil {
		utils.WriteError(w, err)
		return
	}
	if overlapping > 0 {
		utils.WriteError(w, utils.Conflict("Rule overlaps an existing availability rule"))
		return
	}

	rule := models.AvailabilityRule{
		TutorProfileID: profile.ID,
		DayOfWeek:      ruleRequest.DayOfWeek,
		StartMinute:    ruleRequest.StartMinute,
		EndMinute:      ruleRequest.EndMinute,
		SlotMinutes:    ruleRequest.SlotMinutes,
	}
	if err := h.db.Create(&rule).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, rule)
}

func (h *TutorHandler) DeleteAvailabilityRule(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	vars := mux.Vars(r)
	ruleID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid rule ID"))
		return
	}

	result := h.db.Where("id = ? AND tutor_profile_id = ?", ruleID, profile.ID).
		Delete(&models.AvailabilityRule{})
	if result.Error != nil {
		utils.WriteError(w, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		utils.WriteError(w, utils.NotFound("Availability rule not found"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Availability rule deleted"})
}

func (h *TutorHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tutorID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	var rules []models.AvailabilityRule
	if err := h.db.Where("tutor_profile_id = ?", tutorID).
		Order("day_of_week ASC, start_minute ASC").Find(&rules).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var timeOffs []models.TimeOff
	if err := h.db.Where("tutor_profile_id = ? AND ends_at > ?", tutorID, time.Now()).
		Order("starts_at ASC").Find(&timeOffs).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules":     rules,
		"time_offs": timeOffs,
	})
}

func (h *TutorHandler) CreateTimeOff(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	var timeOffRequest struct {
		StartsAt time.Time `json:"starts_at"`
		EndsAt   time.Time `json:"ends_at"`
		Reason   string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&timeOffRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	if !timeOffRequest.StartsAt.Before(timeOffRequest.EndsAt) {
		utils.WriteError(w, utils.Validation("starts_at must be before ends_at"))
		return
	}

	timeOff := models.TimeOff{
		TutorProfileID: profile.ID,
		StartsAt:       timeOffRequest.StartsAt,
		EndsAt:         timeOffRequest.EndsAt,
		Reason:         timeOffRequest.Reason,
	}
	if err := h.db.Create(&timeOff).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, timeOff)
}

func (h *TutorHandler) DeleteTimeOff(w http.ResponseWriter, r *http.Request) {
	profile, appErr := h.ownProfile(r)
	if appErr != nil {
		utils.WriteError(w, appErr)
		return
	}

	vars := mux.Vars(r)
	timeOffID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid time off ID"))
		return
	}

	result := h.db.Where("id = ? AND tutor_profile_id = ?", timeOffID, profile.ID).
		Delete(&models.TimeOff{})
	if result.Error != nil {
		utils.WriteError(w, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		utils.WriteError(w, utils.NotFound("Time off not found"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Time off deleted"})
}

type slot struct {
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Available bool      `json:"available"`
}

// GetSlots expands the tutor's weekly rules for one calendar date into
// concrete slots, marking each unavailable when it is in the past, covered by
// time off, or taken by an active booking.
func (h *TutorHandler) GetSlots(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tutorID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	dateParam := r.URL.Query().Get("date")
	if dateParam == "" {
		utils.WriteError(w, utils.Validation("date query parameter is required (YYYY-MM-DD)"))
		return
	}
	date, err := time.ParseInLocation("2006-01-02", dateParam, time.Local)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid date, expected YYYY-MM-DD"))
		return
	}

	var rules []models.AvailabilityRule
	if err := h.db.Where("tutor_profile_id = ? AND day_of_week = ?", tutorID, int(date.Weekday())).
		Order("start_minute ASC").Find(&rules).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	dayStart := date
	dayEnd := date.Add(24 * time.Hour)

	var timeOffs []models.TimeOff
	if err := h.db.Where("tutor_profile_id = ? AND starts_at < ? AND ends_at > ?", tutorID, dayEnd, dayStart).
		Find(&timeOffs).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	var bookings []models.Booking
	if err := h.db.Where("tutor_profile_id = ? AND status IN ? AND scheduled_at < ? AND ends_at > ?",
		tutorID, []string{models.BookingStatusPendingPayment, models.BookingStatusConfirmed}, dayEnd, dayStart).
		Find(&bookings).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	now := time.Now()
	slots := make([]slot, 0)
	for _, rule := range rules {
		for minute := rule.StartMinute; minute+rule.SlotMinutes <= rule.EndMinute; minute += rule.SlotMinutes {
			start := dayStart.Add(time.Duration(minute) * time.Minute)
			end := start.Add(time.Duration(rule.SlotMinutes) * time.Minute)

			available := start.After(now)
			for _, timeOff := range timeOffs {
				if timeOff.Overlaps(start, end) {
					available = false
					break
				}
			}
			if available {
				for _, booking := range bookings {
					if booking.ScheduledAt.Before(end) && booking.EndsAt.After(start) {
						available = false
						break
					}
				}
			}
			slots = append(slots, slot{StartsAt: start, EndsAt: end, Available: available})
		}
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"date":  dateParam,
		"slots": slots,
	})
}

// CreateReview lets the student of a completed booking rate the tutor. One
// review per booking; the profile's rating aggregate is updated in the same
// transaction.
func (h *TutorHandler) CreateReview(w http.ResponseWriter, r *http.Request) {
	studentID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	vars := mux.Vars(r)
	tutorID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	var reviewRequest struct {
		BookingID uint    `json:"booking_id"`
		Rating    float64 `json:"rating"`
		Comment   string  `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&reviewRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	if reviewRequest.Rating < 1 || reviewRequest.Rating > 5 {
		utils.WriteError(w, utils.Validation("Rating must be between 1 and 5"))
		return
	}

	var booking models.Booking
	if err := h.db.First(&booking, reviewRequest.BookingID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Booking not found"))
		return
	}
	if booking.StudentID != studentID {
		utils.WriteError(w, utils.Forbidden("Only the booking's student can review it"))
		return
	}
	if booking.TutorProfileID != uint(tutorID) {
		utils.WriteError(w, utils.Validation("Booking does not belong to this tutor"))
		return
	}
	if booking.Status != models.BookingStatusCompleted {
		utils.WriteError(w, utils.InvalidState("Only completed bookings can be reviewed"))
		return
	}

	var existing models.Review
	if err := h.db.Where("booking_id = ?", booking.ID).First(&existing).Error; err == nil {
		utils.WriteError(w, utils.Conflict("Booking already reviewed"))
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.WriteError(w, err)
		return
	}

	review := models.Review{
		StudentID:      studentID,
		TutorProfileID: booking.TutorProfileID,
		BookingID:      booking.ID,
		Rating:         reviewRequest.Rating,
		Comment:        reviewRequest.Comment,
	}

	tx := h.db.Begin()
	if err := tx.Create(&review).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}

	var profile models.TutorProfile
	if err := tx.First(&profile, booking.TutorProfileID).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	newTotal := profile.TotalRatings + 1
	newAverage := (profile.AverageRating*float64(profile.TotalRatings) + reviewRequest.Rating) / float64(newTotal)
	if err := tx.Model(&profile).Updates(map[string]interface{}{
		"average_rating": newAverage,
		"total_ratings":  newTotal,
	}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}

	progress := models.ProgressEvent{
		UserID:    studentID,
		Kind:      models.ProgressKindReviewWritten,
		Points:    models.PointsReviewWritten,
		BookingID: booking.ID,
	}
	if err := tx.Create(&progress).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}

	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	h.dispatcher.Notify(profile.UserID, models.NotificationReviewReceived,
		"New review",
		fmt.Sprintf("You received a %.0f-star review", reviewRequest.Rating),
		models.BookingPayload{BookingID: booking.ID, Status: booking.Status, ScheduledAt: booking.ScheduledAt, Subject: booking.Subject})

	utils.WriteJSON(w, http.StatusCreated, review)
}

func (h *TutorHandler) GetReviews(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tutorID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid tutor ID"))
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	var total int64
	h.db.Model(&models.Review{}).Where("tutor_profile_id = ?", tutorID).Count(&total)

	var reviews []models.Review
	if err := h.db.Where("tutor_profile_id = ?", tutorID).
		Preload("Student").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&reviews).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"reviews":     reviews,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// ownProfile resolves the calling tutor's profile.
func (h *TutorHandler) ownProfile(r *http.Request) (*models.TutorProfile, error) {
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
