package booking

import (
	"fmt"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"gorm.io/gorm"
)

// activeStatuses are the booking statuses that hold a tutor's time slot.
var activeStatuses = []string{models.BookingStatusPendingPayment, models.BookingStatusConfirmed}

// hasOverlap reports whether [start, end) intersects any slot-holding booking
// for the tutor. Half-open comparison: back-to-back sessions do not collide.
func hasOverlap(tx *gorm.DB, tutorProfileID uint, start, end time.Time, excludeBookingID uint) (bool, error) {
	query := tx.Model(&models.Booking{}).
		Where("tutor_profile_id = ? AND status IN ?", tutorProfileID, activeStatuses).
		Where("scheduled_at < ? AND ends_at > ?", end, start)
	if excludeBookingID != 0 {
		query = query.Where("id != ?", excludeBookingID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// fitsAvailability checks that the window lies inside one of the tutor's
// weekly rules and outside every time-off interval.
func fitsAvailability(tx *gorm.DB, tutorProfileID uint, start, end time.Time) error {
	var rules []models.AvailabilityRule
	if err := tx.Where("tutor_profile_id = ? AND day_of_week = ?", tutorProfileID, int(start.Weekday())).
		Find(&rules).Error; err != nil {
		return err
	}

	covered := false
	for _, rule := range rules {
		if rule.Covers(start, end) {
			covered = true
			break
		}
	}
	if !covered {
		return utils.Validation("Requested time is outside the tutor's availability")
	}

	var timeOffs []models.TimeOff
	if err := tx.Where("tutor_profile_id = ? AND starts_at < ? AND ends_at > ?", tutorProfileID, end, start).
		Find(&timeOffs).Error; err != nil {
		return err
	}
	if len(timeOffs) > 0 {
		return utils.Validation("Tutor is off during the requested time")
	}
	return nil
}

// transition performs a status-guarded update so a lifecycle edge is taken at
// most once even under concurrent requests or webhook re-deliveries. It
// returns InvalidState when the booking is no longer in the expected status.
func transition(tx *gorm.DB, bookingID uint, from, to string, extra map[string]interface{}) error {
	if !models.BookingTransitionAllowed(from, to) {
		return utils.InvalidState(fmt.Sprintf("Booking cannot move from %s to %s", from, to))
	}

	updates := map[string]interface{}{"status": to}
	for column, value := range extra {
		updates[column] = value
	}

	result := tx.Model(&models.Booking{}).
		Where("id = ? AND status = ?", bookingID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.InvalidState(fmt.Sprintf("Booking is no longer %s", from))
	}
	return nil
}

// ApplyPaymentSuccess is the Payment Bridge's confirm step. The guarded
// update makes a replayed settlement a no-op.
func ApplyPaymentSuccess(tx *gorm.DB, bookingID uint) error {
	return transition(tx, bookingID, models.BookingStatusPendingPayment, models.BookingStatusConfirmed, nil)
}

// ApplyPaymentFailure cancels a booking whose payment was denied or expired.
func ApplyPaymentFailure(tx *gorm.DB, bookingID uint, reason string) error {
	return transition(tx, bookingID, models.BookingStatusPendingPayment, models.BookingStatusCancelled,
		map[string]interface{}{"cancel_reason": reason})
}
