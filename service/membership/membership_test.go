package membership

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	db      *gorm.DB
	router  *mux.Router
	tutor   models.User
	profile models.TutorProfile
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	os.Setenv("SECRET_KEY", "test-secret")
	os.Unsetenv("MIDTRANS_BASE_URL")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.TutorProfile{}, &models.Membership{}))

	f := &fixture{db: db}
	f.tutor = models.User{FullName: "Tono Tutor", Email: "tono@example.com", PasswordHash: "x", Role: models.RoleTutor, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&f.tutor).Error)
	f.profile = models.TutorProfile{UserID: f.tutor.ID, HourlyRate: 100000, Verified: true}
	require.NoError(t, db.Create(&f.profile).Error)

	handler := NewMembershipHandler(db)
	f.router = mux.NewRouter()
	handler.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, user models.User, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	token, err := utils.GenerateJWT(user.ID, user.Role, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func TestCreateMembership(t *testing.T) {
	f := setupTest(t)

	recorder := f.do(t, f.tutor, "POST", "/memberships", map[string]string{"plan": models.MembershipPlanPro})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var membership models.Membership
	require.NoError(t, f.db.Where("tutor_profile_id = ?", f.profile.ID).First(&membership).Error)
	assert.Equal(t, models.MembershipStatusPending, membership.Status)
	assert.Equal(t, int64(249000), membership.Amount)
	assert.True(t, strings.HasPrefix(membership.OrderID, "MEM-"))

	t.Run("unknown plan rejected", func(t *testing.T) {
		recorder := f.do(t, f.tutor, "POST", "/memberships", map[string]string{"plan": "gold"})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("active membership blocks a second one", func(t *testing.T) {
		require.NoError(t, f.db.Model(&membership).Updates(map[string]interface{}{
			"status":   models.MembershipStatusActive,
			"end_date": time.Now().AddDate(0, 1, 0),
		}).Error)

		recorder := f.do(t, f.tutor, "POST", "/memberships", map[string]string{"plan": models.MembershipPlanBasic})
		assert.Equal(t, http.StatusConflict, recorder.Code)
	})
}

func TestMembershipRequiresTutor(t *testing.T) {
	f := setupTest(t)
	student := models.User{FullName: "Sari", Email: "sari@example.com", PasswordHash: "x", Role: models.RoleStudent, Status: models.UserStatusActive}
	require.NoError(t, f.db.Create(&student).Error)

	recorder := f.do(t, student, "POST", "/memberships", map[string]string{"plan": models.MembershipPlanBasic})
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestGetActiveMembership(t *testing.T) {
	f := setupTest(t)

	t.Run("none active", func(t *testing.T) {
		recorder := f.do(t, f.tutor, "GET", "/memberships/active", nil)
		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("active returned", func(t *testing.T) {
		membership := models.Membership{TutorProfileID: f.profile.ID, Plan: models.MembershipPlanBasic,
			Amount: 99000, Status: models.MembershipStatusActive, OrderID: "MEM-active",
			StartDate: time.Now(), EndDate: time.Now().AddDate(0, 1, 0)}
		require.NoError(t, f.db.Create(&membership).Error)

		recorder := f.do(t, f.tutor, "GET", "/memberships/active", nil)
		require.Equal(t, http.StatusOK, recorder.Code)

		var current models.Membership
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &current))
		assert.Equal(t, membership.ID, current.ID)
	})
}
