package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensensor-io/sensor-server/src/production/OSN.ApiService/middleware"
	cache "github.com/opensensor-io/sensor-server/src/production/OSN.Cache"
	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
)

// stubUserRepo serves canned access decisions so handler status codes can be
// tested without a database.
type stubUserRepo struct {
	valid  map[string]string // api key -> owning user id
	owned  map[string]bool   // compound device id -> caller owns it
	public map[string]bool
}

func (s *stubUserRepo) ValidateAPIKey(ctx context.Context, apiKey, deviceID, deviceName string) (*osnmodels.User, error) {
	if id, ok := s.valid[apiKey]; ok {
		return &osnmodels.User{ID: id}, nil
	}
	return nil, interfaces.ErrInvalidAPIKey
}

func (s *stubUserRepo) GetOrCreateUser(ctx context.Context, userID string) (*osnmodels.User, error) {
	return &osnmodels.User{ID: userID}, nil
}

func (s *stubUserRepo) AddAPIKey(ctx context.Context, userID string, key osnmodels.APIKey) ([]osnmodels.APIKey, error) {
	return []osnmodels.APIKey{key}, nil
}

func (s *stubUserRepo) ResolveDeviceChain(ctx context.Context, deviceID string) ([]string, string, error) {
	return []string{deviceID}, "", nil
}

func (s *stubUserRepo) UserOwnsDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	return s.owned[deviceID], nil
}

func (s *stubUserRepo) DeviceIsPublic(ctx context.Context, deviceID string) (bool, error) {
	return s.public[deviceID], nil
}

func (s *stubUserRepo) ResolveAPIKey(ctx context.Context, apiKey string) (string, error) {
	if id, ok := s.valid[apiKey]; ok {
		return id, nil
	}
	return "", interfaces.ErrInvalidAPIKey
}

func (s *stubUserRepo) ListUserDevices(ctx context.Context, userID string) ([]osnmodels.APIKey, error) {
	return nil, nil
}

func (s *stubUserRepo) ListPublicDevices(ctx context.Context) ([]osnmodels.APIKey, error) {
	return nil, nil
}

func (s *stubUserRepo) AddCommand(ctx context.Context, userID string, cmd osnmodels.Command) error {
	return nil
}

func (s *stubUserRepo) ConsumeCommand(ctx context.Context, apiKey, deviceID, deviceName string) (*osnmodels.Command, error) {
	return nil, interfaces.ErrNoCommand
}

type stubReadingRepo struct {
	recorded []*osnmodels.Environment
}

func (s *stubReadingRepo) RecordEnvironment(ctx context.Context, env *osnmodels.Environment) error {
	s.recorded = append(s.recorded, env)
	return nil
}

func (s *stubReadingRepo) SampleHistory(ctx context.Context, modelName string, q interfaces.HistoryQuery) (*interfaces.HistoryPage, error) {
	return &interfaces.HistoryPage{Items: []interface{}{}, Page: q.Page, Size: q.Size}, nil
}

func (s *stubReadingRepo) SampleVPD(ctx context.Context, q interfaces.HistoryQuery) ([]osnmodels.VPD, error) {
	return nil, nil
}

func readingTestRouter(t *testing.T, users *stubUserRepo, readings *stubReadingRepo) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewLogger(&config.LoggingConfig{Level: "error", Format: "json"})
	verifier := middleware.NewJWTVerifier(&config.AuthConfig{JWTSecretKey: "test-secret", JWTIssuer: "opensensor-auth"})
	auth := middleware.NewAuthMiddleware(verifier, users, cache.New("", log), time.Minute)

	router := gin.New()
	NewReadingController(readings, users, log, auth).RegisterRoutes(router)
	return router
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIngestMissingAPIKeyIsBadRequest(t *testing.T) {
	router := readingTestRouter(t, &stubUserRepo{}, &stubReadingRepo{})

	w := postJSON(router, "/temp/", `{"device_metadata":{"device_id":"dev-1"},"temp":{"temp":21.5}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestInvalidAPIKeyIsForbidden(t *testing.T) {
	users := &stubUserRepo{valid: map[string]string{"good-key": "user-1"}}
	router := readingTestRouter(t, users, &stubReadingRepo{})

	w := postJSON(router, "/temp/", `{"device_metadata":{"device_id":"dev-1","api_key":"wrong-key"},"temp":{"temp":21.5}}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIngestValidKeyRecordsReading(t *testing.T) {
	users := &stubUserRepo{valid: map[string]string{"good-key": "user-1"}}
	readings := &stubReadingRepo{}
	router := readingTestRouter(t, users, readings)

	w := postJSON(router, "/temp/", `{"device_metadata":{"device_id":"dev-1","api_key":"good-key"},"temp":{"temp":21.5}}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, readings.recorded, 1)
	assert.Equal(t, "user-1", readings.recorded[0].DeviceMetadata.UserID)
}

func TestHistoryUnownedPublicDeviceIsReadable(t *testing.T) {
	// An anonymous read of a device whose keys all share publicly, which
	// includes a device nobody registered a key for at all.
	users := &stubUserRepo{public: map[string]bool{"orphan-1": true}}
	router := readingTestRouter(t, users, &stubReadingRepo{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/temp/orphan-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHistoryPrivateDeviceRejectsAnonymous(t *testing.T) {
	router := readingTestRouter(t, &stubUserRepo{}, &stubReadingRepo{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/temp/dev-1", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
