package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/opensensor-io/sensor-server/src/production/OSN.Cache"
	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject, issuer string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func testVerifier() *JWTVerifier {
	return NewJWTVerifier(&config.AuthConfig{JWTSecretKey: testSecret, JWTIssuer: "opensensor-auth"})
}

// stubKeyResolver maps API keys to user ids from a fixed table.
type stubKeyResolver struct {
	keys map[string]string
}

func (s *stubKeyResolver) ResolveAPIKey(ctx context.Context, apiKey string) (string, error) {
	if id, ok := s.keys[apiKey]; ok {
		return id, nil
	}
	return "", assert.AnError
}

func TestJWTVerifier(t *testing.T) {
	v := testVerifier()

	subject, err := v.Verify(signToken(t, testSecret, "user-1", "opensensor-auth", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)
}

func TestJWTVerifierRejects(t *testing.T) {
	v := testVerifier()

	cases := map[string]string{
		"wrong secret": signToken(t, "other-secret", "user-1", "opensensor-auth", time.Hour),
		"expired":      signToken(t, testSecret, "user-1", "opensensor-auth", -time.Hour),
		"wrong issuer": signToken(t, testSecret, "user-1", "someone-else", time.Hour),
		"no subject":   signToken(t, testSecret, "", "opensensor-auth", time.Hour),
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.Error(t, err)
		})
	}
}

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewLogger(&config.LoggingConfig{Level: "error", Format: "json"})
	keys := &stubKeyResolver{keys: map[string]string{"device-key-1": "user-3"}}
	m := NewAuthMiddleware(testVerifier(), keys, cache.New("", log), time.Minute)

	router := gin.New()
	router.GET("/protected", m.Authenticate(), func(c *gin.Context) {
		userID, err := CallerID(c)
		require.NoError(t, err)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	router.GET("/open", m.OptionalAuth(), func(c *gin.Context) {
		userID, _ := CallerID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return router
}

func TestAuthenticate(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-1", "opensensor-auth", time.Hour))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "user-1", "opensensor-auth", time.Hour))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticateResolvesAPIKeyHeader(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-API-Key", "device-key-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-3")
}

func TestAuthenticateRejectsUnknownAPIKey(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-API-Key", "no-such-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOptionalAuthAllowsAnonymous(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalAuthResolvesToken(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-2", "opensensor-auth", time.Hour))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-2")
}

func TestTokenDigestStable(t *testing.T) {
	assert.Equal(t, tokenDigest("abc"), tokenDigest("abc"))
	assert.NotEqual(t, tokenDigest("abc"), tokenDigest("abd"))
	assert.Len(t, tokenDigest("abc"), 64)
}
