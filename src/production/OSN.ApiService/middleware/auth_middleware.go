package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	cache "github.com/opensensor-io/sensor-server/src/production/OSN.Cache"
	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
)

// Context keys
const (
	UserIDContextKey = "user_id"
)

const apiKeyHeader = "X-API-Key"

// TokenVerifier validates a bearer token and returns the auth subject id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// APIKeyResolver maps a device API key to its owning user id.
type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, apiKey string) (string, error)
}

// JWTVerifier validates HS256 tokens issued by the external auth provider.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(cfg *config.AuthConfig) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(cfg.JWTSecretKey),
		issuer: cfg.JWTIssuer,
	}
}

// Verify checks signature and expiry and returns the subject claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	if v.issuer != "" && claims.Issuer != "" && claims.Issuer != v.issuer {
		return "", fmt.Errorf("unexpected token issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// AuthMiddleware resolves bearer tokens and X-API-Key headers to user ids.
// Successful validations are cached by credential digest so hot dashboards
// skip repeated signature work and key lookups.
type AuthMiddleware struct {
	verifier TokenVerifier
	keys     APIKeyResolver
	cache    *cache.Cache
	tokenTTL time.Duration
}

func NewAuthMiddleware(verifier TokenVerifier, keys APIKeyResolver, c *cache.Cache, tokenTTL time.Duration) *AuthMiddleware {
	if tokenTTL <= 0 {
		tokenTTL = cache.TokenTTL
	}
	return &AuthMiddleware{verifier: verifier, keys: keys, cache: c, tokenTTL: tokenTTL}
}

// extractToken gets a bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		return strings.TrimPrefix(token, "Bearer ")
	}
	return token
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (m *AuthMiddleware) resolveToken(c *gin.Context, token string) (string, error) {
	key := "token:" + tokenDigest(token)

	var userID string
	if m.cache.GetJSON(c.Request.Context(), key, &userID) && userID != "" {
		return userID, nil
	}

	userID, err := m.verifier.Verify(token)
	if err != nil {
		return "", err
	}

	m.cache.SetJSON(c.Request.Context(), key, userID, m.tokenTTL)
	return userID, nil
}

func (m *AuthMiddleware) resolveAPIKey(c *gin.Context, apiKey string) (string, error) {
	key := "api_key:" + tokenDigest(apiKey)

	var userID string
	if m.cache.GetJSON(c.Request.Context(), key, &userID) && userID != "" {
		return userID, nil
	}

	userID, err := m.keys.ResolveAPIKey(c.Request.Context(), apiKey)
	if err != nil {
		return "", err
	}

	m.cache.SetJSON(c.Request.Context(), key, userID, m.tokenTTL)
	return userID, nil
}

// identify resolves the request's credential, bearer token first, then the
// X-API-Key header.
func (m *AuthMiddleware) identify(c *gin.Context) (string, bool, error) {
	if token := extractToken(c.Request); token != "" {
		userID, err := m.resolveToken(c, token)
		return userID, true, err
	}
	if apiKey := c.GetHeader(apiKeyHeader); apiKey != "" {
		userID, err := m.resolveAPIKey(c, apiKey)
		return userID, true, err
	}
	return "", false, nil
}

// Authenticate rejects requests without a valid bearer token or API key.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, present, err := m.identify(c)
		if !present {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			c.Abort()
			return
		}

		c.Set(UserIDContextKey, userID)
		c.Next()
	}
}

// OptionalAuth resolves a credential when one is present but lets anonymous
// requests through; handlers decide per resource.
func (m *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID, present, err := m.identify(c); present && err == nil {
			c.Set(UserIDContextKey, userID)
		}
		c.Next()
	}
}

// CallerID retrieves the authenticated user id from the Gin context.
func CallerID(c *gin.Context) (string, error) {
	val, exists := c.Get(UserIDContextKey)
	if !exists {
		return "", errors.New("user not found in context")
	}
	userID, ok := val.(string)
	if !ok || userID == "" {
		return "", errors.New("invalid user ID in context")
	}
	return userID, nil
}
