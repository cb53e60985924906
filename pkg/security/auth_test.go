package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/errors"
)

const (
	testAPIKey  = "relay-admin-test-key"
	testKeySalt = "test-salt"
)

func testAuthConfig() config.AdminAuthConfig {
	return config.AdminAuthConfig{
		Enabled:    true,
		APIKeyHash: HashAPIKey(testAPIKey, testKeySalt),
		APIKeySalt: testKeySalt,
		JWTSecret:  "test-secret-key-for-testing-only",
		JWTExpiry:  time.Hour,
	}
}

func setupAuthenticator() *Authenticator {
	return NewAuthenticator(testAuthConfig(), NewAuditLogger("relay-test", "0.0.1"))
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	first := HashAPIKey("some-key", "some-salt")
	second := HashAPIKey("some-key", "some-salt")
	assert.Equal(t, first, second)
	assert.Len(t, first, apiKeyLength*2) // hex encoded

	assert.NotEqual(t, first, HashAPIKey("other-key", "some-salt"))
	assert.NotEqual(t, first, HashAPIKey("some-key", "other-salt"))
}

func TestAuthenticator_VerifyAPIKey(t *testing.T) {
	auth := setupAuthenticator()

	assert.True(t, auth.VerifyAPIKey(testAPIKey))
	assert.False(t, auth.VerifyAPIKey("wrong-key"))
	assert.False(t, auth.VerifyAPIKey(""))
}

func TestAuthenticator_VerifyAPIKey_NoHashConfigured(t *testing.T) {
	cfg := testAuthConfig()
	cfg.APIKeyHash = ""
	auth := NewAuthenticator(cfg, NewAuditLogger("relay-test", "0.0.1"))

	assert.False(t, auth.VerifyAPIKey(testAPIKey))
}

func TestAuthenticator_IssueToken_RoundTrip(t *testing.T) {
	auth := setupAuthenticator()

	token, expiresAt, err := auth.IssueToken("ops@cadenza.ai", testAPIKey)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@cadenza.ai", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "relay", claims.Issuer)
}

func TestAuthenticator_IssueToken_InvalidKey(t *testing.T) {
	auth := setupAuthenticator()

	token, _, err := auth.IssueToken("ops@cadenza.ai", "wrong-key")
	require.Error(t, err)
	assert.Empty(t, token)
	assert.Equal(t, "AUTHENTICATION_ERROR", errors.GetCode(err))
}

func TestAuthenticator_ValidateToken_WrongSecret(t *testing.T) {
	auth := setupAuthenticator()
	token, _, err := auth.IssueToken("ops@cadenza.ai", testAPIKey)
	require.NoError(t, err)

	otherCfg := testAuthConfig()
	otherCfg.JWTSecret = "a-different-secret"
	other := NewAuthenticator(otherCfg, NewAuditLogger("relay-test", "0.0.1"))

	_, err = other.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, "AUTHENTICATION_ERROR", errors.GetCode(err))
}

func TestAuthenticator_ValidateToken_Expired(t *testing.T) {
	auth := setupAuthenticator()

	claims := AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			Issuer:    "relay",
			Subject:   "ops@cadenza.ai",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testAuthConfig().JWTSecret))
	require.NoError(t, err)

	_, err = auth.ValidateToken(signed)
	require.Error(t, err)
}

func TestAuthenticator_ValidateToken_Garbage(t *testing.T) {
	auth := setupAuthenticator()

	_, err := auth.ValidateToken("not-a-token")
	require.Error(t, err)
}

func TestAuthenticator_ValidateToken_RejectsUnsignedToken(t *testing.T) {
	auth := setupAuthenticator()

	// alg=none tokens must never pass
	token := jwt.NewWithClaims(jwt.SigningMethodNone, AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "ops@cadenza.ai",
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = auth.ValidateToken(signed)
	require.Error(t, err)
}

func setupAuthRouter(auth *Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(auth.Middleware())
	router.GET("/admin", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": Subject(c)})
	})
	return router
}

func TestAuthenticator_Middleware_DisabledPassesThrough(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false
	auth := NewAuthenticator(cfg, NewAuditLogger("relay-test", "0.0.1"))
	router := setupAuthRouter(auth)

	req := httptest.NewRequest("GET", "/admin", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticator_Middleware_ValidAPIKey(t *testing.T) {
	router := setupAuthRouter(setupAuthenticator())

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"admin"`)
}

func TestAuthenticator_Middleware_InvalidAPIKey(t *testing.T) {
	router := setupAuthRouter(setupAuthenticator())

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "relay-admin")
}

func TestAuthenticator_Middleware_ValidBearerToken(t *testing.T) {
	auth := setupAuthenticator()
	token, _, err := auth.IssueToken("ops@cadenza.ai", testAPIKey)
	require.NoError(t, err)

	router := setupAuthRouter(auth)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"ops@cadenza.ai"`)
}

func TestAuthenticator_Middleware_InvalidBearerToken(t *testing.T) {
	router := setupAuthRouter(setupAuthenticator())

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_Middleware_NoCredentials(t *testing.T) {
	router := setupAuthRouter(setupAuthenticator())

	req := httptest.NewRequest("GET", "/admin", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestNewAuthenticator_DefaultExpiry(t *testing.T) {
	cfg := testAuthConfig()
	cfg.JWTExpiry = 0
	auth := NewAuthenticator(cfg, NewAuditLogger("relay-test", "0.0.1"))

	assert.Equal(t, 12*time.Hour, auth.config.JWTExpiry)
}
