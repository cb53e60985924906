package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/errors"
)

const (
	apiKeyIterations = 210000
	apiKeyLength     = 32

	// SubjectKey is the Gin context key holding the authenticated
	// principal after the middleware has run
	SubjectKey = "auth_subject"
)

// HashAPIKey derives the stored digest for an admin API key. The
// output of this function is what ADMIN_API_KEY_HASH carries.
func HashAPIKey(key, salt string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(key), []byte(salt), apiKeyIterations, apiKeyLength, sha256.New))
}

// AdminClaims are the session token claims for ops dashboard access
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator guards the mutating admin endpoints. Clients present
// either the pre-shared API key directly or a short-lived session
// token previously exchanged for it.
type Authenticator struct {
	config config.AdminAuthConfig
	audit  *AuditLogger
}

// NewAuthenticator creates an authenticator for the admin surface
func NewAuthenticator(cfg config.AdminAuthConfig, audit *AuditLogger) *Authenticator {
	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = 12 * time.Hour
	}
	return &Authenticator{
		config: cfg,
		audit:  audit,
	}
}

// Enabled reports whether admin authentication is enforced
func (a *Authenticator) Enabled() bool {
	return a.config.Enabled
}

// VerifyAPIKey checks a presented key against the configured digest
// in constant time
func (a *Authenticator) VerifyAPIKey(key string) bool {
	if key == "" || a.config.APIKeyHash == "" {
		return false
	}
	derived := HashAPIKey(key, a.config.APIKeySalt)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(a.config.APIKeyHash)) == 1
}

// IssueToken exchanges a valid API key for a session token
func (a *Authenticator) IssueToken(subject, apiKey string) (string, time.Time, error) {
	if !a.VerifyAPIKey(apiKey) {
		return "", time.Time{}, errors.NewAuthenticationError("invalid API key")
	}

	expiresAt := time.Now().Add(a.config.JWTExpiry)
	claims := AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "relay",
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, errors.NewInternalError("failed to sign session token").WithCause(err)
	}

	return signed, expiresAt, nil
}

// ValidateToken validates a session token and returns its claims
func (a *Authenticator) ValidateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, errors.NewAuthenticationError("invalid session token").WithCause(err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.NewAuthenticationError("invalid session token")
	}

	return claims, nil
}

// Middleware enforces admin authentication on a route group
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.config.Enabled {
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			if a.VerifyAPIKey(key) {
				c.Set(SubjectKey, "admin")
				c.Next()
				return
			}
			a.audit.LogAuthEvent(c.Request.Context(), EventTypeAuthFailure, "", c.ClientIP(), c.Request.UserAgent(), false, map[string]interface{}{
				"method": "api_key",
				"path":   c.Request.URL.Path,
			})
			unauthorized(c)
			return
		}

		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			claims, err := a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
			if err == nil {
				c.Set(SubjectKey, claims.Subject)
				c.Next()
				return
			}
			a.audit.LogAuthEvent(c.Request.Context(), EventTypeAuthFailure, "", c.ClientIP(), c.Request.UserAgent(), false, map[string]interface{}{
				"method": "bearer",
				"path":   c.Request.URL.Path,
			})
			unauthorized(c)
			return
		}

		a.audit.LogAuthEvent(c.Request.Context(), EventTypeAuthFailure, "", c.ClientIP(), c.Request.UserAgent(), false, map[string]interface{}{
			"method": "none",
			"path":   c.Request.URL.Path,
		})
		unauthorized(c)
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="relay-admin"`)
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": "valid admin credentials required",
	})
	c.Abort()
}

// Subject returns the authenticated principal from the Gin context
func Subject(c *gin.Context) string {
	if subject, exists := c.Get(SubjectKey); exists {
		if s, ok := subject.(string); ok {
			return s
		}
	}
	return ""
}
