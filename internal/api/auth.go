package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/relay/pkg/metrics"
	"github.com/cadenzahq/relay/pkg/security"
)

// AuthHandler exchanges admin API keys for dashboard session tokens
type AuthHandler struct {
	auth    *security.Authenticator
	audit   *security.AuditLogger
	metrics *metrics.Metrics
}

// NewAuthHandler creates an auth handler
func NewAuthHandler(auth *security.Authenticator, audit *security.AuditLogger, m *metrics.Metrics) *AuthHandler {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &AuthHandler{
		auth:    auth,
		audit:   audit,
		metrics: m,
	}
}

// IssueToken exchanges a valid admin API key for a short-lived session
// token. The key may travel in the X-API-Key header or the body.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	if !h.auth.Enabled() {
		BadRequestResponse(c, "Admin authentication is not enabled")
		return
	}

	apiKey := c.GetHeader("X-API-Key")
	subject := "admin"

	if apiKey == "" {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequestResponse(c, "API key is required")
			return
		}
		apiKey = req.APIKey
		if req.Subject != "" {
			subject = req.Subject
		}
	}
	if apiKey == "" {
		BadRequestResponse(c, "API key is required")
		return
	}

	token, expiresAt, err := h.auth.IssueToken(subject, apiKey)
	if err != nil {
		h.metrics.RecordAuthentication("api_key", "failure")
		h.audit.LogAuthEvent(c.Request.Context(), security.EventTypeAuthFailure,
			subject, c.ClientIP(), c.Request.UserAgent(), false, map[string]interface{}{
				"method": "token_exchange",
			})
		ErrorResponseFromError(c, err)
		return
	}

	h.metrics.RecordAuthentication("api_key", "success")
	h.audit.LogAuthEvent(c.Request.Context(), security.EventTypeTokenIssued,
		subject, c.ClientIP(), c.Request.UserAgent(), true, nil)

	SuccessResponse(c, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
