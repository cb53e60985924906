package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/relay/pkg/resilience"
	"github.com/cadenzahq/relay/pkg/security"
)

// BreakerHandler serves the circuit breaker endpoints
type BreakerHandler struct {
	breakers    *resilience.Manager
	degradation *resilience.DegradationCoordinator
	audit       *security.AuditLogger
}

// NewBreakerHandler creates a breaker handler
func NewBreakerHandler(breakers *resilience.Manager, degradation *resilience.DegradationCoordinator, audit *security.AuditLogger) *BreakerHandler {
	return &BreakerHandler{
		breakers:    breakers,
		degradation: degradation,
		audit:       audit,
	}
}

// ListBreakers returns the state of every known breaker
func (h *BreakerHandler) ListBreakers(c *gin.Context) {
	SuccessResponse(c, map[string]interface{}{
		"breakers":   h.breakers.Stats(),
		"open_count": h.breakers.OpenCount(),
	})
}

// ResetBreaker forces a breaker closed. The dependency tracker for the
// same name is cleared too, so an operator reset takes the service all
// the way back into rotation.
func (h *BreakerHandler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")

	breakerReset := h.breakers.Reset(name)
	dependencyReset := h.degradation.Reset(name)
	if !breakerReset && !dependencyReset {
		NotFoundResponse(c, "Breaker not found")
		return
	}

	h.audit.LogAdminAction(c.Request.Context(), security.EventTypeBreakerReset,
		security.Subject(c), name, "reset", map[string]interface{}{
			"breaker_reset":    breakerReset,
			"dependency_reset": dependencyReset,
		})

	SuccessResponse(c, ResetBreakerResponse{
		Name:            name,
		BreakerReset:    breakerReset,
		DependencyReset: dependencyReset,
	})
}
