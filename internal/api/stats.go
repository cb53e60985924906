package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/relay/internal/gateway"
)

// StatsHandler serves the dashboard snapshot endpoints
type StatsHandler struct {
	gateway *gateway.Service
}

// NewStatsHandler creates a stats handler
func NewStatsHandler(gw *gateway.Service) *StatsHandler {
	return &StatsHandler{gateway: gw}
}

// GetStats returns the gateway-wide snapshot
func (h *StatsHandler) GetStats(c *gin.Context) {
	SuccessResponse(c, h.gateway.GetStats(c.Request.Context()))
}

// GetDependencies returns the dependency health snapshot
func (h *StatsHandler) GetDependencies(c *gin.Context) {
	SuccessResponse(c, h.gateway.GetDependencyReport(c.Request.Context()))
}
