package api

import (
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cadenzahq/relay/internal/gateway"
	"github.com/cadenzahq/relay/internal/registry"
	"github.com/cadenzahq/relay/pkg/security"
)

// ServiceHandler serves the discovery and registration endpoints
type ServiceHandler struct {
	registry *registry.Registry
	gateway  *gateway.Service
	audit    *security.AuditLogger
}

// NewServiceHandler creates a service handler
func NewServiceHandler(reg *registry.Registry, gw *gateway.Service, audit *security.AuditLogger) *ServiceHandler {
	return &ServiceHandler{
		registry: reg,
		gateway:  gw,
		audit:    audit,
	}
}

// ListServices returns a summary of every registered service
func (h *ServiceHandler) ListServices(c *gin.Context) {
	stats := h.registry.GetStats()

	summaries := make([]ServiceSummary, 0, len(stats.Services))
	for _, svc := range stats.Services {
		summaries = append(summaries, ServiceSummary{
			Name:      svc.Name,
			Instances: svc.Instances,
			Healthy:   svc.Healthy,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})

	SuccessResponse(c, ServiceListResponse{
		Services:       summaries,
		TotalInstances: stats.TotalInstances,
	})
}

// GetService returns the full health snapshot for one service
func (h *ServiceHandler) GetService(c *gin.Context) {
	health, err := h.gateway.GetServiceHealth(c.Request.Context(), c.Param("name"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, health)
}

// RegisterInstance registers a new backend instance. An omitted id is
// generated. The instance starts unknown and enters rotation after its
// first successful probe.
func (h *ServiceHandler) RegisterInstance(c *gin.Context) {
	var req RegisterInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	inst := &registry.Instance{
		ID:             req.ID,
		Name:           req.Name,
		Version:        req.Version,
		Address:        req.Address,
		HealthEndpoint: req.HealthEndpoint,
		Tags:           req.Tags,
		Dependencies:   req.Dependencies,
		Metadata:       req.Metadata,
	}
	if err := h.registry.Register(inst); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	h.audit.LogAdminAction(c.Request.Context(), security.EventTypeInstanceRegistered,
		security.Subject(c), req.Name+"/"+req.ID, "register", map[string]interface{}{
			"address": req.Address,
		})

	created, err := h.registry.Get(req.Name, req.ID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, created)
}

// UpdateInstance refreshes a registered instance in place. A refresh
// keeps the instance's probe status, so a healthy instance stays
// routable through the update.
func (h *ServiceHandler) UpdateInstance(c *gin.Context) {
	name := c.Param("name")
	id := c.Param("id")

	var req UpdateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	inst := &registry.Instance{
		ID:             id,
		Name:           name,
		Version:        req.Version,
		Address:        req.Address,
		HealthEndpoint: req.HealthEndpoint,
		Tags:           req.Tags,
		Dependencies:   req.Dependencies,
		Metadata:       req.Metadata,
	}
	if err := h.registry.Reregister(inst); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	h.audit.LogAdminAction(c.Request.Context(), security.EventTypeInstanceRegistered,
		security.Subject(c), name+"/"+id, "reregister", map[string]interface{}{
			"address": req.Address,
		})

	updated, err := h.registry.Get(name, id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, updated)
}

// DeregisterInstance removes an instance from the registry
func (h *ServiceHandler) DeregisterInstance(c *gin.Context) {
	name := c.Param("name")
	id := c.Param("id")

	if !h.registry.Deregister(name, id) {
		NotFoundResponse(c, "Instance not found")
		return
	}

	h.audit.LogAdminAction(c.Request.Context(), security.EventTypeInstanceDeregistered,
		security.Subject(c), name+"/"+id, "deregister", nil)

	SuccessResponse(c, map[string]interface{}{
		"removed": true,
		"name":    name,
		"id":      id,
	})
}
