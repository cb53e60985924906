package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/relay/internal/gateway"
)

// Relay control headers. They steer the pipeline and are stripped from
// the forwarded request.
const (
	headerRelayStrategy    = "X-Relay-Strategy"
	headerRelayTags        = "X-Relay-Tags"
	headerFallbackCategory = "X-Fallback-Category"
)

// RelayHandler is the data-plane entry point: it hands requests to the
// gateway pipeline and writes back whatever came out of it
type RelayHandler struct {
	gateway *gateway.Service
}

// NewRelayHandler creates a relay handler
func NewRelayHandler(gw *gateway.Service) *RelayHandler {
	return &RelayHandler{gateway: gw}
}

// Proxy forwards one request to a healthy instance of the addressed
// service. A degraded dependency yields a flagged JSON answer instead
// of an upstream response.
func (h *RelayHandler) Proxy(c *gin.Context) {
	service := c.Param("service")
	path := c.Param("path")

	var body []byte
	if c.Request.Body != nil {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			BadRequestResponse(c, "Failed to read request body")
			return
		}
		body = data
	}

	req := &gateway.RelayRequest{
		Service:          service,
		CallerKey:        callerKeyFrom(c),
		Method:           c.Request.Method,
		Path:             path,
		Query:            c.Request.URL.RawQuery,
		Header:           forwardableHeaders(c.Request.Header),
		Body:             body,
		Tags:             splitTags(c.GetHeader(headerRelayTags)),
		Strategy:         c.GetHeader(headerRelayStrategy),
		FallbackCategory: c.GetHeader(headerFallbackCategory),
	}

	result, err := h.gateway.Relay(c.Request.Context(), req)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	if result.Degraded {
		c.Header("X-Relay-Degraded", "true")
		SuccessResponse(c, result)
		return
	}

	for key, values := range result.Header {
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
	c.Header("X-Relay-Instance", result.InstanceID)
	c.Data(result.StatusCode, result.Header.Get("Content-Type"), result.Body)
}

// forwardableHeaders copies the inbound headers minus the relay control
// headers and the admin API key
func forwardableHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case headerRelayStrategy, headerRelayTags, headerFallbackCategory, "X-Api-Key":
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		dst[key] = copied
	}
	return dst
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
