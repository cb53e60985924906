package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/relay/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error with details support
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// requestIDFrom extracts the request ID set by RequestIDMiddleware
func requestIDFrom(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response based on the error type.
// The relay surface maps upstream trouble onto the gateway status codes:
// unavailable dependencies are 503, failed forwards 502, timeouts 504.
func ErrorResponseFromError(c *gin.Context, err error) {
	var statusCode int
	var apiError *APIError

	switch e := err.(type) {
	case *errors.AppError:
		switch e.Type {
		case errors.ErrorTypeValidation:
			statusCode = http.StatusBadRequest
		case errors.ErrorTypeAuthentication:
			statusCode = http.StatusUnauthorized
		case errors.ErrorTypeAuthorization:
			statusCode = http.StatusForbidden
		case errors.ErrorTypeNotFound:
			statusCode = http.StatusNotFound
		case errors.ErrorTypeConflict:
			statusCode = http.StatusConflict
		case errors.ErrorTypeRateLimit:
			statusCode = http.StatusTooManyRequests
		case errors.ErrorTypeTimeout:
			statusCode = http.StatusGatewayTimeout
		case errors.ErrorTypeUnavailable:
			statusCode = http.StatusServiceUnavailable
		case errors.ErrorTypeExternal:
			statusCode = http.StatusBadGateway
		default:
			statusCode = http.StatusInternalServerError
		}

		apiError = &APIError{
			Code:    e.Code,
			Message: e.Message,
		}
		if len(e.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				apiError.Details[k] = v
			}
		}
	default:
		statusCode = http.StatusInternalServerError
		apiError = &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "UNAUTHORIZED",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "INTERNAL_ERROR",
			Message: message,
		},
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// DTO types for API requests and responses

// RegisterInstanceRequest represents a request to register an instance
type RegisterInstanceRequest struct {
	Name           string            `json:"name" binding:"required"`
	ID             string            `json:"id"`
	Version        string            `json:"version"`
	Address        string            `json:"address" binding:"required,url"`
	HealthEndpoint string            `json:"health_endpoint" binding:"required"`
	Tags           []string          `json:"tags"`
	Dependencies   []string          `json:"dependencies"`
	Metadata       map[string]string `json:"metadata"`
}

// UpdateInstanceRequest represents a request to refresh an instance.
// Name and id come from the path.
type UpdateInstanceRequest struct {
	Version        string            `json:"version"`
	Address        string            `json:"address" binding:"required,url"`
	HealthEndpoint string            `json:"health_endpoint" binding:"required"`
	Tags           []string          `json:"tags"`
	Dependencies   []string          `json:"dependencies"`
	Metadata       map[string]string `json:"metadata"`
}

// TokenRequest represents a session token exchange. The API key may
// come from the body or from the X-API-Key header.
type TokenRequest struct {
	APIKey  string `json:"api_key"`
	Subject string `json:"subject"`
}

// TokenResponse represents an issued session token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ServiceSummary represents one service in the services listing
type ServiceSummary struct {
	Name      string `json:"name"`
	Instances int    `json:"instances"`
	Healthy   int    `json:"healthy"`
}

// ServiceListResponse represents the services listing
type ServiceListResponse struct {
	Services       []ServiceSummary `json:"services"`
	TotalInstances int              `json:"total_instances"`
}

// ResetBreakerResponse reports which trackers a reset touched
type ResetBreakerResponse struct {
	Name            string `json:"name"`
	BreakerReset    bool   `json:"breaker_reset"`
	DependencyReset bool   `json:"dependency_reset"`
}
