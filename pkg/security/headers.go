package security

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// HeadersConfig holds security header and CORS configuration for the
// ops API
type HeadersConfig struct {
	// HSTS configuration
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool

	// CORS configuration for the operator dashboard
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration

	// Additional security headers
	ReferrerPolicy      string
	XFrameOptions       string
	XContentTypeOptions bool

	// Request body cap in bytes
	MaxRequestSize int64
}

// DefaultHeadersConfig returns a secure default configuration
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		HSTSMaxAge:            31536000, // 1 year
		HSTSIncludeSubdomains: true,
		AllowedOrigins: []string{
			"http://localhost:3000",
			"https://*.cadenza.ai",
		},
		AllowedMethods: []string{
			"GET", "POST", "PUT", "DELETE", "OPTIONS",
		},
		AllowedHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"X-API-Key", "X-Request-ID", "X-Correlation-ID", "X-Caller-Key",
		},
		ExposedHeaders: []string{
			"X-Request-ID", "X-Correlation-ID", "X-RateLimit-Remaining",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
		ReferrerPolicy:   "strict-origin-when-cross-origin",
		XFrameOptions:    "DENY",
		XContentTypeOptions: true,
		MaxRequestSize:      4 << 20, // 4MB
	}
}

// HeadersMiddleware returns a Gin middleware that sets security
// headers on every response. The API serves JSON only, so the CSP
// denies everything.
func HeadersMiddleware(cfg HeadersConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		if cfg.HSTSMaxAge > 0 {
			hsts := fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
			if cfg.HSTSIncludeSubdomains {
				hsts += "; includeSubDomains"
			}
			c.Header("Strict-Transport-Security", hsts)
		}

		if cfg.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", cfg.ReferrerPolicy)
		}
		if cfg.XFrameOptions != "" {
			c.Header("X-Frame-Options", cfg.XFrameOptions)
		}
		if cfg.XContentTypeOptions {
			c.Header("X-Content-Type-Options", "nosniff")
		}

		c.Header("X-Robots-Tag", "noindex, nofollow")
		c.Header("Server", "Relay")

		c.Next()
	}
}

// CORSMiddleware returns a CORS middleware with the given configuration
func CORSMiddleware(cfg HeadersConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		ExposeHeaders:    cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}

	// Wildcard origins need the callback form
	if containsWildcard(cfg.AllowedOrigins) {
		allowed := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return isOriginAllowed(origin, allowed)
		}
		corsConfig.AllowOrigins = nil
	}

	return cors.New(corsConfig)
}

// RequestSizeMiddleware limits the size of request bodies
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "request body too large",
				"max_size": maxSize,
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// Middlewares combines the edge protections in the order they should
// run
func Middlewares(cfg HeadersConfig) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		CORSMiddleware(cfg),
		HeadersMiddleware(cfg),
		RequestSizeMiddleware(cfg.MaxRequestSize),
	}
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return true
		}
	}
	return false
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if matchOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchOrigin checks if an origin matches a pattern, supporting
// subdomain wildcards like https://*.example.com
func matchOrigin(origin, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if !strings.Contains(pattern, "*") {
		return origin == pattern
	}

	if strings.HasPrefix(pattern, "https://*.") {
		domain := strings.TrimPrefix(pattern, "https://*.")
		return strings.HasPrefix(origin, "https://") &&
			(strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain)
	}

	if strings.HasPrefix(pattern, "http://*.") {
		domain := strings.TrimPrefix(pattern, "http://*.")
		return strings.HasPrefix(origin, "http://") &&
			(strings.HasSuffix(origin, "."+domain) || origin == "http://"+domain)
	}

	return false
}
