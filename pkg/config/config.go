package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Tracing     TracingConfig     `json:"tracing"`
	Redis       RedisConfig       `json:"redis"`
	Prober      ProberConfig      `json:"prober"`
	Balancer    BalancerConfig    `json:"balancer"`
	Admission   AdmissionConfig   `json:"admission"`
	Breaker     BreakerConfig     `json:"breaker"`
	Degradation DegradationConfig `json:"degradation"`
	Alerts      AlertsConfig      `json:"alerts"`
	AdminAuth   AdminAuthConfig   `json:"admin_auth"`
	Seeds       []SeedInstance    `json:"seeds"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        string  `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// RedisConfig contains optional Redis connection configuration. The gateway
// runs fully in-process without it; Redis only backs the ops API rate limiter
// and the dashboard snapshot cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ProberConfig controls the health probe loop
type ProberConfig struct {
	Interval    time.Duration `json:"interval"`
	Timeout     time.Duration `json:"timeout"`
	Concurrency int           `json:"concurrency"`
}

// BalancerConfig controls instance selection
type BalancerConfig struct {
	Strategy        string        `json:"strategy"`
	LatencyWeight   float64       `json:"latency_weight"`
	FailureWeight   float64       `json:"failure_weight"`
	JanitorInterval time.Duration `json:"janitor_interval"`
}

// AdmissionConfig controls the inbound rate window and queue
type AdmissionConfig struct {
	MaxRequests   int           `json:"max_requests"`
	Window        time.Duration `json:"window"`
	QueueSize     int           `json:"queue_size"`
	QueueTimeout  time.Duration `json:"queue_timeout"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// BreakerConfig holds the default circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// DegradationConfig controls dependency availability tracking
type DegradationConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	Dependencies     []string      `json:"dependencies"`
}

// AlertsConfig controls alert fan-out
type AlertsConfig struct {
	Enabled         bool          `json:"enabled"`
	SlackWebhookURL string        `json:"slack_webhook_url"`
	WebhookURL      string        `json:"webhook_url"`
	RateLimit       time.Duration `json:"rate_limit"`
}

// AdminAuthConfig protects the mutating admin endpoints
type AdminAuthConfig struct {
	Enabled    bool          `json:"enabled"`
	APIKeyHash string        `json:"api_key_hash"`
	APIKeySalt string        `json:"api_key_salt"`
	JWTSecret  string        `json:"jwt_secret"`
	JWTExpiry  time.Duration `json:"jwt_expiry"`
}

// SeedInstance describes a service instance registered at startup
type SeedInstance struct {
	Name           string   `json:"name"`
	ID             string   `json:"id"`
	Address        string   `json:"address"`
	HealthEndpoint string   `json:"health_endpoint"`
	Tags           []string `json:"tags"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	seeds, err := ParseSeedInstances(getEnvString("SEED_INSTANCES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid SEED_INSTANCES: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvString("TRACING_ENABLED", "false"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 0.1),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Prober: ProberConfig{
			Interval:    getEnvDuration("PROBE_INTERVAL", 10*time.Second),
			Timeout:     getEnvDuration("PROBE_TIMEOUT", 2*time.Second),
			Concurrency: getEnvInt("PROBE_CONCURRENCY", 8),
		},
		Balancer: BalancerConfig{
			Strategy:        getEnvString("BALANCER_STRATEGY", "round_robin"),
			LatencyWeight:   getEnvFloat("BALANCER_LATENCY_WEIGHT", 0.6),
			FailureWeight:   getEnvFloat("BALANCER_FAILURE_WEIGHT", 0.4),
			JanitorInterval: getEnvDuration("BALANCER_JANITOR_INTERVAL", 1*time.Minute),
		},
		Admission: AdmissionConfig{
			MaxRequests:   getEnvInt("ADMISSION_MAX_REQUESTS", 60),
			Window:        getEnvDuration("ADMISSION_WINDOW", 1*time.Minute),
			QueueSize:     getEnvInt("ADMISSION_QUEUE_SIZE", 20),
			QueueTimeout:  getEnvDuration("ADMISSION_QUEUE_TIMEOUT", 5*time.Second),
			SweepInterval: getEnvDuration("ADMISSION_SWEEP_INTERVAL", 30*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		Degradation: DegradationConfig{
			FailureThreshold: getEnvInt("DEGRADATION_FAILURE_THRESHOLD", 3),
			RecoveryTimeout:  getEnvDuration("DEGRADATION_RECOVERY_TIMEOUT", 60*time.Second),
			Dependencies:     splitCSV(getEnvString("DEGRADATION_DEPENDENCIES", "")),
		},
		Alerts: AlertsConfig{
			Enabled:         getEnvBool("ALERTS_ENABLED", false),
			SlackWebhookURL: getEnvString("ALERTS_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnvString("ALERTS_WEBHOOK_URL", ""),
			RateLimit:       getEnvDuration("ALERTS_RATE_LIMIT", 5*time.Minute),
		},
		AdminAuth: AdminAuthConfig{
			Enabled:    getEnvBool("ADMIN_AUTH_ENABLED", false),
			APIKeyHash: getEnvString("ADMIN_API_KEY_HASH", ""),
			APIKeySalt: getEnvString("ADMIN_API_KEY_SALT", ""),
			JWTSecret:  getEnvString("JWT_SECRET", ""),
			JWTExpiry:  getEnvDuration("JWT_EXPIRATION", 12*time.Hour),
		},
		Seeds: seeds,
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Admission.MaxRequests <= 0 {
		return fmt.Errorf("admission max requests must be positive")
	}

	if c.Admission.Window <= 0 {
		return fmt.Errorf("admission window must be positive")
	}

	if c.Admission.QueueSize < 0 {
		return fmt.Errorf("admission queue size must not be negative")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}

	if c.Prober.Interval <= 0 || c.Prober.Timeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}

	if c.Prober.Concurrency <= 0 {
		return fmt.Errorf("probe concurrency must be positive")
	}

	switch c.Balancer.Strategy {
	case "round_robin", "random", "least_connections", "health_based":
	default:
		return fmt.Errorf("unknown balancer strategy: %s", c.Balancer.Strategy)
	}

	if c.AdminAuth.Enabled {
		if c.AdminAuth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required when admin auth is enabled")
		}
		if c.AdminAuth.APIKeyHash == "" || c.AdminAuth.APIKeySalt == "" {
			return fmt.Errorf("admin API key hash and salt are required when admin auth is enabled")
		}
	}

	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// ParseSeedInstances parses the SEED_INSTANCES format: entries separated by
// ";", fields by ",": name,id,address,healthEndpoint[,tag1|tag2|...].
// An empty input yields no seeds.
func ParseSeedInstances(raw string) ([]SeedInstance, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var seeds []SeedInstance
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.Split(entry, ",")
		if len(fields) < 4 {
			return nil, fmt.Errorf("seed entry %q needs name,id,address,healthEndpoint", entry)
		}

		seed := SeedInstance{
			Name:           strings.TrimSpace(fields[0]),
			ID:             strings.TrimSpace(fields[1]),
			Address:        strings.TrimSpace(fields[2]),
			HealthEndpoint: strings.TrimSpace(fields[3]),
		}
		if seed.Name == "" || seed.ID == "" || seed.Address == "" {
			return nil, fmt.Errorf("seed entry %q has empty name, id or address", entry)
		}

		if len(fields) >= 5 {
			for _, tag := range strings.Split(fields[4], "|") {
				tag = strings.TrimSpace(tag)
				if tag != "" {
					seed.Tags = append(seed.Tags, tag)
				}
			}
		}

		seeds = append(seeds, seed)
	}

	return seeds, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
