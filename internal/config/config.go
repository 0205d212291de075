// Package config loads fabric configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all fabric configuration. Mutable fields (those adjustable
// via the admin API at runtime) are protected by an RWMutex and accessed
// through getter/setter methods, since background loops read them while
// HTTP handlers may write them concurrently.
type Config struct {
	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// HTTP gateway
	GatewayAddr       string
	GatewayPathPrefix string
	RequestTimeout    time.Duration
	APIKeyHeader      string
	EnableCORS        bool
	CORSOrigins       string

	// Admin / operator auth
	CookieSecure  bool
	SessionExpiry time.Duration

	// WebAuthn passkeys for the admin surface (all empty = disabled)
	WebAuthnRPID        string
	WebAuthnDisplayName string
	WebAuthnOrigins     string

	// Bearer token signing
	BearerSigningKey string

	// Queue push transport: "" (default in-process channel) or "mqtt" to
	// additionally mirror deliveries onto an MQTT broker topic.
	QueuePushTransport string
	MQTTBroker         string
	MQTTTopic          string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            int

	MetricsEnabled bool
	// MetricsTextfilePath, if set, periodically writes fabric_ metrics in
	// Prometheus text exposition format for node_exporter's textfile
	// collector (for hosts where Prometheus can't scrape the gateway
	// directly).
	MetricsTextfilePath     string
	MetricsTextfileInterval time.Duration

	// mu protects the mutable runtime fields below.
	mu sync.RWMutex

	// Queue (C1)
	queueMaxSize     int
	queueTTL         time.Duration
	queueRetryDelay  time.Duration
	queueMaxAttempts int

	// Registry (C2)
	registryHealthCheckInterval time.Duration
	registryTTL                 time.Duration
	registryCleanupInterval     time.Duration
	registryBackupInterval      time.Duration
	registryEventRetention      time.Duration

	// Load balancer (C4)
	lbAlgorithm             string
	lbStickySessions        bool
	lbCircuitBreakerThresh  int
	lbCircuitBreakerTimeout time.Duration

	// Rate limiter (C5)
	rateLimitStrategy  string
	rateLimitDefault   int
	rateLimitWindow    time.Duration
	rateLimitAdaptive  bool

	// Gateway auth (C6/C8)
	authRequired bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:                      envStr("FABRIC_DB_PATH", "/data/fabric.db"),
		LogJSON:                     envBool("FABRIC_LOG_JSON", true),
		GatewayAddr:                 envStr("FABRIC_GATEWAY_ADDR", ":8080"),
		GatewayPathPrefix:           envStr("FABRIC_API_PREFIX", "/api/v1"),
		RequestTimeout:              envDuration("FABRIC_REQUEST_TIMEOUT", 30*time.Second),
		APIKeyHeader:                envStr("FABRIC_API_KEY_HEADER", "X-API-Key"),
		EnableCORS:                  envBool("FABRIC_ENABLE_CORS", true),
		CORSOrigins:                 envStr("FABRIC_CORS_ORIGINS", "*"),
		CookieSecure:                envBool("FABRIC_COOKIE_SECURE", true),
		SessionExpiry:               envDuration("FABRIC_SESSION_EXPIRY", 720*time.Hour),
		WebAuthnRPID:                envStr("FABRIC_WEBAUTHN_RPID", ""),
		WebAuthnDisplayName:         envStr("FABRIC_WEBAUTHN_DISPLAY_NAME", "Agent Fabric"),
		WebAuthnOrigins:             envStr("FABRIC_WEBAUTHN_ORIGINS", ""),
		BearerSigningKey:            envStr("FABRIC_BEARER_SIGNING_KEY", ""),
		QueuePushTransport:          envStr("FABRIC_QUEUE_PUSH_TRANSPORT", ""),
		MQTTBroker:                  envStr("FABRIC_MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:                   envStr("FABRIC_MQTT_TOPIC", "fabric/agents"),
		MQTTClientID:                envStr("FABRIC_MQTT_CLIENT_ID", ""),
		MQTTUsername:                envStr("FABRIC_MQTT_USERNAME", ""),
		MQTTPassword:                envStr("FABRIC_MQTT_PASSWORD", ""),
		MQTTQoS:                     envInt("FABRIC_MQTT_QOS", 0),
		MetricsEnabled:              envBool("FABRIC_METRICS", true),
		MetricsTextfilePath:         envStr("FABRIC_METRICS_TEXTFILE_PATH", ""),
		MetricsTextfileInterval:     envDuration("FABRIC_METRICS_TEXTFILE_INTERVAL", 15*time.Second),
		queueMaxSize:                envInt("FABRIC_QUEUE_MAX_SIZE", 10000),
		queueTTL:                    envDuration("FABRIC_QUEUE_TTL", 24*time.Hour),
		queueRetryDelay:             envDuration("FABRIC_QUEUE_RETRY_DELAY", 60*time.Second),
		queueMaxAttempts:            envInt("FABRIC_QUEUE_MAX_ATTEMPTS", 3),
		registryHealthCheckInterval: envDuration("FABRIC_REGISTRY_HEALTH_CHECK_INTERVAL", 30*time.Second),
		registryTTL:                 envDuration("FABRIC_REGISTRY_TTL", 300*time.Second),
		registryCleanupInterval:     envDuration("FABRIC_REGISTRY_CLEANUP_INTERVAL", 60*time.Second),
		registryBackupInterval:      envDuration("FABRIC_REGISTRY_BACKUP_INTERVAL", 5*time.Minute),
		registryEventRetention:      envDuration("FABRIC_REGISTRY_EVENT_RETENTION", 24*time.Hour),
		lbAlgorithm:                 envStr("FABRIC_LB_ALGORITHM", "health-weighted"),
		lbStickySessions:            envBool("FABRIC_LB_STICKY_SESSIONS", false),
		lbCircuitBreakerThresh:      envInt("FABRIC_LB_CIRCUIT_BREAKER_THRESHOLD", 5),
		lbCircuitBreakerTimeout:     envDuration("FABRIC_LB_CIRCUIT_BREAKER_TIMEOUT", 60*time.Second),
		rateLimitStrategy:           envStr("FABRIC_RATE_LIMIT_STRATEGY", "token_bucket"),
		rateLimitDefault:            envInt("FABRIC_RATE_LIMIT_DEFAULT", 1000),
		rateLimitWindow:             envDuration("FABRIC_RATE_LIMIT_WINDOW", time.Hour),
		rateLimitAdaptive:           envBool("FABRIC_RATE_LIMIT_ADAPTIVE", true),
		authRequired:                envBool("FABRIC_AUTH_REQUIRED", true),
	}
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		queueMaxSize:                10000,
		queueTTL:                    24 * time.Hour,
		queueRetryDelay:             60 * time.Second,
		queueMaxAttempts:            3,
		registryHealthCheckInterval: 30 * time.Second,
		registryTTL:                 300 * time.Second,
		registryCleanupInterval:     60 * time.Second,
		registryBackupInterval:      5 * time.Minute,
		registryEventRetention:      24 * time.Hour,
		lbAlgorithm:                 "health-weighted",
		lbCircuitBreakerThresh:      5,
		lbCircuitBreakerTimeout:     60 * time.Second,
		rateLimitStrategy:           "token_bucket",
		rateLimitDefault:            1000,
		rateLimitWindow:             time.Hour,
		rateLimitAdaptive:           true,
		authRequired:                true,
		RequestTimeout:              30 * time.Second,
		APIKeyHeader:                "X-API-Key",
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	qms := c.queueMaxSize
	qma := c.queueMaxAttempts
	algo := c.lbAlgorithm
	strat := c.rateLimitStrategy
	c.mu.RUnlock()

	var errs []error
	if qms <= 0 {
		errs = append(errs, fmt.Errorf("FABRIC_QUEUE_MAX_SIZE must be > 0, got %d", qms))
	}
	if qma <= 0 {
		errs = append(errs, fmt.Errorf("FABRIC_QUEUE_MAX_ATTEMPTS must be > 0, got %d", qma))
	}
	switch algo {
	case "round-robin", "least-connections", "weighted-round-robin", "random", "consistent-hash", "health-weighted":
	default:
		errs = append(errs, fmt.Errorf("FABRIC_LB_ALGORITHM invalid: %q", algo))
	}
	switch strat {
	case "fixed_window", "sliding_window", "token_bucket", "leaky_bucket", "adaptive":
	default:
		errs = append(errs, fmt.Errorf("FABRIC_RATE_LIMIT_STRATEGY invalid: %q", strat))
	}
	if c.WebAuthnRPID != "" && c.WebAuthnOrigins == "" {
		errs = append(errs, fmt.Errorf("FABRIC_WEBAUTHN_ORIGINS is required when FABRIC_WEBAUTHN_RPID is set"))
	}
	switch c.QueuePushTransport {
	case "", "mqtt":
	default:
		errs = append(errs, fmt.Errorf("FABRIC_QUEUE_PUSH_TRANSPORT invalid: %q", c.QueuePushTransport))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// --- runtime-mutable getters/setters ---

func (c *Config) QueueMaxSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueMaxSize
}

func (c *Config) QueueTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueTTL
}

func (c *Config) QueueRetryDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueRetryDelay
}

func (c *Config) SetQueueRetryDelay(d time.Duration) {
	c.mu.Lock()
	c.queueRetryDelay = d
	c.mu.Unlock()
}

func (c *Config) QueueMaxAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueMaxAttempts
}

func (c *Config) RegistryHealthCheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registryHealthCheckInterval
}

func (c *Config) RegistryTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registryTTL
}

func (c *Config) SetRegistryTTL(d time.Duration) {
	c.mu.Lock()
	c.registryTTL = d
	c.mu.Unlock()
}

func (c *Config) RegistryCleanupInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registryCleanupInterval
}

func (c *Config) RegistryBackupInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registryBackupInterval
}

func (c *Config) RegistryEventRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registryEventRetention
}

func (c *Config) LBAlgorithm() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lbAlgorithm
}

func (c *Config) SetLBAlgorithm(algo string) {
	c.mu.Lock()
	c.lbAlgorithm = algo
	c.mu.Unlock()
}

func (c *Config) LBStickySessions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lbStickySessions
}

func (c *Config) LBCircuitBreakerThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lbCircuitBreakerThresh
}

func (c *Config) LBCircuitBreakerTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lbCircuitBreakerTimeout
}

func (c *Config) RateLimitStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitStrategy
}

func (c *Config) RateLimitDefault() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitDefault
}

func (c *Config) SetRateLimitDefault(n int) {
	c.mu.Lock()
	c.rateLimitDefault = n
	c.mu.Unlock()
}

func (c *Config) RateLimitWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitWindow
}

func (c *Config) RateLimitAdaptive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitAdaptive
}

func (c *Config) AuthRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authRequired
}

func (c *Config) SetAuthRequired(b bool) {
	c.mu.Lock()
	c.authRequired = b
	c.mu.Unlock()
}

// MQTTPushEnabled returns true when the queue's push-delivery transport
// should mirror deliveries onto an MQTT broker topic.
func (c *Config) MQTTPushEnabled() bool {
	return c.QueuePushTransport == "mqtt"
}

// WebAuthnEnabled returns true when WebAuthn passkeys are configured.
func (c *Config) WebAuthnEnabled() bool {
	return c.WebAuthnRPID != ""
}

// WebAuthnOriginList parses the comma-separated origins into a slice.
func (c *Config) WebAuthnOriginList() []string {
	if c.WebAuthnOrigins == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.WebAuthnOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// CORSOriginList parses the comma-separated CORS origins into a slice.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
