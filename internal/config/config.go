// Package config loads the backend configuration from environment variables.
// Unset or empty variables take defaults; malformed values are errors, not
// silent fallbacks, and Load reports every problem at once.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "telemsg-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// TransportConfig tunes the WebSocket transport.
type TransportConfig struct {
	Path       string        // WS_PATH
	SendBuffer int           // WS_SEND_BUFFER, frames buffered per connection
	AckTimeout time.Duration // WS_ACK_TIMEOUT, after which a push counts as lost
	JWTSecret  string        // JWT_SECRET, empty disables token checks
}

// PresenceConfig tunes the connection registry and liveness sweep.
type PresenceConfig struct {
	Shards           int           // REGISTRY_SHARDS
	HeartbeatTimeout time.Duration // HEARTBEAT_TIMEOUT
	SweepInterval    time.Duration // SWEEP_INTERVAL
	RedisAddr        string        // REDIS_ADDR, empty disables the online-set mirror
	RedisKey         string        // REDIS_ONLINE_KEY
}

// DeliveryConfig tunes message acceptance and lifecycle.
type DeliveryConfig struct {
	RecallWindow    time.Duration // RECALL_WINDOW
	MaxContentRunes int           // MAX_CONTENT_RUNES, 0 disables the guard
	KafkaBrokers    []string      // KAFKA_BROKERS, empty logs losses instead
	KafkaLossTopic  string        // KAFKA_LOSS_TOPIC
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath string // SQLite path

	// Messaging
	Transport TransportConfig
	Presence  PresenceConfig
	Delivery  DeliveryConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if it is invalid.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment, applies defaults, normalizes values and
// validates the result. The returned error joins every parse and
// validation failure.
func Load() (Config, error) {
	e := &env{}
	cfg := Config{
		Port:              e.getString("PORT", "8080"),
		ReadTimeout:       e.getDuration("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: e.getDuration("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      e.getDuration("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       e.getDuration("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    e.getInt("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(e.getString("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(e.getString("LOG_LEVEL", "info")),
		LogPretty:      e.getBool("LOG_PRETTY", false),
		SwaggerEnabled: e.getBool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(e.getString("API_BASE_PATH", "/api/v1")),

		DBPath: e.getString("DB_PATH", "telemsg.db"),

		Transport: TransportConfig{
			Path:       normalizeBasePath(e.getString("WS_PATH", "/ws")),
			SendBuffer: e.getInt("WS_SEND_BUFFER", 256),
			AckTimeout: e.getDuration("WS_ACK_TIMEOUT", 15*time.Second),
			JWTSecret:  e.getString("JWT_SECRET", ""),
		},
		Presence: PresenceConfig{
			Shards:           e.getInt("REGISTRY_SHARDS", 32),
			HeartbeatTimeout: e.getDuration("HEARTBEAT_TIMEOUT", 10*time.Minute),
			SweepInterval:    e.getDuration("SWEEP_INTERVAL", time.Minute),
			RedisAddr:        e.getString("REDIS_ADDR", ""),
			RedisKey:         e.getString("REDIS_ONLINE_KEY", "presence:online"),
		},
		Delivery: DeliveryConfig{
			RecallWindow:    e.getDuration("RECALL_WINDOW", 2*time.Minute),
			MaxContentRunes: e.getInt("MAX_CONTENT_RUNES", 4000),
			KafkaBrokers:    splitCSV(e.getString("KAFKA_BROKERS", "")),
			KafkaLossTopic:  e.getString("KAFKA_LOSS_TOPIC", "im.delivery.losses"),
		},

		RateRPS:   e.getFloat("RATE_RPS", 5.0),
		RateBurst: e.getInt("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: splitCSV(e.getString("CORS_ALLOWED_ORIGINS", ""))},
		Security: SecurityConfig{
			EnableHSTS: e.getBool("ENABLE_HSTS", false),
			HSTSMaxAge: e.getDuration("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: e.getDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     e.getBool("OTEL_ENABLED", false),
			Endpoint:    e.getString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    e.getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.getString("OTEL_SERVICE_NAME", "telemsg-backend"),
			SampleRatio: e.getFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, errors.Join(append(e.errs, cfg.validate()...)...)
}

func (c Config) validate() []error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	check(strings.TrimSpace(c.Port) != "", "PORT must not be empty")
	check(c.ReadTimeout > 0 && c.ReadHeaderTimeout > 0 && c.WriteTimeout > 0 && c.IdleTimeout > 0, "timeouts must be positive durations")
	check(c.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")
	check(strings.TrimSpace(c.DBPath) != "", "DB_PATH must not be empty")

	check(c.Transport.Path != "/", "WS_PATH must not be the root path")
	check(c.Transport.Path != c.APIBasePath, "WS_PATH must differ from API_BASE_PATH")
	check(c.Transport.SendBuffer >= 1, "WS_SEND_BUFFER must be >= 1")
	check(c.Transport.AckTimeout > 0, "WS_ACK_TIMEOUT must be > 0")

	check(c.Presence.Shards >= 1, "REGISTRY_SHARDS must be >= 1")
	check(c.Presence.HeartbeatTimeout > 0 && c.Presence.SweepInterval > 0, "HEARTBEAT_TIMEOUT and SWEEP_INTERVAL must be > 0")
	check(c.Presence.SweepInterval <= c.Presence.HeartbeatTimeout, "SWEEP_INTERVAL must not exceed HEARTBEAT_TIMEOUT")

	check(c.Delivery.RecallWindow > 0, "RECALL_WINDOW must be > 0")
	check(c.Delivery.MaxContentRunes >= 0, "MAX_CONTENT_RUNES must be >= 0")
	check(len(c.Delivery.KafkaBrokers) == 0 || strings.TrimSpace(c.Delivery.KafkaLossTopic) != "", "KAFKA_LOSS_TOPIC must be set when KAFKA_BROKERS is")

	check(c.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(c.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.OTEL.SampleRatio >= 0 && c.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	return errs
}

// env reads typed variables and remembers which ones failed to parse.
type env struct {
	errs []error
}

func (e *env) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *env) fail(k, v, want string) {
	e.errs = append(e.errs, fmt.Errorf("%s: %q is not a valid %s", k, v, want))
}

func (e *env) getString(k, def string) string {
	if v, ok := e.lookup(k); ok {
		return v
	}
	return def
}

func (e *env) getInt(k string, def int) int {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(k, v, "integer")
		return def
	}
	return i
}

func (e *env) getFloat(k string, def float64) float64 {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.fail(k, v, "number")
		return def
	}
	return f
}

func (e *env) getDuration(k string, def time.Duration) time.Duration {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.fail(k, v, "duration")
		return def
	}
	return d
}

func (e *env) getBool(k string, def bool) bool {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	e.fail(k, v, "boolean")
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing ones; blank
// becomes "/".
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
