package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SecretsBaseURL points at the secrets-retrieval endpoint that holds
	// per-platform client ids/secrets and the server-side cipher key.
	SecretsBaseURL    string
	SecretsServiceKey string

	// JWTSecret verifies the backend-issued user tokens on API routes.
	JWTSecret string

	// CallbackBaseURL is the public origin platforms redirect back to.
	CallbackBaseURL string
	// AllowedWebOrigin is the UI origin popup messages are addressed to.
	AllowedWebOrigin string

	PollInterval       time.Duration
	PollMaxAttempts    int
	PollErrorThreshold int

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		ServiceName:          getEnv("SERVICE_NAME", "postbridge-auth"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		SecretsBaseURL:       strings.TrimRight(os.Getenv("SECRETS_BASE_URL"), "/"),
		SecretsServiceKey:    os.Getenv("SECRETS_SERVICE_KEY"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		CallbackBaseURL:      strings.TrimRight(os.Getenv("CALLBACK_BASE_URL"), "/"),
		AllowedWebOrigin:     getEnv("ALLOWED_WEB_ORIGIN", "*"),
		PollInterval:         getDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:      getInt("POLL_MAX_ATTEMPTS", 150),
		PollErrorThreshold:   getInt("POLL_ERROR_THRESHOLD", 5),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SecretsBaseURL == "" {
		return Config{}, fmt.Errorf("SECRETS_BASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.CallbackBaseURL == "" {
		return Config{}, fmt.Errorf("CALLBACK_BASE_URL is required")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 150
	}
	if cfg.PollErrorThreshold <= 0 {
		cfg.PollErrorThreshold = 5
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
