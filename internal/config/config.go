package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string

	// MasterSecret keys the credential vault. Only read from the environment.
	MasterSecret string
	AdminSecret  string

	LogLevel  string
	LogFormat string

	GeminiAPIKey     string
	AIModel          string
	AITimeout        time.Duration
	PageSpeedAPIKey  string
	PageSpeedTimeout time.Duration
	PageSpeedBaseURL string

	MaxIterations int

	RateLimitWindow   time.Duration
	RateLimitBucket   time.Duration
	RateLimitOptimize int
	RateLimitTest     int
	RateLimitAnalyze  int

	AuthFailureRate  float64
	AuthFailureBurst int
	// TrustedProxies are the peers whose X-Forwarded-For / X-Real-IP
	// headers are believed. Empty means the socket address is always used.
	TrustedProxies []*net.IPNet

	ResultCacheTTL     time.Duration
	UsageRetentionDays int
	PurgeInterval      time.Duration

	ServiceName      string
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		MasterSecret: getEnv("MASTER_SECRET", ""),
		AdminSecret:  getEnv("ADMIN_SECRET", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		AIModel:          getEnv("AI_MODEL", "gemini-2.0-flash"),
		AITimeout:        getEnvDuration("AI_TIMEOUT", 60*time.Second),
		PageSpeedAPIKey:  getEnv("PAGESPEED_API_KEY", ""),
		PageSpeedTimeout: getEnvDuration("PAGESPEED_TIMEOUT", 120*time.Second),
		PageSpeedBaseURL: getEnv("PAGESPEED_BASE_URL", ""),

		MaxIterations: getEnvInt("MAX_ITERATIONS", 5),

		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		RateLimitBucket:   getEnvDuration("RATE_LIMIT_BUCKET", time.Minute),
		RateLimitOptimize: getEnvInt("RATE_LIMIT_OPTIMIZE", 60),
		RateLimitTest:     getEnvInt("RATE_LIMIT_TEST", 30),
		RateLimitAnalyze:  getEnvInt("RATE_LIMIT_ANALYZE", 30),

		AuthFailureRate:  getEnvFloat("AUTH_FAILURE_RATE", 0.5),
		AuthFailureBurst: getEnvInt("AUTH_FAILURE_BURST", 10),

		ResultCacheTTL:     getEnvDuration("RESULT_CACHE_TTL", 24*time.Hour),
		UsageRetentionDays: getEnvInt("USAGE_RETENTION_DAYS", 400),
		PurgeInterval:      getEnvDuration("PURGE_INTERVAL", 10*time.Minute),

		ServiceName:      getEnv("OTEL_SERVICE_NAME", "perf-optimizer-gateway"),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}

	proxies, err := parseCIDRs(getEnv("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"DATABASE_URL":  c.DatabaseURL,
		"MASTER_SECRET": c.MasterSecret,
		"ADMIN_SECRET":  c.AdminSecret,
		"JWT_SECRET":    c.JWTSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be at least 1, got %d", c.MaxIterations)
	}
	if c.RateLimitBucket <= 0 || c.RateLimitWindow < c.RateLimitBucket {
		return fmt.Errorf("RATE_LIMIT_WINDOW (%s) must be at least RATE_LIMIT_BUCKET (%s)", c.RateLimitWindow, c.RateLimitBucket)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

// parseCIDRs reads a comma separated list of CIDRs or bare IPs. A bare IP
// is a single-host network.
func parseCIDRs(raw string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			_, cidr, err := net.ParseCIDR(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q", part)
			}
			out = append(out, cidr)
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", part)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}
