package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	StoreBackend string // memory | postgres
	DatabaseURL  string
	JournalPath  string // memory backend only; empty keeps nothing on disk
	SeedFile     string

	// Ledger
	OverdraftLimits map[domain.AccountKind]domain.Money

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	OwnerCacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// HTTP
	CORSAllowedOrigins []string

	// JWT / Auth
	JWTSecret    string
	JWTAccessTTL time.Duration
	BcryptCost   int

	// Dev mode
	DevAuth bool // DEV_AUTH=true enables POST /v1/auth/login for seeded users
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		JournalPath:  getEnv("JOURNAL_PATH", ""),
		SeedFile:     getEnv("SEED_FILE", ""),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		OwnerCacheTTL: getEnvDuration("OWNER_CACHE_TTL", 10*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		JWTSecret:    getEnv("JWT_SECRET", "ledger-default-dev-secret-change-me"),
		JWTAccessTTL: getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
		BcryptCost:   getEnvInt("BCRYPT_COST", 10),

		DevAuth: getEnv("DEV_AUTH", "false") == "true",
	}

	limits, err := ParseOverdraftLimits(getEnv("OVERDRAFT_LIMITS", ""))
	if err != nil {
		return nil, err
	}
	cfg.OverdraftLimits = limits

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, nil
}

// ParseOverdraftLimits parses "business=500.00,checking=50" into per-kind
// limits. An empty string means no account kind may overdraw.
func ParseOverdraftLimits(s string) (map[domain.AccountKind]domain.Money, error) {
	out := make(map[domain.AccountKind]domain.Money)
	for _, part := range splitList(s) {
		kind, amount, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("OVERDRAFT_LIMITS: %q is not kind=amount", part)
		}
		k := domain.AccountKind(strings.TrimSpace(kind))
		if !k.Valid() {
			return nil, fmt.Errorf("OVERDRAFT_LIMITS: unknown account kind %q", k)
		}
		m, err := domain.ParseMoney(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("OVERDRAFT_LIMITS: %w", err)
		}
		if m < 0 {
			return nil, fmt.Errorf("OVERDRAFT_LIMITS: limit for %s must not be negative", k)
		}
		out[k] = m
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
