package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

// ModeConfig describes one matchmaking pool.
type ModeConfig struct {
	ModeID          string
	RequiredPlayers int
	UsesMMRMatching bool
	TickInterval    time.Duration
	BatchMultiplier int
	MMRWindowBase   int64
}

type Config struct {
	// Environment
	Environment string
	LogLevel    string

	// Identity of this process among all pods. Required; there is no safe
	// default because it decides same-pod vs cross-pod routing.
	PodID string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Server
	Port        string
	FrontendURL string

	// Matchmaking
	Modes []ModeConfig

	// Store and routing
	StoreTimeout   time.Duration
	PublishTimeout time.Duration

	// Circuit breaker
	CircuitThreshold uint64
	CircuitCooldown  time.Duration

	// Battle
	BattleTimeout time.Duration

	// Ingress
	RateLimitRPS float64

	// Pod health
	PodDownThreshold int

	// Subscriber reconnect backoff
	SubscriberBackoffInitial time.Duration
	SubscriberBackoffMax     time.Duration

	// Security
	JWTSecret string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	podID := os.Getenv("POD_ID")
	if podID == "" {
		return nil, eris.New("POD_ID is required")
	}

	cfg := &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		PodID: podID,

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/cardfall?sslmode=disable"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Server
		Port:        getEnv("APP_PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),

		// Store and routing
		StoreTimeout:   getEnvDurationMS("STORE_TIMEOUT_MS", 10_000),
		PublishTimeout: getEnvDurationMS("PUBLISH_TIMEOUT_MS", 5_000),

		// Circuit breaker
		CircuitThreshold: uint64(getEnvInt("CIRCUIT_THRESHOLD", 5)),
		CircuitCooldown:  getEnvDurationMS("CIRCUIT_COOLDOWN_MS", 60_000),

		// Battle
		BattleTimeout: getEnvDurationMS("BATTLE_SIMULATE_TIMEOUT_MS", 5_000),

		// Ingress
		RateLimitRPS: float64(getEnvInt("RATE_LIMIT_RPS", 10)),

		// Pod health
		PodDownThreshold: getEnvInt("POD_DOWN_THRESHOLD", 3),

		// Subscriber reconnect backoff
		SubscriberBackoffInitial: getEnvDurationMS("SUBSCRIBER_BACKOFF_INITIAL_MS", 100),
		SubscriberBackoffMax:     getEnvDurationMS("SUBSCRIBER_BACKOFF_MAX_MS", 10_000),

		// Security
		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
	}

	modes, err := loadModes()
	if err != nil {
		return nil, err
	}
	cfg.Modes = modes
	return cfg, nil
}

// loadModes reads the MODES list plus optional per-mode overrides, e.g.
// MODE_RANKED_TICK_MS=3000. A mode named "ranked" defaults to rating-based
// matching.
func loadModes() ([]ModeConfig, error) {
	names := strings.Split(getEnv("MODES", "normal,ranked"), ",")
	modes := make([]ModeConfig, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, eris.Errorf("duplicate mode %q in MODES", name)
		}
		seen[name] = true

		prefix := "MODE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		mode := ModeConfig{
			ModeID:          name,
			RequiredPlayers: getEnvInt(prefix+"REQUIRED_PLAYERS", 2),
			UsesMMRMatching: getEnvBool(prefix+"MMR", name == "ranked"),
			TickInterval:    getEnvDurationMS(prefix+"TICK_MS", 5_000),
			BatchMultiplier: getEnvInt(prefix+"BATCH_MULTIPLIER", 2),
			MMRWindowBase:   int64(getEnvInt(prefix+"MMR_WINDOW", 100)),
		}
		if mode.RequiredPlayers != 2 {
			return nil, eris.Errorf("mode %q: only two-player matches are supported", name)
		}
		if mode.TickInterval <= 0 || mode.BatchMultiplier <= 0 {
			return nil, eris.Errorf("mode %q: tick interval and batch multiplier must be positive", name)
		}
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		return nil, eris.New("MODES must name at least one game mode")
	}
	return modes, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationMS(key string, defaultMS int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMS)) * time.Millisecond
}
