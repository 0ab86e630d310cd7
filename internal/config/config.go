package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	GatewayMode   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	PlannerModel  string
	EnablePlanner bool

	PersonaFile    string
	DefaultPersona string

	DatabaseURL        string
	MemoryEmbeddingDim int
	ShortTermCapacity  int
	RecallBudget       int
	RecallHalfLife     time.Duration
	WriteBaseThreshold float64

	EvictInterval      time.Duration
	EvictMaxAge        time.Duration
	EvictMaxPerSession int

	GenerateTimeout    time.Duration
	RecallTimeout      time.Duration
	MaxGenerateRetries int
	MaxToolRounds      int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "astrid"),
		AllowAnyOrigin:           false,
		GatewayMode:              envOrDefault("GATEWAY_MODE", "auto"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            stringsTrimSpace("OPENAI_BASE_URL"),
		Model:                    envOrDefault("MODEL_NAME", "gpt-4o-mini"),
		PlannerModel:             stringsTrimSpace("PLANNER_MODEL_NAME"),
		PersonaFile:              stringsTrimSpace("PERSONA_FILE"),
		DefaultPersona:           envOrDefault("DEFAULT_PERSONA", "warm"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryEmbeddingDim:       384,
		ShortTermCapacity:        12,
		RecallBudget:             6,
		RecallHalfLife:           6 * time.Hour,
		WriteBaseThreshold:       0.5,
		EvictInterval:            10 * time.Minute,
		EvictMaxAge:              90 * 24 * time.Hour,
		EvictMaxPerSession:       512,
		GenerateTimeout:          30 * time.Second,
		RecallTimeout:            2 * time.Second,
		MaxGenerateRetries:       2,
		MaxToolRounds:            3,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EnablePlanner, err = boolFromEnv("ENABLE_PLANNER", cfg.EnablePlanner)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.ShortTermCapacity, err = intFromEnv("MEMORY_SHORT_TERM_CAPACITY", cfg.ShortTermCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.RecallBudget, err = intFromEnv("MEMORY_RECALL_BUDGET", cfg.RecallBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.RecallHalfLife, err = durationFromEnv("MEMORY_RECALL_HALF_LIFE", cfg.RecallHalfLife)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteBaseThreshold, err = floatFromEnv("MEMORY_WRITE_BASE_THRESHOLD", cfg.WriteBaseThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.EvictInterval, err = durationFromEnv("MEMORY_EVICT_INTERVAL", cfg.EvictInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.EvictMaxAge, err = durationFromEnv("MEMORY_EVICT_MAX_AGE", cfg.EvictMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.EvictMaxPerSession, err = intFromEnv("MEMORY_EVICT_MAX_PER_SESSION", cfg.EvictMaxPerSession)
	if err != nil {
		return Config{}, err
	}

	cfg.GenerateTimeout, err = durationFromEnv("TURN_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RecallTimeout, err = durationFromEnv("TURN_RECALL_TIMEOUT", cfg.RecallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxGenerateRetries, err = intFromEnv("TURN_MAX_GENERATE_RETRIES", cfg.MaxGenerateRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxToolRounds, err = intFromEnv("TURN_MAX_TOOL_ROUNDS", cfg.MaxToolRounds)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MemoryEmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.ShortTermCapacity <= 0 {
		return Config{}, fmt.Errorf("MEMORY_SHORT_TERM_CAPACITY must be positive")
	}
	if cfg.RecallBudget <= 0 {
		return Config{}, fmt.Errorf("MEMORY_RECALL_BUDGET must be positive")
	}
	if cfg.WriteBaseThreshold <= 0 || cfg.WriteBaseThreshold > 1 {
		return Config{}, fmt.Errorf("MEMORY_WRITE_BASE_THRESHOLD must be in (0,1]")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("TURN_MAX_TOOL_ROUNDS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
