package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	AdminToken  string
	ServerPort  string

	LogLevel  string
	LogFormat string

	CompletionURL     string
	CompletionTimeout time.Duration

	CacheTTL         time.Duration
	ResearchCacheTTL time.Duration
	CacheExtendOnHit time.Duration
	SweepInterval    time.Duration
	RollupInterval   time.Duration

	FastHourlyLimit     int
	FastMinuteLimit     int
	ThoroughHourlyLimit int
	ThoroughMinuteLimit int

	FastCostPer1KTokens     float64
	ThoroughCostPer1KTokens float64
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		CompletionURL:     getEnv("COMPLETION_URL", "http://localhost:9000/v1/completions"),
		CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", 60*time.Second),

		CacheTTL:         getEnvDuration("CACHE_TTL", 24*time.Hour),
		ResearchCacheTTL: getEnvDuration("RESEARCH_CACHE_TTL", 7*24*time.Hour),
		CacheExtendOnHit: getEnvDuration("CACHE_EXTEND_ON_HIT", 0),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Hour),
		RollupInterval:   getEnvDuration("ROLLUP_INTERVAL", time.Hour),

		FastHourlyLimit:     getEnvInt("FAST_HOURLY_LIMIT", 100),
		FastMinuteLimit:     getEnvInt("FAST_MINUTE_LIMIT", 10),
		ThoroughHourlyLimit: getEnvInt("THOROUGH_HOURLY_LIMIT", 20),
		ThoroughMinuteLimit: getEnvInt("THOROUGH_MINUTE_LIMIT", 3),

		FastCostPer1KTokens:     getEnvFloat("FAST_COST_PER_1K_TOKENS", 0.002),
		ThoroughCostPer1KTokens: getEnvFloat("THOROUGH_COST_PER_1K_TOKENS", 0.03),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.FastHourlyLimit <= 0 || c.FastMinuteLimit <= 0 ||
		c.ThoroughHourlyLimit <= 0 || c.ThoroughMinuteLimit <= 0 {
		return errors.New("rate limits must be positive")
	}
	if c.SweepInterval <= 0 || c.RollupInterval <= 0 {
		return errors.New("sweep and rollup intervals must be positive")
	}
	if c.CacheTTL < 0 || c.ResearchCacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
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
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}
