package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries runtime settings for the reasoning engine and its servers
type Config struct {
	// LLM
	OpenAIKey   string
	OpenAIModel string
	LLMTimeout  time.Duration
	LLMRetries  int

	// Statistics
	SignificanceLevel float64
	TestBudget        time.Duration

	// Servers
	APIPort    string
	ReportPort string

	// Optional Postgres session store
	DatabaseURL string
}

// Load reads .env (when present) and environment variables with defaults
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[Config] No .env file loaded: %v", err)
	}

	return &Config{
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		LLMTimeout:        getDuration("LLM_TIMEOUT", 30*time.Second),
		LLMRetries:        getInt("LLM_RETRIES", 2),
		SignificanceLevel: getFloat("SIGNIFICANCE_LEVEL", 0.05),
		TestBudget:        getDuration("TEST_BUDGET", 10*time.Second),
		APIPort:           getEnv("API_PORT", "8080"),
		ReportPort:        getEnv("REPORT_PORT", "8081"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
