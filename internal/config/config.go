package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"taxdocs/internal/logger"
)

type Config struct {
	// OpenAI Configuration
	OpenAIAPIKey string
	OpenAIModel  string
	Temperature  float32

	// Persistence
	DatabasePath string

	// Batch processing
	BatchWorkers   int
	MaxRetries     int
	RetryBaseDelay time.Duration
	ConfidenceGate int
	MaxBatchItems  int

	// Multi-section fallback envelope. These bounds were calibrated on
	// utility invoices and should be revalidated before extending the
	// document-class signature list.
	FallbackMaxDelta float64
	FallbackMaxRatio float64

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	config := &Config{
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		Temperature:      parseFloatEnv("OPENAI_TEMPERATURE", 0.1),
		DatabasePath:     getEnv("TAXDOCS_DB", "taxdocs.db"),
		BatchWorkers:     parseIntEnv("BATCH_WORKERS", 5),
		MaxRetries:       parseIntEnv("BATCH_MAX_RETRIES", 3),
		RetryBaseDelay:   parseDurationEnv("BATCH_RETRY_BASE_DELAY", time.Second),
		ConfidenceGate:   parseIntEnv("CONFIDENCE_GATE", 50),
		MaxBatchItems:    parseIntEnv("MAX_BATCH_ITEMS", 100),
		FallbackMaxDelta: float64(parseFloatEnv("FALLBACK_MAX_DELTA", 25.0)),
		FallbackMaxRatio: float64(parseFloatEnv("FALLBACK_MAX_RATIO", 3.0)),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:    getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:        getEnv("LOG_OUTPUT", "stdout"),
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("BATCH_MAX_RETRIES must not be negative")
	}
	if c.ConfidenceGate < 0 || c.ConfidenceGate > 100 {
		return fmt.Errorf("CONFIDENCE_GATE must be within 0-100")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func parseFloatEnv(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(parsed)
		}
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
