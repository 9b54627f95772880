// package config loads application configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds all application configuration.
type Config struct {
	// storage
	DataDir   string
	StateFile string

	// telegram
	TGApiID     int
	TGApiHash   string
	TGSessionDB string

	// ingestion
	BatchSize        int
	CheckpointEvery  int
	MaxConcurrentDls int
	ChannelsFile     string

	// remote mirror (optional)
	MirrorURL    string
	MirrorTable  string
	MirrorBucket string

	// nats (optional)
	NatsURL string

	// translation (optional)
	AIAPIKey   string
	AIBaseURL  string
	AIModel    string
	TargetLang string

	// server
	HTTPPort int

	// logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          getEnv("DATA_DIR", "./data"),
		StateFile:        getEnv("STATE_FILE", "./data/state.json"),
		TGApiID:          getEnvInt("TG_API_ID", 0),
		TGApiHash:        getEnv("TG_API_HASH", ""),
		TGSessionDB:      getEnv("TG_SESSION_DB", "./data/session.db"),
		BatchSize:        getEnvInt("BATCH_SIZE", 100),
		CheckpointEvery:  getEnvInt("CHECKPOINT_INTERVAL", 50),
		MaxConcurrentDls: getEnvInt("MAX_CONCURRENT_DOWNLOADS", 5),
		ChannelsFile:     getEnv("CHANNELS_FILE", ""),
		MirrorURL:        getEnv("MIRROR_DATABASE_URL", ""),
		MirrorTable:      getEnv("MIRROR_TABLE", "messages"),
		MirrorBucket:     getEnv("MIRROR_BUCKET", ""),
		NatsURL:          getEnv("NATS_URL", ""),
		AIAPIKey:         getEnv("AI_API_KEY", ""),
		AIBaseURL:        getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
		AIModel:          getEnv("AI_MODEL", "gpt-3.5-turbo"),
		TargetLang:       getEnv("TARGET_LANGUAGE", ""),
		HTTPPort:         getEnvInt("HTTP_PORT", 3200),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFile:          getEnv("LOG_FILE", ""),
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
