package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	DatabasePath string

	// Sync engine
	SyncInterval   time.Duration
	NetworkTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	// Consecutive storage errors before an account is marked needs_repair
	StorageErrorLimit int

	// Embedding indexer
	FeedCapacity    int
	EmbedBatchSize  int
	EmbedDebounce   time.Duration
	EmbedTimeout    time.Duration
	EmbedMaxTextLen int
	EmbedDimension  int
	EmbedRetryBase  time.Duration
	EmbedRetryCap   time.Duration

	// Search
	FusionK        int
	SearchLimit    int
	RecentQueryMax int

	// Undo
	UndoWindow time.Duration

	// Providers
	GoogleClientID     string
	GoogleClientSecret string
	GeminiAPIKey       string

	// Chroma similarity index (optional; in-process index used when unset)
	ChromaAPIKey   string
	ChromaTenant   string
	ChromaDatabase string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "mailmirror.db"),

		SyncInterval:      getDuration("SYNC_INTERVAL", 2*time.Minute),
		NetworkTimeout:    getDuration("NETWORK_TIMEOUT", 30*time.Second),
		BackoffBase:       getDuration("BACKOFF_BASE", 1*time.Second),
		BackoffCap:        getDuration("BACKOFF_CAP", 60*time.Second),
		StorageErrorLimit: getInt("STORAGE_ERROR_LIMIT", 3),

		FeedCapacity:    getInt("FEED_CAPACITY", 256),
		EmbedBatchSize:  getInt("EMBED_BATCH_SIZE", 16),
		EmbedDebounce:   getDuration("EMBED_DEBOUNCE", 500*time.Millisecond),
		EmbedTimeout:    getDuration("EMBED_TIMEOUT", 30*time.Second),
		EmbedMaxTextLen: getInt("EMBED_MAX_TEXT_LEN", 8000),
		EmbedDimension:  getInt("EMBED_DIMENSION", 768),
		EmbedRetryBase:  getDuration("EMBED_RETRY_BASE", 2*time.Second),
		EmbedRetryCap:   getDuration("EMBED_RETRY_CAP", 5*time.Minute),

		FusionK:        getInt("FUSION_K", 60),
		SearchLimit:    getInt("SEARCH_LIMIT", 50),
		RecentQueryMax: getInt("RECENT_QUERY_MAX", 100),

		UndoWindow: getDuration("UNDO_WINDOW", 30*time.Second),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),

		ChromaAPIKey:   getEnv("CHROMA_API_KEY", ""),
		ChromaTenant:   getEnv("CHROMA_TENANT", ""),
		ChromaDatabase: getEnv("CHROMA_DATABASE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
