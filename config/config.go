package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the daemon configuration. Everything is driven by environment
// variables (optionally loaded from a .env file) with working defaults, so a
// bare `mnemod` starts a local daemon on 127.0.0.1:8741.
type Config struct {
	Host string
	Port string

	// StorePath is the SQLite database file holding all learning records.
	StorePath string

	// AdmissionThreshold is the minimum confidence a record needs to be
	// persisted at all.
	AdmissionThreshold float64

	// DedupThreshold is the minimum cosine similarity above which a new
	// candidate is merged into an existing record of the same type.
	DedupThreshold float64

	// SimilarityWeight and ConfidenceWeight combine into the final query
	// ranking score: sim*SimilarityWeight + confidence*ConfidenceWeight.
	SimilarityWeight float64
	ConfidenceWeight float64

	// EmbedTimeout bounds every call to the embedding provider.
	EmbedTimeout time.Duration

	// Embedder selects the provider: "mock", "ollama", "openai" or "onnx"
	// (the last only in binaries built with -tags onnx).
	Embedder        string
	EmbedderURL     string // provider endpoint (ollama server or OpenAI-compatible base URL)
	EmbedderModel   string
	EmbedderAPIKey  string
	EmbedderDims    int   // vector size of the selected model
	EmbedCacheItems int64 // max cached embeddings, 0 disables the cache

	// ONNX embedder paths, used only when Embedder is "onnx".
	ONNXLibraryPath   string // onnxruntime shared library
	ONNXModelPath     string // sentence-transformer model file
	ONNXTokenizerPath string // tokenizer.json next to the model

	// UnhealthyAfter is the number of consecutive store I/O failures after
	// which /health reports degraded.
	UnhealthyAfter int

	LogLevel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host: getEnv("MNEMOD_HOST", "127.0.0.1"),
		Port: getEnv("MNEMOD_PORT", "8741"),

		StorePath: getEnv("MNEMOD_STORE_PATH", defaultStorePath()),

		AdmissionThreshold: getFloatEnv("MNEMOD_ADMISSION_THRESHOLD", 0.70),
		DedupThreshold:     getFloatEnv("MNEMOD_DEDUP_THRESHOLD", 0.92),
		SimilarityWeight:   getFloatEnv("MNEMOD_RANK_SIMILARITY_WEIGHT", 0.7),
		ConfidenceWeight:   getFloatEnv("MNEMOD_RANK_CONFIDENCE_WEIGHT", 0.3),

		EmbedTimeout: getDurationEnv("MNEMOD_EMBED_TIMEOUT", 5*time.Second),

		Embedder:        getEnv("MNEMOD_EMBEDDER", "mock"),
		EmbedderURL:     getEnv("MNEMOD_EMBEDDER_URL", ""),
		EmbedderModel:   getEnv("MNEMOD_EMBEDDER_MODEL", "nomic-embed-text"),
		EmbedderAPIKey:  getEnv("MNEMOD_EMBEDDER_API_KEY", ""),
		EmbedderDims:    getIntEnv("MNEMOD_EMBEDDER_DIMS", 768),
		EmbedCacheItems: int64(getIntEnv("MNEMOD_EMBED_CACHE_ITEMS", 4096)),

		ONNXLibraryPath:   getEnv("MNEMOD_ONNX_LIBRARY_PATH", ""),
		ONNXModelPath:     getEnv("MNEMOD_ONNX_MODEL_PATH", ""),
		ONNXTokenizerPath: getEnv("MNEMOD_ONNX_TOKENIZER_PATH", ""),

		UnhealthyAfter: getIntEnv("MNEMOD_UNHEALTHY_AFTER", 3),

		LogLevel: getEnv("MNEMOD_LOG_LEVEL", "info"),
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mnemod.db"
	}
	return home + "/.mnemod/learnings.db"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
