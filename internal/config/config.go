// Package config loads coderag configuration from the environment and
// an optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Embedding
	EmbedProvider string `yaml:"embed_provider"` // ollama, openai, voyage, bedrock
	EmbedModel    string `yaml:"embed_model"`
	// EmbedDimension must match the HNSW index dimension in the schema.
	EmbedDimension int    `yaml:"embed_dimension"`
	OllamaHost     string `yaml:"ollama_host"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	VoyageAPIKey   string `yaml:"voyage_api_key"`
	AWSRegion      string `yaml:"aws_region"`

	// Reranking
	RerankModel       string  `yaml:"rerank_model"`
	RetrievalMinScore float64 `yaml:"retrieval_min_score"`
	RetrievalTopK     int     `yaml:"retrieval_top_k"`

	// Generation
	LLMProvider     string `yaml:"llm_provider"` // ollama, openai, anthropic
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// Chunking / ingestion
	ChunkMaxChars int `yaml:"chunk_max_chars"`
	ChunkOverlap  int `yaml:"chunk_overlap"`
	BatchSize     int `yaml:"batch_size"`

	// History budgeting
	ModelContextTokens    int     `yaml:"model_context_tokens"`
	TokensPerChar         float64 `yaml:"tokens_per_char"`
	HistoryBudgetFraction float64 `yaml:"history_budget_fraction"`
	SafetyMarginTokens    int     `yaml:"safety_margin_tokens"`
	// MaxHistoryTokens is an optional hard cap on total history tokens.
	// nil disables total-history truncation.
	MaxHistoryTokens *int `yaml:"max_history_tokens"`

	// Paths
	DataDir string `yaml:"data_dir"`

	// Server
	ServerPort string `yaml:"server_port"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Load reads configuration from environment variables, falling back to
// defaults. If CODERAG_CONFIG points at a YAML file, its values are
// applied first and the environment overrides them.
func Load() Config {
	cfg := defaults()

	if path := os.Getenv("CODERAG_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			slog.Warn("failed to load config file, using env/defaults", "path", path, "error", err)
		}
	}

	cfg.SurrealDBURL = getEnv("SURREALDB_URL", cfg.SurrealDBURL)
	cfg.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDBNamespace)
	cfg.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", cfg.SurrealDBDatabase)
	cfg.SurrealDBUser = getEnv("SURREALDB_USER", cfg.SurrealDBUser)
	cfg.SurrealDBPass = getEnv("SURREALDB_PASS", cfg.SurrealDBPass)
	cfg.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDBAuthLevel)

	cfg.EmbedProvider = getEnv("CODERAG_EMBED_PROVIDER", cfg.EmbedProvider)
	cfg.EmbedModel = getEnv("CODERAG_EMBED_MODEL", cfg.EmbedModel)
	cfg.EmbedDimension = getEnvInt("CODERAG_EMBED_DIMENSION", cfg.EmbedDimension)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.VoyageAPIKey = getEnv("VOYAGE_API_KEY", cfg.VoyageAPIKey)

	cfg.RerankModel = getEnv("CODERAG_RERANK_MODEL", cfg.RerankModel)
	cfg.RetrievalMinScore = getEnvFloat("CODERAG_RETRIEVAL_MIN_SCORE", cfg.RetrievalMinScore)
	cfg.RetrievalTopK = getEnvInt("CODERAG_RETRIEVAL_TOP_K", cfg.RetrievalTopK)

	cfg.LLMProvider = getEnv("CODERAG_LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = getEnv("CODERAG_LLM_MODEL", cfg.LLMModel)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)

	cfg.ChunkMaxChars = getEnvInt("CODERAG_CHUNK_MAX_CHARS", cfg.ChunkMaxChars)
	cfg.ChunkOverlap = getEnvInt("CODERAG_CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.BatchSize = getEnvInt("CODERAG_BATCH_SIZE", cfg.BatchSize)

	cfg.ModelContextTokens = getEnvInt("CODERAG_MODEL_CONTEXT_TOKENS", cfg.ModelContextTokens)
	cfg.TokensPerChar = getEnvFloat("CODERAG_TOKENS_PER_CHAR", cfg.TokensPerChar)
	cfg.HistoryBudgetFraction = getEnvFloat("CODERAG_HISTORY_BUDGET_FRACTION", cfg.HistoryBudgetFraction)
	cfg.SafetyMarginTokens = getEnvInt("CODERAG_SAFETY_MARGIN_TOKENS", cfg.SafetyMarginTokens)
	if v := os.Getenv("CODERAG_MAX_HISTORY_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHistoryTokens = &n
		}
	}

	cfg.DataDir = getEnv("CODERAG_DATA_DIR", cfg.DataDir)
	cfg.ServerPort = getEnv("CODERAG_SERVER_PORT", cfg.ServerPort)

	cfg.LogFile = getEnv("CODERAG_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = parseLogLevel(getEnv("CODERAG_LOG_LEVEL", "INFO"))

	return cfg
}

func defaults() Config {
	return Config{
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "coderag",
		SurrealDBDatabase:  "main",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		EmbedProvider:  "voyage",
		EmbedModel:     "voyage-code-2",
		EmbedDimension: 1536,
		OllamaHost:     "http://localhost:11434",

		RerankModel:       "rerank-2.5-lite",
		RetrievalMinScore: 0.55,
		RetrievalTopK:     10,

		LLMProvider: "openai",
		LLMModel:    "gpt-4o-mini",

		ChunkMaxChars: 10000,
		ChunkOverlap:  200,
		BatchSize:     16,

		ModelContextTokens:    32000,
		TokensPerChar:         0.25,
		HistoryBudgetFraction: 0.35,
		SafetyMarginTokens:    1500,

		DataDir:    "data",
		ServerPort: "8484",
		LogFile:    "/tmp/coderag.log",
		LogLevel:   slog.LevelInfo,
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
