// Package config loads engine configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for the memory engine.
type Config struct {
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Qdrant        QdrantConfig        `yaml:"qdrant"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Importance    ImportanceConfig    `yaml:"importance"`
	Episodes      EpisodeConfig       `yaml:"episodes"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Thoughts      ThoughtConfig       `yaml:"thoughts"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Queue         QueueConfig         `yaml:"queue"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxConns     int32  `yaml:"max_conns"`
	MigrateOnUp  bool   `yaml:"migrate_on_up"`
	QueryTimeout int    `yaml:"query_timeout_seconds"`
}

// RedisConfig configures the job queue broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// QdrantConfig configures the vector store.
type QdrantConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	APIKey         string `yaml:"-"`
	UseTLS         bool   `yaml:"use_tls"`
	Dimension      int    `yaml:"dimension"`
	BatchSize      int    `yaml:"batch_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// LegacyClasses are collections dropped once at startup.
	LegacyClasses []string `yaml:"legacy_classes"`
}

// OpenAIConfig configures the LLM and embedding provider.
type OpenAIConfig struct {
	APIKey         string  `yaml:"-"`
	ChatModel      string  `yaml:"chat_model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	VisionModel    string  `yaml:"vision_model"`
	Temperature    float32 `yaml:"temperature"`
	RequestTimeout int     `yaml:"request_timeout_seconds"`
	RateLimitRPM   int     `yaml:"rate_limit_rpm"`
	CacheMaxSize   int     `yaml:"cache_max_size"`
}

// ChunkingConfig holds the three chunk size bounds, in characters.
type ChunkingConfig struct {
	MinChars    int `yaml:"min_chars"`
	TargetChars int `yaml:"target_chars"`
	MaxChars    int `yaml:"max_chars"`
}

// ImportanceConfig tunes the importance evaluator and its gate.
type ImportanceConfig struct {
	Threshold    float64       `yaml:"threshold"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheMaxSize int           `yaml:"cache_max_size"`
}

// EpisodeConfig tunes the online episode attacher.
type EpisodeConfig struct {
	PrimaryAttach  float64       `yaml:"primary_attach"`
	MultiAttach    float64       `yaml:"multi_attach"`
	SeedThreshold  float64       `yaml:"seed_threshold"`
	MaxCandidates  int           `yaml:"max_candidates"`
	TimeWindow     time.Duration `yaml:"time_window"`
	VectorFetchTry int           `yaml:"vector_fetch_attempts"`
}

// ConsolidationConfig tunes the orphan-chunk consolidator.
type ConsolidationConfig struct {
	Threshold           int     `yaml:"threshold"`
	Epsilon             float64 `yaml:"dbscan_epsilon"`
	MinPoints           int     `yaml:"dbscan_min_points"`
	MaxChunksPerEpisode int     `yaml:"max_chunks_per_episode"`
	TextBudgetChars     int     `yaml:"text_budget_chars"`
}

// ThoughtConfig tunes nightly thought generation.
type ThoughtConfig struct {
	MinEpisodes   int     `yaml:"min_episodes"`
	EpisodeSimMin float64 `yaml:"episode_sim_min"`
	MinImportance float64 `yaml:"min_importance"`
	MaxEpisodes   int     `yaml:"max_episodes"`
	CronSpec      string  `yaml:"cron_spec"`
}

// RetrievalConfig tunes the multi-stage retriever.
type RetrievalConfig struct {
	Limit         int     `yaml:"limit"`
	MinImportance float64 `yaml:"min_importance"`
	Certainty     float64 `yaml:"certainty"`
	ChunksPerEp   int     `yaml:"chunks_per_episode"`
}

// QueueConfig tunes worker concurrency and retry behavior.
type QueueConfig struct {
	IngestWorkers      int           `yaml:"ingest_workers"`
	AttachWorkers      int           `yaml:"attach_workers"`
	ConsolidateWorkers int           `yaml:"consolidate_workers"`
	ThoughtWorkers     int           `yaml:"thought_workers"`
	FileUploadWorkers  int           `yaml:"file_upload_workers"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	AttachDelay        time.Duration `yaml:"attach_delay"`
	SweepCronSpec      string        `yaml:"sweep_cron_spec"`
	KeepCompleted      int           `yaml:"keep_completed"`
	KeepFailed         int           `yaml:"keep_failed"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults for every tunable.
func Default() *Config {
	return &Config{
		Postgres: PostgresConfig{
			MaxConns:     10,
			MigrateOnUp:  true,
			QueryTimeout: 30,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			Dimension:      1536,
			BatchSize:      25,
			TimeoutSeconds: 30,
			LegacyClasses:  []string{"MemoryNode"},
		},
		OpenAI: OpenAIConfig{
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			VisionModel:    "gpt-4o",
			Temperature:    0.3,
			RequestTimeout: 30,
			RateLimitRPM:   60,
			CacheMaxSize:   1000,
		},
		Chunking: ChunkingConfig{
			MinChars:    100,
			TargetChars: 800,
			MaxChars:    2000,
		},
		Importance: ImportanceConfig{
			Threshold:    0.4,
			CacheTTL:     5 * time.Minute,
			CacheMaxSize: 1000,
		},
		Episodes: EpisodeConfig{
			PrimaryAttach:  0.80,
			MultiAttach:    0.70,
			SeedThreshold:  0.60,
			MaxCandidates:  5,
			TimeWindow:     7 * 24 * time.Hour,
			VectorFetchTry: 3,
		},
		Consolidation: ConsolidationConfig{
			Threshold:           2,
			Epsilon:             0.30,
			MinPoints:           2,
			MaxChunksPerEpisode: 30,
			TextBudgetChars:     6000,
		},
		Thoughts: ThoughtConfig{
			MinEpisodes:   2,
			EpisodeSimMin: 0.65,
			MinImportance: 0.5,
			MaxEpisodes:   50,
			CronSpec:      "0 3 * * *",
		},
		Retrieval: RetrievalConfig{
			Limit:         5,
			MinImportance: 0.45,
			Certainty:     0.65,
			ChunksPerEp:   10,
		},
		Queue: QueueConfig{
			IngestWorkers:      5,
			AttachWorkers:      5,
			ConsolidateWorkers: 1,
			ThoughtWorkers:     1,
			FileUploadWorkers:  2,
			MaxAttempts:        3,
			BackoffBase:        5 * time.Second,
			AttachDelay:        5 * time.Second,
			SweepCronSpec:      "*/5 * * * *",
			KeepCompleted:      1000,
			KeepFailed:         5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file
// named by MEMORY_CONFIG_FILE, and environment variables.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("MEMORY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Postgres.DSN, "MEMORY_POSTGRES_DSN")
	setString(&c.Redis.Addr, "MEMORY_REDIS_ADDR")
	setString(&c.Redis.Password, "MEMORY_REDIS_PASSWORD")
	setString(&c.Qdrant.Host, "MEMORY_QDRANT_HOST")
	setInt(&c.Qdrant.Port, "MEMORY_QDRANT_PORT")
	setString(&c.Qdrant.APIKey, "MEMORY_QDRANT_API_KEY")
	setBool(&c.Qdrant.UseTLS, "MEMORY_QDRANT_TLS")
	setInt(&c.Qdrant.Dimension, "MEMORY_VECTOR_DIMENSION")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.ChatModel, "MEMORY_OPENAI_CHAT_MODEL")
	setString(&c.OpenAI.EmbeddingModel, "MEMORY_OPENAI_EMBEDDING_MODEL")
	setInt(&c.Chunking.MinChars, "MEMORY_CHUNK_MIN_CHARS")
	setInt(&c.Chunking.TargetChars, "MEMORY_CHUNK_TARGET_CHARS")
	setInt(&c.Chunking.MaxChars, "MEMORY_CHUNK_MAX_CHARS")
	setFloat(&c.Importance.Threshold, "MEMORY_IMPORTANCE_THRESHOLD")
	setFloat(&c.Episodes.PrimaryAttach, "MEMORY_EPISODE_PRIMARY_ATTACH")
	setFloat(&c.Episodes.MultiAttach, "MEMORY_EPISODE_MULTI_ATTACH")
	setFloat(&c.Episodes.SeedThreshold, "MEMORY_EPISODE_SEED_THRESHOLD")
	setInt(&c.Consolidation.Threshold, "MEMORY_CONSOLIDATION_THRESHOLD")
	setFloat(&c.Consolidation.Epsilon, "MEMORY_DBSCAN_EPSILON")
	setInt(&c.Consolidation.MinPoints, "MEMORY_DBSCAN_MIN_POINTS")
	setString(&c.Thoughts.CronSpec, "MEMORY_THOUGHT_CRON")
	setString(&c.Logging.Level, "MEMORY_LOG_LEVEL")
}

// Validate enforces the fatal-configuration rules: without a relational
// store, a broker, and a vector store the process refuses to start.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres DSN is required (MEMORY_POSTGRES_DSN)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required (MEMORY_REDIS_ADDR)")
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host is required (MEMORY_QDRANT_HOST)")
	}
	if c.Qdrant.Dimension <= 0 {
		return fmt.Errorf("vector dimension must be positive, got %d", c.Qdrant.Dimension)
	}
	if c.Chunking.MinChars <= 0 || c.Chunking.TargetChars < c.Chunking.MinChars ||
		c.Chunking.MaxChars < c.Chunking.TargetChars {
		return fmt.Errorf("chunk sizes must satisfy 0 < min <= target <= max, got %d/%d/%d",
			c.Chunking.MinChars, c.Chunking.TargetChars, c.Chunking.MaxChars)
	}
	if c.Importance.Threshold < 0 || c.Importance.Threshold > 1 {
		return fmt.Errorf("importance threshold out of range: %f", c.Importance.Threshold)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
