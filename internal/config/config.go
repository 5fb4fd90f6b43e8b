package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the csvforge server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Pool      PoolConfig
	Runner    RunnerConfig
	Storage   StorageConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	CORSOrigins       []string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

type AIConfig struct {
	Provider          string
	InferenceTimeout  time.Duration
	RequestsPerSecond float64
	Burst             int
	Ollama            OllamaConfig
	VLLM              VLLMConfig
	OpenAI            OpenAIConfig
	Anthropic         AnthropicConfig
	Gemini            GeminiConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type PoolConfig struct {
	// MaxWorkers of 0 selects clamp(2*NumCPU, 4, 32).
	MaxWorkers int
	// MaxBacklog of 0 disables the saturation signal.
	MaxBacklog         int
	DefaultJobDuration time.Duration
	ShutdownTimeout    time.Duration
}

type RunnerConfig struct {
	Backend     string
	Command     []string
	DockerImage string
	Timeout     time.Duration
}

type StorageConfig struct {
	DataDir       string
	MaxUploadSize int64
}

type RetentionConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
}

var validRunnerBackends = map[string]bool{
	"process": true,
	"docker":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("CSVFORGE_PORT", 8080),
			Env:               envString("CSVFORGE_ENV", "development"),
			CORSOrigins:       envList("CSVFORGE_CORS_ORIGINS", nil),
			RequestsPerMinute: envInt("CSVFORGE_REQUESTS_PER_MINUTE", 60),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("REDIS_STATUS_TTL", 30*time.Minute),
		},
		AI: AIConfig{
			Provider:          os.Getenv("AI_PROVIDER"),
			InferenceTimeout:  envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			RequestsPerSecond: envFloat("AI_REQUESTS_PER_SECOND", 2),
			Burst:             envInt("AI_BURST", 4),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000/v1"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
				BaseURL: os.Getenv("OPENAI_BASE_URL"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
			Gemini: GeminiConfig{
				APIKey: os.Getenv("GEMINI_API_KEY"),
				Model:  envString("GEMINI_MODEL", "gemini-1.5-pro"),
			},
		},
		Pool: PoolConfig{
			MaxWorkers:         envInt("POOL_MAX_WORKERS", 0),
			MaxBacklog:         envInt("POOL_MAX_BACKLOG", 0),
			DefaultJobDuration: envDuration("POOL_DEFAULT_JOB_DURATION", 3*time.Minute),
			ShutdownTimeout:    envDuration("POOL_SHUTDOWN_TIMEOUT", 10*time.Minute),
		},
		Runner: RunnerConfig{
			Backend:     envString("RUNNER_BACKEND", "process"),
			Command:     envList("RUNNER_COMMAND", []string{"uv", "run"}),
			DockerImage: envString("RUNNER_DOCKER_IMAGE", "ghcr.io/astral-sh/uv:python3.12-bookworm-slim"),
			Timeout:     envDuration("RUNNER_TIMEOUT", 5*time.Minute),
		},
		Storage: StorageConfig{
			DataDir:       envString("CSVFORGE_DATA_DIR", "./data"),
			MaxUploadSize: int64(envInt("CSVFORGE_MAX_UPLOAD_MB", 10)) << 20,
		},
		Retention: RetentionConfig{
			MaxAge:   envDuration("RETENTION_MAX_AGE", 24*time.Hour),
			Interval: envDuration("RETENTION_INTERVAL", time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database section. The admin CLI uses it so it
// can run without Redis or AI settings.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if db.URL == "" {
		return db, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, gemini; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "gemini" && c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_PROVIDER is gemini")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}

	if !validRunnerBackends[c.Runner.Backend] {
		return fmt.Errorf("RUNNER_BACKEND must be one of process, docker; got %q", c.Runner.Backend)
	}
	if len(c.Runner.Command) == 0 {
		return fmt.Errorf("RUNNER_COMMAND must not be empty")
	}
	if c.Runner.Timeout <= 0 {
		return fmt.Errorf("RUNNER_TIMEOUT must be positive")
	}

	if c.Pool.MaxWorkers < 0 || c.Pool.MaxBacklog < 0 {
		return fmt.Errorf("POOL_MAX_WORKERS and POOL_MAX_BACKLOG must not be negative")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits on whitespace or commas.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	if len(parts) == 0 {
		return defaultVal
	}
	return parts
}
