package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	State      StateConfig
	Redis      RedisConfig
	Notify     NotifyConfig
	Artifacts  ArtifactsConfig
	Fetch      FetchConfig
	Completion CompletionConfig
	Search     SearchConfig
	Similarity SimilarityConfig
	Weights    WeightsConfig
	Review     ReviewConfig
	Ingest     IngestConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend     string
	DataDir     string
	PostgresDSN string
}

type StateConfig struct {
	// Backend is "memory" or "redis".
	Backend string
	TTL     time.Duration
	Size    int
}

type RedisConfig struct {
	URL string
}

type NotifyConfig struct {
	// Backend is "hub", "redis" or "nats". Kafka is an additional sink
	// enabled whenever brokers are set.
	Backend      string
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string
}

type ArtifactsConfig struct {
	// Backend is "file" or "s3".
	Backend    string
	Dir        string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
}

type FetchConfig struct {
	Timeout          time.Duration
	MaxBytes         int
	MaxRetries       int
	UserAgent        string
	AllowCIDRs       []string
	BreakerWindow    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type CompletionConfig struct {
	// Provider is "anthropic", "ollama" or "none". With "none" only
	// structured-data extraction runs and repair is disabled.
	Provider        string
	AnthropicAPIKey string
	AnthropicModel  string
	OllamaBaseURL   string
	OllamaModel     string
	CharBudget      int
}

type SearchConfig struct {
	Endpoint string
	Suffix   string
}

type SimilarityConfig struct {
	NGram           int
	OverlapWarn     int
	OverlapError    int
	SimilarityWarn  float64
	SimilarityError float64
	Repair          bool
	BlockUnrepaired bool
}

type WeightsConfig struct {
	Fetch       int
	Extract     int
	Validate    int
	ReviewReady int
}

type ReviewConfig struct {
	Window        time.Duration
	SweepSchedule string
}

type IngestConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
}

type TelemetryConfig struct {
	OTelEndpoint string
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: dataDir,
		},
		State: StateConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
			Size:    10000,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Notify: NotifyConfig{
			Backend:    "hub",
			NATSURL:    "nats://localhost:4222",
			KafkaTopic: "larder.task-events",
		},
		Artifacts: ArtifactsConfig{
			Backend:  "file",
			Dir:      filepath.Join(dataDir, "artifacts"),
			S3Prefix: "artifacts",
		},
		Fetch: FetchConfig{
			Timeout:          30 * time.Second,
			MaxBytes:         5 << 20,
			MaxRetries:       2,
			UserAgent:        "larder/1.0 (+recipe ingest)",
			BreakerWindow:    10 * time.Minute,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Minute,
		},
		Completion: CompletionConfig{
			Provider:       "anthropic",
			AnthropicModel: "claude-sonnet-4-5",
			OllamaBaseURL:  "http://localhost:11434",
			OllamaModel:    "llama3.1",
		},
		Search: SearchConfig{
			Suffix: "recipe",
		},
		Similarity: SimilarityConfig{
			NGram:           5,
			OverlapWarn:     40,
			OverlapError:    80,
			SimilarityWarn:  0.20,
			SimilarityError: 0.35,
			Repair:          true,
		},
		Weights: WeightsConfig{
			Fetch:       20,
			Extract:     50,
			Validate:    20,
			ReviewReady: 10,
		},
		Review: ReviewConfig{
			Window:        7 * 24 * time.Hour,
			SweepSchedule: "@every 10m",
		},
		Ingest: IngestConfig{
			Workers:      4,
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the YAML config file and LARDER_*
// environment variables. Environment variables override file values.
//
// The file is $LARDER_CONFIG when set, otherwise
// $XDG_CONFIG_HOME/larder/config.yaml.
func Load() (Config, error) {
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Completion.AnthropicAPIKey == "" {
		cfg.Completion.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("missing required config: storage.postgres_dsn (LARDER_STORAGE_POSTGRES_DSN) for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend %q (valid: sqlite, postgres)", cfg.Storage.Backend)
	}
	switch cfg.State.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid state.backend %q (valid: memory, redis)", cfg.State.Backend)
	}
	switch cfg.Notify.Backend {
	case "hub", "redis", "nats":
	default:
		return fmt.Errorf("invalid notify.backend %q (valid: hub, redis, nats)", cfg.Notify.Backend)
	}
	switch cfg.Artifacts.Backend {
	case "file":
	case "s3":
		if cfg.Artifacts.S3Bucket == "" {
			return fmt.Errorf("missing required config: artifacts.s3_bucket for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid artifacts.backend %q (valid: file, s3)", cfg.Artifacts.Backend)
	}
	switch cfg.Completion.Provider {
	case "ollama", "none":
	case "anthropic":
		if cfg.Completion.AnthropicAPIKey == "" {
			return fmt.Errorf("missing required config: Anthropic API key. " +
				"Set it via environment variable LARDER_ANTHROPIC_API_KEY, " +
				"or choose completion.provider ollama or none")
		}
	default:
		return fmt.Errorf("invalid completion.provider %q (valid: anthropic, ollama, none)", cfg.Completion.Provider)
	}
	if cfg.Review.Window <= 0 {
		return fmt.Errorf("review.window must be positive, got %s", cfg.Review.Window)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "larder-data"
		}
	}
	return filepath.Join(dir, "larder")
}

// ConfigFilePath returns the YAML config file location.
func ConfigFilePath() string {
	if p := os.Getenv("LARDER_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "larder", "config.yaml")
}

// ServerAddress returns host:port of the server from the config file and
// environment, without validating the rest of the configuration. Client
// commands use it so they work without server-side secrets.
func ServerAddress() (string, error) {
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return "", err
	}
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return "", err
	}
	applyEnvOverrides(&cfg)
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)), nil
}
