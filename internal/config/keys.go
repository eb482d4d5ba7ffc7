package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "LARDER_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "LARDER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.backend", typ: kString, env: "LARDER_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LARDER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "LARDER_STORAGE_POSTGRES_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "state.backend", typ: kString, env: "LARDER_STATE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.State.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.State.Backend },
	},
	{
		key: "state.ttl", typ: kDuration, env: "LARDER_STATE_TTL",
		apply:   func(cfg *Config, v any) { cfg.State.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.State.TTL },
	},
	{
		key: "state.size", typ: kInt, env: "LARDER_STATE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.State.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.State.Size },
	},
	{
		key: "redis.url", typ: kString, env: "LARDER_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Redis.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.URL },
	},
	{
		key: "notify.backend", typ: kString, env: "LARDER_NOTIFY_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Notify.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Backend },
	},
	{
		key: "notify.nats_url", typ: kString, env: "LARDER_NOTIFY_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.NATSURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.NATSURL },
	},
	{
		key: "notify.kafka_brokers", typ: kList, env: "LARDER_NOTIFY_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Notify.KafkaBrokers = v.([]string) },
		extract: func(cfg Config) any { return cfg.Notify.KafkaBrokers },
	},
	{
		key: "notify.kafka_topic", typ: kString, env: "LARDER_NOTIFY_KAFKA_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Notify.KafkaTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.KafkaTopic },
	},
	{
		key: "artifacts.backend", typ: kString, env: "LARDER_ARTIFACTS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.Backend },
	},
	{
		key: "artifacts.dir", typ: kString, env: "LARDER_ARTIFACTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.Dir },
	},
	{
		key: "artifacts.s3_bucket", typ: kString, env: "LARDER_ARTIFACTS_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.S3Bucket },
	},
	{
		key: "artifacts.s3_prefix", typ: kString, env: "LARDER_ARTIFACTS_S3_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.S3Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.S3Prefix },
	},
	{
		key: "artifacts.s3_region", typ: kString, env: "LARDER_ARTIFACTS_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.S3Region },
	},
	{
		key: "artifacts.s3_endpoint", typ: kString, env: "LARDER_ARTIFACTS_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.S3Endpoint },
	},
	{
		key: "fetch.timeout", typ: kDuration, env: "LARDER_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fetch.Timeout },
	},
	{
		key: "fetch.max_bytes", typ: kInt, env: "LARDER_FETCH_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Fetch.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.MaxBytes },
	},
	{
		key: "fetch.max_retries", typ: kInt, env: "LARDER_FETCH_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Fetch.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.MaxRetries },
	},
	{
		key: "fetch.user_agent", typ: kString, env: "LARDER_FETCH_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Fetch.UserAgent },
	},
	{
		key: "fetch.allow_cidrs", typ: kList, env: "LARDER_FETCH_ALLOW_CIDRS",
		apply:   func(cfg *Config, v any) { cfg.Fetch.AllowCIDRs = v.([]string) },
		extract: func(cfg Config) any { return cfg.Fetch.AllowCIDRs },
	},
	{
		key: "fetch.breaker_window", typ: kDuration, env: "LARDER_FETCH_BREAKER_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Fetch.BreakerWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fetch.BreakerWindow },
	},
	{
		key: "fetch.breaker_threshold", typ: kInt, env: "LARDER_FETCH_BREAKER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Fetch.BreakerThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.BreakerThreshold },
	},
	{
		key: "fetch.breaker_cooldown", typ: kDuration, env: "LARDER_FETCH_BREAKER_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Fetch.BreakerCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fetch.BreakerCooldown },
	},
	{
		key: "completion.provider", typ: kString, env: "LARDER_COMPLETION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Completion.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Provider },
	},
	{
		key: "completion.anthropic_api_key", typ: kString, env: "LARDER_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Completion.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.AnthropicAPIKey },
	},
	{
		key: "completion.anthropic_model", typ: kString, env: "LARDER_COMPLETION_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.AnthropicModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.AnthropicModel },
	},
	{
		key: "completion.ollama_base_url", typ: kString, env: "LARDER_COMPLETION_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.OllamaBaseURL },
	},
	{
		key: "completion.ollama_model", typ: kString, env: "LARDER_COMPLETION_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.OllamaModel },
	},
	{
		key: "completion.char_budget", typ: kInt, env: "LARDER_COMPLETION_CHAR_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Completion.CharBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.CharBudget },
	},
	{
		key: "search.endpoint", typ: kString, env: "LARDER_SEARCH_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Search.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Endpoint },
	},
	{
		key: "search.suffix", typ: kString, env: "LARDER_SEARCH_SUFFIX",
		apply:   func(cfg *Config, v any) { cfg.Search.Suffix = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Suffix },
	},
	{
		key: "similarity.ngram", typ: kInt, env: "LARDER_SIMILARITY_NGRAM",
		apply:   func(cfg *Config, v any) { cfg.Similarity.NGram = v.(int) },
		extract: func(cfg Config) any { return cfg.Similarity.NGram },
	},
	{
		key: "similarity.overlap_warn", typ: kInt, env: "LARDER_SIMILARITY_OVERLAP_WARN",
		apply:   func(cfg *Config, v any) { cfg.Similarity.OverlapWarn = v.(int) },
		extract: func(cfg Config) any { return cfg.Similarity.OverlapWarn },
	},
	{
		key: "similarity.overlap_error", typ: kInt, env: "LARDER_SIMILARITY_OVERLAP_ERROR",
		apply:   func(cfg *Config, v any) { cfg.Similarity.OverlapError = v.(int) },
		extract: func(cfg Config) any { return cfg.Similarity.OverlapError },
	},
	{
		key: "similarity.similarity_warn", typ: kFloat, env: "LARDER_SIMILARITY_SIMILARITY_WARN",
		apply:   func(cfg *Config, v any) { cfg.Similarity.SimilarityWarn = v.(float64) },
		extract: func(cfg Config) any { return cfg.Similarity.SimilarityWarn },
	},
	{
		key: "similarity.similarity_error", typ: kFloat, env: "LARDER_SIMILARITY_SIMILARITY_ERROR",
		apply:   func(cfg *Config, v any) { cfg.Similarity.SimilarityError = v.(float64) },
		extract: func(cfg Config) any { return cfg.Similarity.SimilarityError },
	},
	{
		key: "similarity.repair", typ: kBool, env: "LARDER_SIMILARITY_REPAIR",
		apply:   func(cfg *Config, v any) { cfg.Similarity.Repair = v.(bool) },
		extract: func(cfg Config) any { return cfg.Similarity.Repair },
	},
	{
		key: "similarity.block_unrepaired", typ: kBool, env: "LARDER_SIMILARITY_BLOCK_UNREPAIRED",
		apply:   func(cfg *Config, v any) { cfg.Similarity.BlockUnrepaired = v.(bool) },
		extract: func(cfg Config) any { return cfg.Similarity.BlockUnrepaired },
	},
	{
		key: "weights.fetch", typ: kInt, env: "LARDER_WEIGHTS_FETCH",
		apply:   func(cfg *Config, v any) { cfg.Weights.Fetch = v.(int) },
		extract: func(cfg Config) any { return cfg.Weights.Fetch },
	},
	{
		key: "weights.extract", typ: kInt, env: "LARDER_WEIGHTS_EXTRACT",
		apply:   func(cfg *Config, v any) { cfg.Weights.Extract = v.(int) },
		extract: func(cfg Config) any { return cfg.Weights.Extract },
	},
	{
		key: "weights.validate", typ: kInt, env: "LARDER_WEIGHTS_VALIDATE",
		apply:   func(cfg *Config, v any) { cfg.Weights.Validate = v.(int) },
		extract: func(cfg Config) any { return cfg.Weights.Validate },
	},
	{
		key: "weights.review_ready", typ: kInt, env: "LARDER_WEIGHTS_REVIEW_READY",
		apply:   func(cfg *Config, v any) { cfg.Weights.ReviewReady = v.(int) },
		extract: func(cfg Config) any { return cfg.Weights.ReviewReady },
	},
	{
		key: "review.window", typ: kDuration, env: "LARDER_REVIEW_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Review.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Review.Window },
	},
	{
		key: "review.sweep_schedule", typ: kString, env: "LARDER_REVIEW_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Review.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Review.SweepSchedule },
	},
	{
		key: "ingest.workers", typ: kInt, env: "LARDER_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "LARDER_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "LARDER_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "telemetry.otel_endpoint", typ: kString, env: "LARDER_TELEMETRY_OTEL_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTelEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTelEndpoint },
	},
	{
		key: "log.level", typ: kString, env: "LARDER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "LARDER_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kList:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// parseValue converts the string form of a value to its key type.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return raw, nil
}
