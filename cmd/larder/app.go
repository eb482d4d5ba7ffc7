package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/larder/internal/api"
	"github.com/kalambet/larder/internal/artifact"
	"github.com/kalambet/larder/internal/completion"
	"github.com/kalambet/larder/internal/config"
	"github.com/kalambet/larder/internal/extract"
	"github.com/kalambet/larder/internal/fetch"
	"github.com/kalambet/larder/internal/ingest"
	"github.com/kalambet/larder/internal/notify"
	"github.com/kalambet/larder/internal/ollama"
	"github.com/kalambet/larder/internal/pipeline"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/review"
	"github.com/kalambet/larder/internal/search"
	"github.com/kalambet/larder/internal/similarity"
	"github.com/kalambet/larder/internal/statestore"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/storage/postgres"
)

// app is the assembled server: every long-lived component plus the
// closers that release them, in reverse order of construction.
type app struct {
	store   storage.Backend
	ingest  *ingest.Service
	review  *review.Service
	worker  *ingest.Worker
	sweeper *review.Sweeper
	events  notify.Subscriber
	redis   *redis.Client
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) apiDeps() api.Deps {
	return api.Deps{
		Ingest: a.ingest,
		Review: a.review,
		Tasks:  a.store,
		Events: a.events,
		Ping:   a.store.Ping,
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Durable store.
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		a.store = pg
	default:
		st, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.store = st
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	})

	states, err := buildStateStore(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	events, err := buildNotifier(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	completer, err := buildCompleter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	allow, err := fetch.ParseCIDRs(cfg.Fetch.AllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("fetch.allow_cidrs: %w", err)
	}
	fetcher := fetch.NewFetcher(
		fetch.NewGuard(nil, allow),
		fetch.NewBreaker(fetch.BreakerConfig{
			Window:    cfg.Fetch.BreakerWindow,
			Threshold: cfg.Fetch.BreakerThreshold,
			Cooldown:  cfg.Fetch.BreakerCooldown,
		}),
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithMaxBytes(int64(cfg.Fetch.MaxBytes)),
		fetch.WithMaxRetries(cfg.Fetch.MaxRetries),
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithLogger(logger),
	)

	extractors := []extract.Extractor{extract.StructuredData{}}
	if completer != nil {
		extractors = append(extractors, extract.NewTextGeneration(completer, cfg.Completion.CharBudget))
	}

	guard := similarity.NewGuard(cfg.Similarity.NGram, recipe.Thresholds{
		OverlapWarn:     cfg.Similarity.OverlapWarn,
		OverlapError:    cfg.Similarity.OverlapError,
		SimilarityWarn:  cfg.Similarity.SimilarityWarn,
		SimilarityError: cfg.Similarity.SimilarityError,
	})

	deps := pipeline.Deps{
		Tasks:     a.store,
		Fetcher:   fetcher,
		Extractor: extract.NewChain(logger, extractors...),
		Guard:     guard,
		Artifacts: artifacts,
		States:    states,
		Events:    events,
		Logger:    logger,
	}
	if cfg.Search.Endpoint != "" {
		deps.Resolver = search.NewResolver(cfg.Search.Endpoint, cfg.Search.Suffix)
	}
	if completer != nil && cfg.Similarity.Repair {
		deps.Repairer = similarity.NewRepairer(guard, completer, logger)
	}

	runner, err := pipeline.NewRunner(deps, pipeline.Options{
		Weights: pipeline.Weights{
			Fetch:       cfg.Weights.Fetch,
			Extract:     cfg.Weights.Extract,
			Validate:    cfg.Weights.Validate,
			ReviewReady: cfg.Weights.ReviewReady,
		},
		BlockUnrepaired: cfg.Similarity.BlockUnrepaired,
	})
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	a.ingest = ingest.NewService(a.store, states, events, cfg.Ingest.MaxAttempts)
	a.worker = ingest.NewWorker(a.store, runner, cfg.Ingest.PollInterval)
	a.review = review.NewService(a.store,
		review.WithWindow(cfg.Review.Window),
		review.WithNotifier(states, events),
		review.WithLogger(logger),
	)
	a.sweeper, err = review.NewSweeper(a.review, cfg.Review.SweepSchedule)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildStateStore(ctx context.Context, cfg config.Config, a *app) (statestore.Store, error) {
	if cfg.State.Backend != "redis" {
		return statestore.NewMemory(cfg.State.Size, cfg.State.TTL), nil
	}
	client, err := a.redisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return statestore.NewRedis(client, "larder", cfg.State.TTL), nil
}

// redisClient connects once and shares the client between the state store
// and the notifier.
func (a *app) redisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := statestore.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, func() { client.Close() })
	return client, nil
}

// buildNotifier returns the publisher for progress events and records the
// matching subscriber on a. Kafka is publish-only and joins the fan-out
// when brokers are configured.
func buildNotifier(ctx context.Context, cfg config.Config, logger *slog.Logger, a *app) (notify.Publisher, error) {
	var bus notify.Bus
	switch cfg.Notify.Backend {
	case "redis":
		client, err := a.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		bus = notify.NewRedisBus(client, "larder", logger)
	case "nats":
		conn, err := notify.ConnectNATS(cfg.Notify.NATSURL, "larder")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		bus = notify.NewNATSBus(conn, "larder", logger)
	default:
		bus = notify.NewHub()
	}
	a.events = bus

	if len(cfg.Notify.KafkaBrokers) == 0 {
		return bus, nil
	}
	kp := notify.NewKafkaPublisher(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
	a.closers = append(a.closers, func() {
		if err := kp.Close(); err != nil {
			logger.Warn("closing kafka publisher", "error", err)
		}
	})
	return notify.NewFanout(logger, bus, kp), nil
}

func buildArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	if cfg.Artifacts.Backend == "s3" {
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:   cfg.Artifacts.S3Bucket,
			Prefix:   cfg.Artifacts.S3Prefix,
			Region:   cfg.Artifacts.S3Region,
			Endpoint: cfg.Artifacts.S3Endpoint,
		})
	}
	dir := cfg.Artifacts.Dir
	if dir == "" {
		dir = filepath.Join(cfg.Storage.DataDir, "artifacts")
	}
	return artifact.NewFileStore(dir)
}

// buildCompleter returns nil when no completion provider is configured.
func buildCompleter(ctx context.Context, cfg config.Config) (completion.Completer, error) {
	switch cfg.Completion.Provider {
	case "anthropic":
		return completion.NewAnthropic(cfg.Completion.AnthropicAPIKey, cfg.Completion.AnthropicModel)
	case "ollama":
		client := ollama.New(cfg.Completion.OllamaBaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Completion.OllamaModel, os.Stderr); err != nil {
			return nil, err
		}
		return newOllamaCompleter(client, cfg.Completion.OllamaModel), nil
	}
	return nil, nil
}

// newOllamaCompleter constrains replies to JSON; the generator and the
// repairer both decode a JSON object.
func newOllamaCompleter(client *ollama.Client, model string) *completion.Ollama {
	o := completion.NewOllama(client, model)
	o.JSON = true
	return o
}
