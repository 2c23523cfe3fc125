package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/internal/config"
	"github.com/chunchiehdev/gradeflow/internal/observability"
	"github.com/chunchiehdev/gradeflow/internal/server"
	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/aiprovider/gemini"
	"github.com/chunchiehdev/gradeflow/pkg/aiprovider/openai"
	"github.com/chunchiehdev/gradeflow/pkg/contextcache"
	"github.com/chunchiehdev/gradeflow/pkg/gradequeue"
	"github.com/chunchiehdev/gradeflow/pkg/grading"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the grading worker and ops server",
	Long: `Run the grading service: a JetStream worker consuming grading jobs and an
HTTP server exposing key-pool health and queue introspection.

Example:
  gradeflow serve
  gradeflow serve --config gradeflow.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// geminiKeys assigns positional pool IDs to the configured secrets.
func geminiKeys(secrets []string) []gemini.Key {
	keys := make([]gemini.Key, len(secrets))
	for i, s := range secrets {
		keys[i] = gemini.Key{ID: strconv.Itoa(i + 1), Secret: s}
	}
	return keys
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("gradeflow-worker"))
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("initializing jetstream: %w", err)
	}

	healthStore := keyhealth.NewStore(rdb, logger)
	lock := keyhealth.NewRedisLock(rdb, keyhealth.SelectionLockKey)
	selector := keyhealth.NewSelector(healthStore, lock, logger)
	breaker := gemini.NewBreaker(rdb, gemini.DefaultFailureThreshold, gemini.DefaultOpenWindow, logger)

	geminiClient, err := gemini.NewClient(gemini.Config{
		Keys:           geminiKeys(cfg.Gemini.APIKeys),
		Model:          cfg.Gemini.Model,
		RatePerMinute:  cfg.Gemini.RatePerMinute,
		RequestTimeout: cfg.Gemini.RequestTimeout,
	}, healthStore, selector, breaker, nil, logger)
	if err != nil {
		return fmt.Errorf("initializing gemini client: %w", err)
	}
	geminiClient.SetCacheManager(contextcache.NewManager(
		rdb, geminiClient.RemoteCreator(), cfg.Cache.RemoteTTL, logger))

	if err := geminiClient.InitHealthTracking(ctx); err != nil {
		return fmt.Errorf("initializing key health tracking: %w", err)
	}

	var secondary aiprovider.Adapter
	if cfg.OpenAI.APIKey != "" {
		openaiClient, err := openai.NewClient(openai.Config{
			APIKey:         cfg.OpenAI.APIKey,
			Model:          cfg.OpenAI.Model,
			RequestTimeout: cfg.OpenAI.RequestTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("initializing openai client: %w", err)
		}
		secondary = openaiClient
	} else {
		logger.Warn("openai fallback disabled: no API key configured")
	}

	router := aiprovider.NewRouter(geminiClient, secondary, logger)

	results := grading.NewRedisResultStore(rdb, logger)
	sessions := grading.NewSessionStore(rdb, logger)
	loader := grading.NewRedisContentLoader(rdb)
	engine := grading.NewEngine(router, results, sessions, loader, logger)

	queue := gradequeue.New(js, gradequeue.Config{
		StreamName: cfg.Queue.StreamName,
		MaxDeliver: cfg.Queue.MaxDeliver,
		AckWait:    cfg.Queue.AckWait,
	}, logger)
	if err := queue.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensuring grading stream: %w", err)
	}

	worker := gradequeue.NewWorker(queue, engine.ProcessJob, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting grading worker: %w", err)
	}
	defer worker.Stop()

	pool := server.KeyPool{Store: healthStore, KeyIDs: geminiClient.KeyIDs()}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, pool, queue, logger)

	logger.Info("gradeflow service started",
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Int("gemini_keys", len(cfg.Gemini.APIKeys)),
		zap.Bool("openai_fallback", secondary != nil))

	return srv.Start(ctx)
}
