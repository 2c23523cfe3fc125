package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/internal/config"
	"github.com/chunchiehdev/gradeflow/internal/observability"
	"github.com/chunchiehdev/gradeflow/pkg/gradequeue"
	"github.com/chunchiehdev/gradeflow/pkg/grading"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue FILE...",
	Short: "Enqueue grading jobs for submission files",
	Long: `Enqueue one grading job per submission file. The rubric is a JSON file
with id, name, and criteria. Content is stored in Redis for the workers and
the jobs are published to the grading stream.

Example:
  gradeflow enqueue --session sess-1 --user u-1 --rubric rubric.json essay1.txt essay2.txt
  gradeflow enqueue --session sess-1 --user u-1 --rubric rubric.json --language zh essay.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

var (
	enqueueSession   string
	enqueueUser      string
	enqueueRubric    string
	enqueueLanguage  string
	enqueueResultIDs []string
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueSession, "session", "", "Grading session ID (required)")
	enqueueCmd.Flags().StringVar(&enqueueUser, "user", "", "User ID (required)")
	enqueueCmd.Flags().StringVar(&enqueueRubric, "rubric", "", "Path to rubric JSON (required)")
	enqueueCmd.Flags().StringVar(&enqueueLanguage, "language", "en", "Feedback language (en|zh)")
	enqueueCmd.Flags().StringArrayVar(&enqueueResultIDs, "result-id", nil, "Explicit result IDs, one per file (default: generated)")

	_ = enqueueCmd.MarkFlagRequired("session")
	_ = enqueueCmd.MarkFlagRequired("user")
	_ = enqueueCmd.MarkFlagRequired("rubric")
}

func loadRubric(path string) (*grading.Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rubric: %w", err)
	}
	var rubric grading.Rubric
	if err := json.Unmarshal(data, &rubric); err != nil {
		return nil, fmt.Errorf("parsing rubric %s: %w", path, err)
	}
	if len(rubric.Criteria) == 0 {
		return nil, fmt.Errorf("rubric %s has no criteria", path)
	}
	return &rubric, nil
}

func runEnqueue(cmd *cobra.Command, files []string) error {
	ctx := cmd.Context()

	if len(enqueueResultIDs) > 0 && len(enqueueResultIDs) != len(files) {
		return fmt.Errorf("got %d --result-id values for %d files", len(enqueueResultIDs), len(files))
	}

	rubric, err := loadRubric(enqueueRubric)
	if err != nil {
		return err
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("gradeflow-enqueue"))
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("initializing jetstream: %w", err)
	}

	queue := gradequeue.New(js, gradequeue.Config{
		StreamName: cfg.Queue.StreamName,
		MaxDeliver: cfg.Queue.MaxDeliver,
		AckWait:    cfg.Queue.AckWait,
	}, observability.CLILogger)
	if err := queue.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensuring grading stream: %w", err)
	}

	loader := grading.NewRedisContentLoader(rdb)
	sessions := grading.NewSessionStore(rdb, observability.CLILogger)
	if err := sessions.Init(ctx, enqueueSession, len(files)); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}

	jobs := make([]*gradequeue.Job, 0, len(files))
	for i, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading submission %s: %w", path, err)
		}

		resultID := uuid.NewString()
		if len(enqueueResultIDs) > 0 {
			resultID = enqueueResultIDs[i]
		}

		err = loader.Store(ctx, resultID, &grading.GradingContent{
			Submission: grading.Submission{
				FileName: filepath.Base(path),
				Content:  string(content),
			},
			Rubric: *rubric,
		})
		if err != nil {
			return err
		}

		jobs = append(jobs, &gradequeue.Job{
			ResultID:  resultID,
			UserID:    enqueueUser,
			SessionID: enqueueSession,
			Language:  enqueueLanguage,
		})
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", resultID, path)
	}

	start := time.Now()
	enqueued, err := queue.EnqueueBulk(ctx, jobs)
	if err != nil {
		return fmt.Errorf("enqueueing jobs: %w", err)
	}

	observability.CLILogger.Debug("enqueue finished",
		zap.Int("enqueued", enqueued),
		zap.Duration("elapsed", time.Since(start)))
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d of %d jobs (duplicates skipped)\n", enqueued, len(jobs))
	return nil
}
