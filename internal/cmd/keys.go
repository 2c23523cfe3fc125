package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/chunchiehdev/gradeflow/internal/config"
	"github.com/chunchiehdev/gradeflow/internal/observability"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and manage the provider key pool",
}

var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health metrics for every pool key",
	RunE:  runKeysStatus,
}

var keysClearThrottleCmd = &cobra.Command{
	Use:   "clear-throttle KEY_ID",
	Short: "Clear a key's cooldown window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(cmd, args[0], func(ctx context.Context, store *keyhealth.Store, keyID string) error {
			return store.ClearThrottle(ctx, keyID)
		})
	},
}

var keysResetCmd = &cobra.Command{
	Use:   "reset KEY_ID",
	Short: "Reset a key's health counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(cmd, args[0], func(ctx context.Context, store *keyhealth.Store, keyID string) error {
			return store.ResetKey(ctx, keyID)
		})
	},
}

var keysThrottleDuration time.Duration

var keysThrottleCmd = &cobra.Command{
	Use:   "throttle KEY_ID",
	Short: "Manually place a key in cooldown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(cmd, args[0], func(ctx context.Context, store *keyhealth.Store, keyID string) error {
			return store.MarkThrottled(ctx, keyID, keysThrottleDuration)
		})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysStatusCmd)
	keysCmd.AddCommand(keysClearThrottleCmd)
	keysCmd.AddCommand(keysResetCmd)
	keysCmd.AddCommand(keysThrottleCmd)

	keysThrottleCmd.Flags().DurationVar(&keysThrottleDuration, "duration", keyhealth.DefaultManualCooldown, "Cooldown duration")
}

func poolKeyIDs(cfg *config.Config) []string {
	ids := make([]string, len(cfg.Gemini.APIKeys))
	for i := range cfg.Gemini.APIKeys {
		ids[i] = strconv.Itoa(i + 1)
	}
	return ids
}

func openKeyStore() (*keyhealth.Store, *redis.Client, *config.Config, error) {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return keyhealth.NewStore(rdb, observability.CLILogger), rdb, cfg, nil
}

// withKeyStore runs a mutation against one pool key, rejecting IDs outside
// the configured pool.
func withKeyStore(cmd *cobra.Command, keyID string, fn func(context.Context, *keyhealth.Store, string) error) error {
	store, rdb, cfg, err := openKeyStore()
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	known := false
	for _, id := range poolKeyIDs(cfg) {
		if id == keyID {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown key id %q (pool has %d keys)", keyID, len(cfg.Gemini.APIKeys))
	}

	if err := fn(cmd.Context(), store, keyID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok\n")
	return nil
}

func runKeysStatus(cmd *cobra.Command, _ []string) error {
	store, rdb, cfg, err := openKeyStore()
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	ctx := cmd.Context()
	keyIDs := poolKeyIDs(cfg)
	metrics, err := store.AllMetrics(ctx, keyIDs)
	if err != nil {
		return fmt.Errorf("reading key metrics: %w", err)
	}
	summary, err := store.Summary(ctx, keyIDs)
	if err != nil {
		return fmt.Errorf("reading key summary: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSCORE\tSUCCESS\tFAILURE\tRATE\tAVG_MS\tTHROTTLED")
	for _, m := range metrics {
		throttled := "-"
		if m.IsThrottled {
			remaining := time.Until(time.UnixMilli(m.ThrottledUntil)).Round(time.Second)
			throttled = remaining.String()
		}
		fmt.Fprintf(w, "%s\t%.3f\t%d\t%d\t%.1f%%\t%.0f\t%s\n",
			m.KeyID, m.HealthScore, m.SuccessCount, m.FailureCount,
			m.SuccessRate*100, m.AvgResponseTimeMs, throttled)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d keys available, %d throttled, %.1f%% pool success rate over %d calls\n",
		summary.AvailableCount, len(keyIDs), summary.ThrottledCount,
		summary.AvgSuccessRate*100, summary.TotalCalls)
	return nil
}
