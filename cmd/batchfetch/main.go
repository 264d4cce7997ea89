// Package main runs one batch of fetches and prints its timing report.
//
// Usage:
//
//	batchfetch                      # 200 example.com pages, 100 at a time, 180s deadline
//	batchfetch -c batchfetch.yaml   # targets and limits from YAML
//	batchfetch --json               # machine readable report
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/batch"
	"github.com/Sternrassler/batchfetch/pkg/config"
	"github.com/Sternrassler/batchfetch/pkg/fetch"
	"github.com/Sternrassler/batchfetch/pkg/limiter"
	"github.com/Sternrassler/batchfetch/pkg/logging"
	"github.com/Sternrassler/batchfetch/pkg/metrics"
	"github.com/Sternrassler/batchfetch/pkg/report"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// releaseGrace bounds how long a timed-out run waits for abandoned tasks to
// release their limiter slots.
const releaseGrace = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "batchfetch",
	Short: "Fetch a batch of URLs with bounded concurrency and a global deadline",
	Long: `batchfetch fetches every target concurrently, never running more than
capacity requests at once, and abandons whatever is unfinished when the
deadline expires. It prints the completed jobs, the total time and a
timeline of every request.

Settings come from an optional YAML file, a .env file and BATCHFETCH_*
environment variables. With redis.addr set, the capacity is shared by
every batchfetch process using the same Redis key.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runBatch,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "path to config file")
	rootCmd.Flags().Bool("json", false, "print the report as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, cmd.OutOrStdout(), asJSON)
}

// run executes the configured batch and writes its report to out.
func run(ctx context.Context, cfg *config.Config, out io.Writer, asJSON bool) error {
	logger := logging.NewLogger("batchfetch")

	if cfg.MetricsAddr != "" {
		if _, err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
			return err
		}
	}

	items, err := cfg.Targets()
	if err != nil {
		return err
	}

	fetcher, err := fetch.New(cfg.FetchConfig())
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	opts := []batch.Option{batch.WithLogger(logging.NewLogger("batch"))}
	if cfg.Redis.Addr != "" {
		lim, closeRedis, err := newRedisLimiter(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeRedis()
		opts = append(opts, batch.WithLimiter(lim))
	}

	dispatcher := batch.NewDispatcher(fetcher, cfg.BatchConfig(), opts...)
	b := dispatcher.NewBatch(items)
	rep := b.Run(ctx)

	if rep.TimedOut() {
		// Abandoned fetches unwind on cancellation and release their slots.
		// The Redis client must stay open until they have.
		waitCtx, cancel := context.WithTimeout(context.Background(), releaseGrace)
		if err := b.Wait(waitCtx); err != nil {
			logger.Warn().
				Err(err).
				Dur("grace", releaseGrace).
				Msg("Abandoned tasks still running, their shared slots expire with the lease TTL")
		}
		cancel()
	}

	if asJSON {
		return report.JSON(out, rep)
	}
	return report.Summary(out, rep)
}

func newRedisLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*limiter.RedisLimiter, func(), error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Str("key", cfg.Redis.Key).Msg("Using shared Redis limiter")

	lim, err := limiter.NewRedisLimiter(redisClient, cfg.RedisLimiterConfig(), logging.NewLogger("limiter"))
	if err != nil {
		redisClient.Close()
		return nil, nil, err
	}
	return lim, func() { redisClient.Close() }, nil
}
