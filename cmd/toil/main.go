package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/toil/internal/cmd/client"
	"github.com/rzbill/toil/internal/cmd/workerrun"
	cfgpkg "github.com/rzbill/toil/internal/config"
	jobpkg "github.com/rzbill/toil/internal/job"
	logpkg "github.com/rzbill/toil/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "toil",
		Short: "toil job queue CLI",
		Long:  "toil runs and operates a Redis-backed distributed job queue. This CLI hosts workers and manages jobs.",
	}

	// worker start
	workerCmd := &cobra.Command{Use: "worker", Short: "Worker commands"}
	workerStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a worker process",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			redisAddr, _ := cmd.Flags().GetString("redis")
			prefix, _ := cmd.Flags().GetString("prefix")
			queues, _ := cmd.Flags().GetString("queues")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			if configPath == "" {
				configPath = cfgpkg.DefaultPath()
			}
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfgpkg.FromEnv(&cfg); err != nil {
				return err
			}
			if redisAddr != "" {
				cfg.Redis.Addr = redisAddr
			}
			if prefix != "" {
				cfg.Prefix = prefix
			}
			if queues != "" {
				cfg.Queues = splitQueues(queues)
			}
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			logger := logpkg.New(logpkg.Config{Level: cfg.LogLevel, Format: logFormat})
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := workerrun.Run(ctx, workerrun.Options{
				Config:   cfg,
				Registry: builtinRegistry(),
				Logger:   logger,
			}); err != nil {
				return fmt.Errorf("worker error: %w", err)
			}
			return nil
		},
	}
	workerStartCmd.Flags().String("config", os.Getenv("TOIL_CONFIG"), "Config file path")
	workerStartCmd.Flags().String("redis", "", "Redis address (overrides config)")
	workerStartCmd.Flags().String("prefix", "", "Backend key prefix (overrides config)")
	workerStartCmd.Flags().String("queues", "", "Comma-separated queue names to consume")
	workerStartCmd.Flags().Int("concurrency", 0, "Per-queue concurrency")
	workerStartCmd.Flags().String("log-level", os.Getenv("TOIL_LOG_LEVEL"), "Log level: debug|info|warn|error")
	workerStartCmd.Flags().String("log-format", os.Getenv("TOIL_LOG_FORMAT"), "Log format: text|json (default text)")
	workerCmd.AddCommand(workerStartCmd)
	rootCmd.AddCommand(workerCmd)

	rootCmd.AddCommand(clientcmd.NewJobCommand())
	rootCmd.AddCommand(clientcmd.NewWorkersCommand())
	rootCmd.AddCommand(clientcmd.NewCleanupCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func splitQueues(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// builtinRegistry registers the job classes the standalone worker binary
// ships with. Library embedders register their own classes instead.
func builtinRegistry() *jobpkg.Registry {
	reg := jobpkg.NewRegistry()
	reg.MustRegister("noop", func(args json.RawMessage) (jobpkg.Job, error) {
		return jobpkg.Func(func(ctx context.Context) error { return nil }), nil
	})
	reg.MustRegister("sleep", func(args json.RawMessage) (jobpkg.Job, error) {
		var opts struct {
			Duration string `json:"duration"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &opts); err != nil {
				return nil, err
			}
		}
		d := time.Second
		if opts.Duration != "" {
			var err error
			if d, err = time.ParseDuration(opts.Duration); err != nil {
				return nil, fmt.Errorf("parse duration: %w", err)
			}
		}
		return jobpkg.Func(func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}), nil
	})
	reg.MustRegister("fail", func(args json.RawMessage) (jobpkg.Job, error) {
		return jobpkg.Func(func(ctx context.Context) error {
			return fmt.Errorf("job always fails")
		}), nil
	})
	return reg
}
