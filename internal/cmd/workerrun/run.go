package workerrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/toil/internal/config"
	"github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/transport/redistream"
	"github.com/rzbill/toil/internal/worker"
	"github.com/rzbill/toil/pkg/id"
)

// stopTimeout bounds the graceful drain on shutdown.
const stopTimeout = 30 * time.Second

// Options assembles everything a worker process needs.
type Options struct {
	Config   config.Config
	Registry *job.Registry
	Logger   *zap.Logger
}

// Run starts a worker over the distributed transport and blocks until ctx
// is cancelled. An unreachable backend aborts startup.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// pass a plain context still get signal-aware shutdown.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = id.NewWorkerID()
	}
	tr, err := redistream.New(redistream.Options{
		Client:       client,
		Mode:         redistream.ModeConsumer,
		Prefix:       cfg.Prefix,
		Queues:       cfg.Queues,
		WorkerID:     workerID,
		PollInterval: cfg.Worker.PollInterval.Std(),
		StatusTTL:    cfg.Worker.StatusTTL.Std(),
		Retention:    cfg.Worker.Retention.Std(),
		LockTTL:      cfg.Worker.LockTTL.Std(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	w, err := worker.New(tr, worker.Options{
		ID:       workerID,
		Registry: opts.Registry,
		Logger:   logger,
		LockTTL:  cfg.Worker.LockTTL.Std(),
		Defaults: worker.QueueOptions{
			Concurrency:  cfg.Worker.Concurrency,
			MaxRetries:   job.IntPtr(cfg.Worker.MaxRetries),
			RetryDelay:   cfg.Worker.RetryDelay.Std(),
			PauseOnError: job.BoolPtr(cfg.Worker.PauseOnError),
		},
	})
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}
	for _, q := range cfg.Queues {
		w.CreateQueue(q, worker.QueueOptions{})
	}

	logger.Info("starting worker",
		zap.String("redis", cfg.Redis.Addr),
		zap.String("prefix", cfg.Prefix),
		zap.Strings("queues", cfg.Queues),
		zap.Strings("jobs", opts.Registry.Names()))

	if err := w.Start(sctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return w.Stop(stopCtx, false)
	})
	return g.Wait()
}
