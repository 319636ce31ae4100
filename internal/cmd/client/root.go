package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rzbill/toil/internal/config"
	"github.com/rzbill/toil/internal/transport/redistream"
)

// addBackendFlags registers the flags every backend-touching command
// shares. Defaults come from the config file and TOIL_* environment.
func addBackendFlags(cmd *cobra.Command) {
	cfg := loadConfig()
	cmd.PersistentFlags().String("redis", cfg.Redis.Addr, "Redis address")
	cmd.PersistentFlags().String("prefix", cfg.Prefix, "Backend key prefix")
}

func loadConfig() config.Config {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		cfg = config.Default()
	}
	_ = config.FromEnv(&cfg)
	return cfg
}

// openProducer builds and starts a producer transport from cmd's flags,
// subscribed to the named queues' event channels. The returned closer
// stops it.
func openProducer(ctx context.Context, cmd *cobra.Command, queues ...string) (*redistream.Transport, func(), error) {
	tr, client, err := buildProducer(cmd, queues...)
	if err != nil {
		return nil, nil, err
	}
	if err := tr.Start(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect backend: %w", err)
	}
	closer := func() {
		_ = tr.Stop(context.Background())
		_ = client.Close()
	}
	return tr, closer, nil
}

// buildProducer constructs the transport without starting it, for callers
// that hand lifecycle to a Queue. Watching a queue's job:status and
// job:result traffic requires naming it here.
func buildProducer(cmd *cobra.Command, queues ...string) (*redistream.Transport, *redis.Client, error) {
	addr, _ := cmd.Flags().GetString("redis")
	prefix, _ := cmd.Flags().GetString("prefix")
	cfg := loadConfig()

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	tr, err := redistream.New(redistream.Options{
		Client: client,
		Mode:   redistream.ModeProducer,
		Prefix: prefix,
		Queues: queues,
		Logger: zap.NewNop(),
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return tr, client, nil
}

// printJSON renders v indented to out.
func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
