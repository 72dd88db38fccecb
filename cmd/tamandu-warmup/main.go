// Command tamandu-warmup fills the read cache from Postgres without going
// through the gateway.
//
// Usage:
//
//	tamandu-warmup run --user-id 42 --key class:7 --key activity:9
//	tamandu-warmup get class:7
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/warmup"
)

// CLI defines the command-line interface.
type CLI struct {
	Run RunCmd `cmd:"" help:"Warm a batch of cache keys once and print the report."`
	Get GetCmd `cmd:"" help:"Read one cache key, loading it from the database on a miss."`

	EnvFile  string `name:"env-file" help:"Optional .env file." default:".env" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// RunCmd runs the orchestrator once.
type RunCmd struct {
	UserID      string        `name:"user-id" help:"Also warm the profile, notifications and classes of this user."`
	Keys        []string      `name:"key" short:"k" help:"Cache key to warm, e.g. class:7. Repeatable."`
	Concurrency int           `help:"Parallel fetches (0 = configured value)."`
	Timeout     time.Duration `help:"Deadline for the whole batch." default:"60s"`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.setup()
	if err != nil {
		return err
	}
	if c.Concurrency > 0 {
		cfg.Warmup.Concurrency = c.Concurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	o, closeAll, err := open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	report, err := o.Run(ctx, warmup.Request{CacheKeys: c.Keys, UserID: c.UserID})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.AllSucceeded() {
		return fmt.Errorf("%d of %d keys failed", report.Failed, report.Attempted)
	}
	return nil
}

// GetCmd prints a single cached value.
type GetCmd struct {
	Key string `arg:"" help:"Cache key, e.g. profile:42."`
}

func (c *GetCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o, closeAll, err := open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	data, hit, err := o.ReadThrough(ctx, c.Key)
	if err != nil {
		return err
	}
	logger.Info("Cache read", "key", c.Key, "hit", hit)
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

func (cli *CLI) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cli.EnvFile)
	if err != nil {
		return nil, nil, err
	}
	// Logs go to stderr so stdout stays machine readable.
	return cfg, observability.NewLogger(os.Stderr, cli.LogLevel), nil
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*warmup.Orchestrator, func(), error) {
	if cfg.Warmup.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Warmup.CacheURL == "" {
		return nil, nil, fmt.Errorf("TAMANDU_CACHE_REDIS_URL is required")
	}

	source, err := warmup.OpenPostgres(ctx, cfg.Warmup.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	cache, err := warmup.OpenRedisCache(cfg.Warmup.CacheURL)
	if err != nil {
		_ = source.Close()
		return nil, nil, err
	}

	o := warmup.New(source, cache, warmup.Options{
		Concurrency:        cfg.Warmup.Concurrency,
		TaskTimeout:        cfg.Warmup.TaskTimeout,
		MaxKeys:            cfg.Warmup.MaxKeys,
		NotificationsLimit: cfg.Warmup.NotificationsN,
		Logger:             logger,
	})
	return o, func() {
		_ = cache.Close()
		_ = source.Close()
	}, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tamandu-warmup"),
		kong.Description("Preload TamanduAI read caches from Postgres."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
