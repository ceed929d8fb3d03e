package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/zulandar/threadyard/internal/config"
	"github.com/zulandar/threadyard/internal/harvest"
	"github.com/zulandar/threadyard/internal/logging"
	"github.com/zulandar/threadyard/internal/slackclient"
	"github.com/zulandar/threadyard/internal/store"
	"github.com/zulandar/threadyard/internal/thread"
)

// loadConfig reads the config file and installs the configured logger,
// writing to the command's stderr.
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Init(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return s, nil
}

// newHarvester wires the Slack client, assembler and store for one process.
// The anonymization salt falls back to the bot token so labels stay stable
// per workspace credential when no salt is configured.
func newHarvester(ctx context.Context, cfg *config.Config, logger *slog.Logger, s store.Store, metrics *harvest.Metrics) (*harvest.Harvester, error) {
	token := cfg.Slack.Token()
	if token == "" {
		return nil, fmt.Errorf("slack token not set: export %s", cfg.Slack.TokenEnv)
	}
	maxRetries := *cfg.Slack.MaxRetries
	if maxRetries == 0 {
		maxRetries = slackclient.NoRetries
	}
	client, err := slackclient.New(slackclient.Options{
		Token:             token,
		MaxRetries:        maxRetries,
		InitialDelay:      cfg.Slack.InitialDelay,
		MaxDelay:          cfg.Slack.MaxDelay,
		PageSize:          cfg.Slack.PageSize,
		RequestsPerMinute: cfg.Slack.RequestsPerMinute,
		Logger:            logger,
		OnRetry:           metrics.ObserveRetry,
	})
	if err != nil {
		return nil, err
	}
	team, err := client.AuthTest(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	logger.Info("slack: authenticated", "team", team)

	salt := cfg.Anonymization.Salt()
	if salt == "" {
		logger.Warn("anonymization salt not set, deriving labels from the bot token", "env", cfg.Anonymization.SaltEnv)
		salt = token
	}

	return harvest.New(harvest.Opts{
		Fetcher:   client,
		Store:     s,
		Assembler: thread.NewAssembler(thread.NewAnonymizer(salt)),
		Logger:    logger,
		Metrics:   metrics,
		Workers:   cfg.Harvest.Workers,
	})
}

// newMetrics registers harvest collectors on the default registry so the
// API server's /metrics exposes them. Registration happens once per process.
var newMetrics = sync.OnceValue(func() *harvest.Metrics {
	return harvest.NewMetrics(prometheus.DefaultRegisterer)
})

// selectChannels returns the roster to harvest: the whole configured list, or
// the single channel named by override. An override not in the roster is
// harvested as an ad hoc enabled channel.
func selectChannels(cfg *config.Config, override string) []config.ChannelConfig {
	if override == "" {
		return cfg.Channels
	}
	if ch, ok := cfg.Channel(override); ok {
		return []config.ChannelConfig{ch}
	}
	return []config.ChannelConfig{{ID: override}}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// parseDate parses YYYY-MM-DD as midnight UTC. Empty input yields zero.
func parseDate(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: want YYYY-MM-DD, got %q", flag, s)
	}
	return t, nil
}
