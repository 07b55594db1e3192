package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mikequentel/threadrelay/internal/config"
	"github.com/mikequentel/threadrelay/internal/journal"
	"github.com/mikequentel/threadrelay/internal/llm"
	"github.com/mikequentel/threadrelay/internal/logging"
	"github.com/mikequentel/threadrelay/internal/metrics"
	"github.com/mikequentel/threadrelay/internal/model"
	"github.com/mikequentel/threadrelay/internal/relay"
	"github.com/mikequentel/threadrelay/internal/telegram"
	"github.com/mikequentel/threadrelay/internal/x"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Listen for channel posts and publish them as threads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bot, err := telegram.NewBot(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	logger.Info("logged in to Telegram", "bot", bot.Self.UserName, "chat_id", cfg.Telegram.ChatID)

	m := metrics.New()
	deps := relay.Deps{
		Fetcher:      telegram.NewFetcher(bot, nil),
		Metrics:      m,
		Logger:       logging.Component(logger, "relay"),
		DrainTimeout: cfg.Relay.DrainTimeout,
	}

	if cfg.Relay.DryRun {
		logger.Warn("DRY RUN: nothing will be posted to X")
		dry := x.NewDryRun(logging.Component(logger, "x"))
		deps.Poster, deps.Uploader = dry, dry
	} else {
		client := x.NewClient(ctx, x.Credentials{
			ConsumerKey:    cfg.X.ConsumerKey,
			ConsumerSecret: cfg.X.ConsumerSecret,
			AccessToken:    cfg.X.AccessToken,
			AccessSecret:   cfg.X.AccessSecret,
		}, cfg.X.APIVersion, logging.Component(logger, "x"))
		deps.Poster, deps.Uploader = client, client
	}

	if cfg.LLM.Enabled {
		deps.Translator = llm.NewTranslator(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, logging.Component(logger, "llm"))
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		deps.Journal = j

		c, err := schedulePrune(ctx, j, cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	proc, err := relay.NewProcessor(cfg.Telegram.ChatID, cfg.Segment.Limit, deps)
	if err != nil {
		return err
	}

	events := make(chan model.ChannelPost, 16)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return telegram.NewSource(bot, logging.Component(logger, "telegram")).Run(gctx, events)
	})
	g.Go(func() error {
		return proc.Run(gctx, events, cfg.Relay.MaxConcurrent)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Addr, logging.Component(logger, "metrics"))
		})
	}

	logger.Info("relay is now running, press CTRL-C to exit")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("relay stopped")
	return err
}

func schedulePrune(ctx context.Context, j *journal.Journal, cfg config.JournalConfig, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(cfg.PruneSchedule, func() {
		n, err := j.Prune(ctx, cfg.Retention)
		if err != nil {
			logger.Error("journal prune failed", "error", err)
			return
		}
		logger.Info("journal pruned", "removed", n)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	logger.Info("journal prune scheduled", "schedule", cfg.PruneSchedule, "retention", cfg.Retention)
	return c, nil
}
