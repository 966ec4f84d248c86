package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/naehrwerk/naehrwerk-bot/internal/agent"
	"github.com/naehrwerk/naehrwerk-bot/internal/channel/slack"
	"github.com/naehrwerk/naehrwerk-bot/internal/channel/telegram"
	"github.com/naehrwerk/naehrwerk-bot/internal/config"
	"github.com/naehrwerk/naehrwerk-bot/internal/dashboard"
	"github.com/naehrwerk/naehrwerk-bot/internal/dedupe"
	"github.com/naehrwerk/naehrwerk-bot/internal/history"
	"github.com/naehrwerk/naehrwerk-bot/internal/llm"
	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/router"
	"github.com/naehrwerk/naehrwerk-bot/internal/store"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("naehrwerk bot exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	var histOpts []history.Option
	if cfg.History.Persist {
		histOpts = append(histOpts, history.WithPersister(db))
	}
	conversations := history.NewStore(histOpts...)

	// Initialize LLM client and agent
	a := agent.New(llm.NewClient(cfg.Agent), cfg.Agent)

	fetcher := media.NewFetcher(nil, cfg.Media.MaxBytes)
	seen := dedupe.New(10*time.Minute, 10_000)
	defer seen.Close()

	r := router.New(conversations, a, fetcher,
		router.WithMealLogger(db),
		router.WithDedupe(seen),
		router.WithTimeouts(cfg.Agent.Timeout, cfg.Media.Timeout),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Slack.Enabled {
		bot := slack.New(cfg.Slack, r)
		r.Register(slack.ChannelName, bot)
		fetcher.Register(slack.ChannelName, bot)
		g.Go(func() error { return bot.Run(gctx) })
	}
	if cfg.Telegram.Enabled {
		bot := telegram.New(cfg.Telegram, r)
		r.Register(telegram.ChannelName, bot)
		fetcher.Register(telegram.ChannelName, bot)
		g.Go(func() error { return bot.Run(gctx) })
	}
	if cfg.Dashboard.Enabled {
		dash := dashboard.New(db)
		g.Go(func() error { return dash.Run(gctx, cfg.Dashboard.Addr()) })
	}

	logger.L.Info("🍏 NährWerk bot running",
		"slack", cfg.Slack.Enabled,
		"telegram", cfg.Telegram.Enabled,
		"dashboard", cfg.Dashboard.Enabled,
		"model", cfg.Agent.Model,
		"history_persist", cfg.History.Persist,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.L.Info("naehrwerk bot stopped")
	return nil
}
