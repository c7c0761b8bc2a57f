package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omniclaw/internal/agent"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/mezon"
	signalch "github.com/nextlevelbuilder/omniclaw/internal/channels/signal"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/slack"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/sms"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/cron"
	"github.com/nextlevelbuilder/omniclaw/internal/gateway"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/internal/telemetry"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// Exit codes: 1 = configuration or storage failure, 2 = gateway server
// failure after startup.
const (
	exitConfig  = 1
	exitRuntime = 2
)

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitConfig)
	}

	setupLogging(cfg)
	slog.Info("starting omniclaw", "version", Version, "config", cfgPath, "hash", cfg.Hash())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}
	defer tel.Shutdown(context.Background())

	stores, err := store.Open(cfg.Session.Store, cfg.PairingDir(), cfg.Session.TTLMs)
	if err != nil {
		slog.Error("failed to open stores", "store", cfg.Session.Store, "error", err)
		os.Exit(exitConfig)
	}
	defer stores.Close()

	msgBus := bus.New()
	registry := channels.NewRegistry(
		mezon.New(),
		signalch.New(),
		slack.New(),
		discord.New(),
		telegram.New(),
		sms.New(),
	)

	dispatcher := agent.NewDispatcher(cfg, stores.Sessions)
	pipeline := channels.NewPipeline(cfg, msgBus, registry, stores, dispatcher)

	manager := channels.NewManager(cfg, registry, msgBus)
	manager.FlushHook = pipeline.FlushAccount

	cronSched := cron.New(cfg, msgBus)

	server := gateway.NewServer(gateway.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Bus:        msgBus,
		Stores:     stores,
		Manager:    manager,
		Registry:   registry,
		Cron:       cronSched,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipeline.Run(ctx, true)
		return nil
	})
	g.Go(func() error {
		cronSched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		watchConfig(ctx, cfgPath, cfg, msgBus)
		return nil
	})

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	err = g.Wait()
	manager.StopAll()
	if err != nil && ctx.Err() == nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(exitRuntime)
	}
	slog.Info("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// watchConfig hot-reloads the config file into the live config and
// notifies ops clients. Accounts whose effective config changed are not
// restarted automatically; operators restart them over RPC.
func watchConfig(ctx context.Context, path string, cfg *config.Config, msgBus *bus.MessageBus) {
	err := config.Watch(ctx, path, slog.Default(), func(fresh *config.Config) {
		cfg.ReplaceFrom(fresh)
		msgBus.Broadcast(bus.Event{
			Name:    protocol.EventConfigChanged,
			Payload: map[string]string{"hash": cfg.Hash()},
		})
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("config watcher stopped", "error", err)
	}
}
