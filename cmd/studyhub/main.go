package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/studyhub/internal/auth"
	"github.com/a-essam23/studyhub/internal/hub"
	"github.com/a-essam23/studyhub/internal/server"
	"github.com/a-essam23/studyhub/pkg/backplane"
	"github.com/a-essam23/studyhub/pkg/config"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/logging"
	"github.com/a-essam23/studyhub/pkg/state/registry"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func main() {
	fs := pflag.NewFlagSet("studyhub", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logger := logging.New(logging.LevelInfo, logging.FormatText)
	cfg, err := config.Load(logger, fs)
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	format := logging.FormatText
	if cfg.Production() {
		format = logging.FormatJSON
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level), format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := newBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to set up backplane", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	idClient := identity.NewClient(cfg.Auth.IdentityURL, cfg.Auth.VerifyTimeout)
	gate := auth.NewGate(logger, idClient, auth.Options{
		Production: cfg.Production(),
		JWTSecret:  cfg.Auth.JWTSecret,
	})
	h := hub.New(logger, registry.NewInMemory(logger), bus, idClient, hub.Options{
		Production:           cfg.Production(),
		MaxVideoParticipants: cfg.Video.MaxParticipants,
		ChatRate:             rate.Limit(cfg.Chat.RatePerSecond),
		ChatBurst:            cfg.Chat.Burst,
		MembershipTimeout:    cfg.Auth.VerifyTimeout,
	})

	app := server.NewApp(logger, cfg, h, gate)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func newBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backplane.Bus, error) {
	if cfg.Backplane.RedisURL == "" {
		logger.Info("No REDIS_URL set, running as a single node")
		return backplane.NewLocalBus(), nil
	}
	bus, err := backplane.NewRedisBus(ctx, cfg.Backplane.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Redis backplane connected")
	return bus, nil
}
