package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/adapters/audio"
	"github.com/satriahrh/duplexvoice/internal/app"
	"github.com/satriahrh/duplexvoice/internal/config"
	"github.com/satriahrh/duplexvoice/internal/duplex"
	"github.com/satriahrh/duplexvoice/internal/metrics"
	"github.com/satriahrh/duplexvoice/usecase"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	newConversation := flag.Bool("new", false, "start a new conversation instead of resuming the latest")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *newConversation, logger); err != nil {
		logger.Fatal("Voice assistant failed", zap.Error(err))
	}
}

func run(cfg config.Config, newConversation bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(context.Background())

	conversations := usecase.NewConversationService(repo, logger)
	if newConversation {
		conversation, err := conversations.NewConversation(ctx)
		if err != nil {
			return err
		}
		logger.Info("Started new conversation", zap.String("conversation_id", conversation.ID))
	}

	model, err := app.NewLiveModel(ctx, cfg, logger)
	if err != nil {
		return err
	}

	devices, err := audio.Open(logger)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	defer devices.Close()

	driver, err := duplex.NewDriver(cfg.Session.Duplex(), duplex.Deps{
		Store:   newPrintingStore(conversations, os.Stdout),
		Model:   model,
		Group:   "local",
		Capture: devices.Capture(),
		Sink:    duplex.NewPlaybackSink(devices.OpenPlayer, nil, logger),
		Clock:   clock.New(),
		Logger:  logger,
		Metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		return err
	}

	fmt.Println("Listening. Press Ctrl+C to stop.")
	err = driver.Run(ctx)
	if errors.Is(err, duplex.ErrStopped) {
		return nil
	}
	return err
}
