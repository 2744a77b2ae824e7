package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/outbox-relay/internal/app"
	"github.com/jmehdipour/outbox-relay/internal/config"
	"github.com/jmehdipour/outbox-relay/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay (poll-master election, batching, dispatch)",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
	defer func() { _ = log.Sync() }()

	// 2) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Relay.EnableSending {
		log.Warn("relay.enable_sending is off, idling until shutdown")
		<-ctx.Done()
		return nil
	}

	// 3) connections
	conns, err := app.Connect(cfg)
	if err != nil {
		return err
	}
	defer conns.Close()

	// 4) bus sender
	sender, closeSender, err := app.NewSender(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeSender() }()

	// 5) relay
	owner := app.InstanceID(cfg.Relay)
	relay, err := app.NewRelay(cfg, conns, sender, owner, log)
	if err != nil {
		return err
	}

	log.Info(">> relay started",
		zap.String("instance", owner),
		zap.String("bus", cfg.Bus.Kind),
		zap.String("lease_backend", cfg.Relay.LeaseBackend),
		zap.Int("poll_max_size", cfg.Relay.PollMaxSize),
		zap.Int("max_batch_size", cfg.Relay.MaxBatchSize),
	)
	return relay.Run(ctx)
}
