package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/app"
	"github.com/jmehdipour/outbox-relay/internal/config"
	httpSrv "github.com/jmehdipour/outbox-relay/internal/http"
	"github.com/jmehdipour/outbox-relay/internal/logger"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/jmehdipour/outbox-relay/internal/service/events"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var withRelay bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (and optionally the relay in-process)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer func() { _ = log.Sync() }()

		conns, err := app.Connect(cfg)
		if err != nil {
			return err
		}
		defer conns.Close()

		owner := app.InstanceID(cfg.Relay)
		outbox := repository.NewOutboxRepository(conns.MySQL, repository.OutboxOptions{
			Owner:               owner,
			MaxDeliveryAttempts: cfg.Relay.MaxDeliveryAttempts,
		})
		deps := httpSrv.Deps{
			Events: events.New(conns.MySQL, repository.NewInstancesRepository(conns.MySQL), outbox),
			Outbox: outbox,
			Redis:  conns.Redis,
		}
		if conns.ClickHouse != nil {
			deps.Deliveries = repository.NewDeliveryLogRepository(conns.ClickHouse)
		}
		server := httpSrv.NewServer(cfg, deps)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 2)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr))
			if err := server.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		relayDone := make(chan struct{})
		if withRelay && cfg.Relay.EnableSending {
			sender, closeSender, err := app.NewSender(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = closeSender() }()
			relay, err := app.NewRelay(cfg, conns, sender, owner, log)
			if err != nil {
				return err
			}
			go func() {
				defer close(relayDone)
				if err := relay.Run(ctx); err != nil {
					errCh <- err
				}
			}()
		} else {
			close(relayDone)
		}

		var runErr error
		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case runErr = <-errCh:
			log.Error("serve exited", zap.Error(runErr))
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-relayDone
		return runErr
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withRelay, "relay", false, "also run the outbox relay in this process")
}
