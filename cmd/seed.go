package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/jmehdipour/outbox-relay/internal/config"
	"github.com/jmehdipour/outbox-relay/internal/db"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/jmehdipour/outbox-relay/internal/service/events"
	"github.com/jmehdipour/outbox-relay/internal/util"
	"github.com/spf13/cobra"
)

var seedCount int

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue demo instance lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		svc := events.New(sqlDB,
			repository.NewInstancesRepository(sqlDB),
			repository.NewOutboxRepository(sqlDB, repository.OutboxOptions{MaxDeliveryAttempts: cfg.Relay.MaxDeliveryAttempts}),
		)

		log.Printf(">> Seeding %d demo instances...", seedCount)
		if err := seedInstances(cmd.Context(), svc, seedCount); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 20, "number of demo instances")
}

// lifecycle is the event sequence every demo instance walks through, so each
// priority tier gets traffic.
var lifecycle = []string{
	model.EventInstanceCreated,
	model.EventInstanceUpdate,
	model.EventDialogportenSync,
	model.EventInstanceCompleted,
}

func seedInstances(ctx context.Context, svc *events.Service, n int) error {
	apps := []string{"ttd/skattemelding", "ttd/byggesak", "ttd/flyttemelding"}
	for i := range n {
		id := util.New()
		for _, typ := range lifecycle {
			_, err := svc.Record(ctx, model.InstanceEvent{
				InstanceID: id,
				AppID:      apps[i%len(apps)],
				PartyID:    fmt.Sprintf("%d", 50000000+i),
				Type:       typ,
				Data:       map[string]any{"seed": true, "n": i},
			})
			if err != nil {
				return fmt.Errorf("seed instance %s %s: %w", id, typ, err)
			}
		}
	}
	return nil
}
