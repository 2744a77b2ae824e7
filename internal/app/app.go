// Package app wires configuration into connections, the bus sender and the
// relay. The serve and worker commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/jmehdipour/outbox-relay/internal/batcher"
	"github.com/jmehdipour/outbox-relay/internal/bus"
	"github.com/jmehdipour/outbox-relay/internal/config"
	"github.com/jmehdipour/outbox-relay/internal/db"
	"github.com/jmehdipour/outbox-relay/internal/dispatcher"
	"github.com/jmehdipour/outbox-relay/internal/kafka"
	"github.com/jmehdipour/outbox-relay/internal/lease"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/jmehdipour/outbox-relay/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Conns holds the shared connections. Redis and ClickHouse are optional and
// stay nil when their address is empty.
type Conns struct {
	MySQL      *sqlx.DB
	Redis      *redis.Client
	ClickHouse *sqlx.DB
}

func Connect(cfg config.Config) (*Conns, error) {
	c := &Conns{}
	var err error

	c.MySQL, err = db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}

	if cfg.Redis.Addr != "" {
		c.Redis, err = db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
	}

	if cfg.ClickHouse.DSN != "" {
		c.ClickHouse, err = db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
	}
	return c, nil
}

func (c *Conns) Close() {
	if c.ClickHouse != nil {
		_ = c.ClickHouse.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.MySQL != nil {
		_ = c.MySQL.Close()
	}
}

// InstanceID names this process as a claim and lease owner.
func InstanceID(r config.RelayConfig) string {
	if r.InstanceID != "" {
		return r.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NewSender builds the bus sender for cfg.Bus.Kind behind a circuit breaker.
// The returned close func flushes and closes the underlying client.
func NewSender(ctx context.Context, cfg config.Config, log *zap.Logger) (bus.Sender, func() error, error) {
	var (
		next    bus.Sender
		closeFn = func() error { return nil }
	)

	switch cfg.Bus.Kind {
	case "kafka":
		p := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			BatchTimeout: time.Duration(cfg.Kafka.BatchTimeoutMs) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.Kafka.WriteTimeoutMs) * time.Millisecond,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
		})
		next, closeFn = bus.NewKafkaSender(p), p.Close
	case "http":
		next = bus.NewHTTPSender(cfg.Bus.HTTP.Name, cfg.Bus.HTTP.BaseURL, cfg.Bus.HTTP.TimeoutMs)
	case "memory":
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, watermill.NopLogger{})
		if err := tail(ctx, ch, cfg.Bus, log); err != nil {
			_ = ch.Close()
			return nil, nil, err
		}
		next, closeFn = bus.NewPublisherSender("memory", ch), ch.Close
	default:
		return nil, nil, fmt.Errorf("%w: bus.kind %q", config.ErrInvalid, cfg.Bus.Kind)
	}

	br := bus.NewMicroBreaker(cfg.Bus.Breaker.FailThreshold, time.Duration(cfg.Bus.Breaker.OpenForMs)*time.Millisecond)
	return bus.NewBreakerSender(next, br), closeFn, nil
}

// tail logs every message published on the in-memory bus so a local relay
// shows what it would have sent.
func tail(ctx context.Context, ch *gochannel.GoChannel, b config.BusConfig, log *zap.Logger) error {
	topics := map[string]struct{}{b.DefaultTopic: {}}
	for _, t := range b.Topics {
		topics[t] = struct{}{}
	}
	for topic := range topics {
		msgs, err := ch.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		go func() {
			for m := range msgs {
				log.Info("bus message",
					zap.String("topic", topic),
					zap.String("key", m.Metadata.Get(bus.HeaderMessageKey)),
					zap.String("type", m.Metadata.Get(bus.HeaderMessageType)),
				)
				m.Ack()
			}
		}()
	}
	return nil
}

// NewRelay assembles the lease coordinator, dispatcher and relay for owner.
func NewRelay(cfg config.Config, conns *Conns, sender bus.Sender, owner string, log *zap.Logger) (*worker.Relay, error) {
	r := cfg.Relay

	store := repository.NewOutboxRepository(conns.MySQL, repository.OutboxOptions{
		Owner:               owner,
		MaxDeliveryAttempts: r.MaxDeliveryAttempts,
	})

	var leases repository.LeaseRepository
	switch r.LeaseBackend {
	case "redis":
		if conns.Redis == nil {
			return nil, errors.New("relay.lease_backend=redis needs redis.addr")
		}
		leases = repository.NewRedisLeaseRepository(conns.Redis, "")
	default:
		leases = repository.NewLeaseRepository(conns.MySQL)
	}

	coord, err := lease.NewCoordinator(leases, lease.Config{
		Name:          r.LeaseName,
		Owner:         owner,
		TTL:           r.Lease(),
		RetryInterval: r.RetryInterval(),
		RenewInterval: r.RenewInterval(),
	}, log)
	if err != nil {
		return nil, err
	}

	var opts []dispatcher.Option
	if conns.ClickHouse != nil {
		opts = append(opts, dispatcher.WithDeliveryLog(repository.NewDeliveryLogRepository(conns.ClickHouse)))
	}
	disp := dispatcher.New(store, sender,
		bus.Router{Topics: cfg.Bus.Topics, Default: cfg.Bus.DefaultTopic},
		dispatcher.Config{SendTimeout: r.SendTimeout(), Instance: owner},
		log, opts...)

	return worker.NewRelay(coord, store, disp, worker.RelayConfig{
		Poller: worker.PollerConfig{
			MaxSize:       r.PollMaxSize,
			ClaimDuration: r.ClaimDuration(),
			IdleTime:      r.PollIdleTime(),
			ErrorDelay:    r.PollErrorDelay(),
			ReapInterval:  r.ReapInterval(),
		},
		Batcher: batcher.Config{
			Delays:       r.Delays(),
			MaxBatchSize: r.MaxBatchSize,
		},
		ClaimMargin: r.SendTimeout(),
	}, log), nil
}
