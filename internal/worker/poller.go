package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/metrics"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"go.uber.org/zap"
)

// PollResult is the outcome of one poll cycle. The wait before the next
// cycle depends on it alone.
type PollResult int

const (
	PollNotLeader PollResult = iota
	PollEmpty
	PollClaimed
	PollStoreError
)

func (r PollResult) String() string {
	switch r {
	case PollEmpty:
		return "empty"
	case PollClaimed:
		return "claimed"
	case PollStoreError:
		return "store_error"
	default:
		return "not_leader"
	}
}

// LeaderChecker is the cached leadership view of the lease coordinator.
type LeaderChecker interface {
	IsLeader() bool
}

// Sink receives claimed messages; the priority batcher in production.
type Sink func(ctx context.Context, msgs []model.OutboxMessage) error

type PollerConfig struct {
	MaxSize       int
	ClaimDuration time.Duration
	IdleTime      time.Duration
	ErrorDelay    time.Duration
	ReapInterval  time.Duration
}

// Delay is the pause after a cycle that returned r.
func (c PollerConfig) Delay(r PollResult) time.Duration {
	switch r {
	case PollClaimed:
		return 0
	case PollEmpty:
		return c.IdleTime
	case PollStoreError:
		return c.ErrorDelay
	default:
		return 0
	}
}

// Poller claims rows while this instance is leader and forwards them. It
// never sends anything itself.
type Poller struct {
	store  repository.OutboxStore
	leader LeaderChecker
	sink   Sink
	cfg    PollerConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewPoller(store repository.OutboxStore, leader LeaderChecker, sink Sink, cfg PollerConfig, log *zap.Logger) *Poller {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.ClaimDuration <= 0 {
		cfg.ClaimDuration = 5 * time.Minute
	}
	if cfg.IdleTime <= 0 {
		cfg.IdleTime = time.Second
	}
	if cfg.ErrorDelay <= cfg.IdleTime {
		cfg.ErrorDelay = 5 * cfg.IdleTime
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{store: store, leader: leader, sink: sink, cfg: cfg, log: log.Named("poller"), now: time.Now}
}

// Poll runs one cycle. Leadership is checked before and after the claim; rows
// claimed by an instance that lost leadership mid-poll are released.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	if !p.leader.IsLeader() {
		return PollNotLeader, nil
	}

	msgs, err := p.store.ClaimBatch(ctx, p.cfg.MaxSize, p.cfg.ClaimDuration)
	if err != nil {
		return PollStoreError, err
	}

	if !p.leader.IsLeader() {
		p.release(ctx, msgs, "leadership lost mid-poll")
		return PollNotLeader, nil
	}
	if len(msgs) == 0 {
		return PollEmpty, nil
	}

	for _, m := range msgs {
		metrics.MessagesTotal.WithLabelValues("claimed", m.Priority.String()).Inc()
	}
	if err := p.sink(ctx, msgs); err != nil {
		p.release(ctx, msgs, "batcher stopped")
		return PollNotLeader, nil
	}
	return PollClaimed, nil
}

func (p *Poller) release(ctx context.Context, msgs []model.OutboxMessage, why string) {
	if len(msgs) == 0 {
		return
	}
	ids := model.IDs(msgs)
	if err := p.store.Release(context.WithoutCancel(ctx), ids); err != nil {
		p.log.Warn("release claimed rows failed, they return when the claim expires",
			zap.String("reason", why), zap.Int("count", len(ids)), zap.Error(err))
		return
	}
	for _, m := range msgs {
		metrics.MessagesTotal.WithLabelValues("released", m.Priority.String()).Inc()
	}
	p.log.Info("released claimed rows", zap.String("reason", why), zap.Int("count", len(ids)))
}

// Reap returns expired claims to pending.
func (p *Poller) Reap(ctx context.Context) ([]model.OutboxMessage, error) {
	msgs, err := p.store.ReapExpiredClaims(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		metrics.MessagesTotal.WithLabelValues("reaped", m.Priority.String()).Inc()
	}
	if len(msgs) > 0 {
		p.log.Warn("reaped expired claims", zap.Int("count", len(msgs)))
	}
	return msgs, nil
}

// Run polls until leadership is lost or ctx ends. Expired claims are reaped
// on start and then every ReapInterval.
func (p *Poller) Run(ctx context.Context) {
	var lastReap time.Time

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if now := p.now(); now.Sub(lastReap) >= p.cfg.ReapInterval && p.leader.IsLeader() {
			if _, err := p.Reap(ctx); err != nil {
				p.log.Warn("reap failed", zap.Error(err))
			} else {
				lastReap = now
			}
		}

		res, err := p.Poll(ctx)
		metrics.PollResults.WithLabelValues(res.String()).Inc()
		switch res {
		case PollNotLeader:
			p.log.Info("not poll-master, poller stopping")
			return
		case PollStoreError:
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("claim failed", zap.Error(err), zap.Duration("retry_in", p.cfg.Delay(res)))
		}

		timer.Reset(p.cfg.Delay(res))
	}
}
