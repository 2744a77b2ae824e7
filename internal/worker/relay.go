package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmehdipour/outbox-relay/internal/batcher"
	"github.com/jmehdipour/outbox-relay/internal/metrics"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"go.uber.org/zap"
)

// Elector is the leadership source of a relay, the lease coordinator in
// production.
type Elector interface {
	LeaderChecker
	Run(ctx context.Context)
	Changes() <-chan bool
}

// BatchDispatcher sends one flushed batch.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, msgs []model.OutboxMessage) error
}

type RelayConfig struct {
	Poller  PollerConfig
	Batcher batcher.Config
	// CheckInterval is how often leadership is re-read besides change events.
	CheckInterval time.Duration
	// MaxBackoff caps the pause of a lane after consecutive failed batches.
	MaxBackoff time.Duration
	// ClaimMargin is the claim time a message must have left to be sent,
	// usually the send timeout.
	ClaimMargin time.Duration
}

// Relay runs a poll session (poller, batcher and one dispatch lane per
// priority) for as long as this instance is poll-master.
type Relay struct {
	elector  Elector
	store    repository.OutboxStore
	dispatch BatchDispatcher
	cfg      RelayConfig
	log      *zap.Logger
	root     *zap.Logger
	now      func() time.Time
}

func NewRelay(elector Elector, store repository.OutboxStore, dispatch BatchDispatcher, cfg RelayConfig, log *zap.Logger) *Relay {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Poller.ErrorDelay <= 0 {
		cfg.Poller.ErrorDelay = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{elector: elector, store: store, dispatch: dispatch, cfg: cfg, log: log.Named("relay"), root: log, now: time.Now}
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) stop() {
	s.cancel()
	<-s.done
}

// Run blocks until ctx ends. The running session is drained before the
// lease is released.
func (r *Relay) Run(ctx context.Context) error {
	electCtx, stopElect := context.WithCancel(context.WithoutCancel(ctx))
	elected := make(chan struct{})
	go func() {
		defer close(elected)
		r.elector.Run(electCtx)
	}()
	defer func() {
		stopElect()
		<-elected
	}()

	tick := time.NewTicker(r.cfg.CheckInterval)
	defer tick.Stop()

	var (
		cur      *session
		sessDone <-chan struct{}
	)
	for {
		select {
		case <-ctx.Done():
			if cur != nil {
				r.log.Info("shutting down, draining poll session")
				cur.stop()
			}
			return nil
		case <-r.elector.Changes():
		case <-tick.C:
		case <-sessDone:
			cur, sessDone = nil, nil
		}

		leader := r.elector.IsLeader()
		switch {
		case leader && cur == nil:
			r.log.Info("starting poll session")
			cur = r.startSession(ctx)
			sessDone = cur.done
		case !leader && cur != nil:
			r.log.Info("stopping poll session")
			cur.stop()
			cur, sessDone = nil, nil
		}
	}
}

func (r *Relay) startSession(ctx context.Context) *session {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{})}

	b := batcher.New(r.cfg.Batcher)
	p := NewPoller(r.store, r.elector, b.Add, r.cfg.Poller, r.root)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(sctx)
	}()
	for _, pr := range model.Priorities {
		wg.Add(1)
		go func(pr model.Priority) {
			defer wg.Done()
			r.lane(sctx, pr, b.Out(pr))
		}(pr)
	}

	go func() {
		p.Run(sctx)
		cancel()
		wg.Wait()
		r.release(ctx, b.Unflushed())
		close(s.done)
	}()
	return s
}

// lane dispatches one tier's batches in order. Batches that arrive after the
// session ended are released, not sent. Messages whose claim lapsed while
// they waited behind a backed-off batch are dropped: the row may already be
// claimed again, so it is left to the reaper and the next claim.
func (r *Relay) lane(ctx context.Context, pr model.Priority, in <-chan batcher.Batch) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.Poller.ErrorDelay
	bo.MaxInterval = r.cfg.MaxBackoff

	for batch := range in {
		if ctx.Err() != nil {
			r.release(ctx, batch.Messages)
			continue
		}

		msgs := r.dropExpired(pr, batch.Messages)
		if len(msgs) == 0 {
			continue
		}

		metrics.BatchSize.WithLabelValues(pr.String()).Observe(float64(len(msgs)))
		err := r.dispatch.Dispatch(ctx, msgs)
		if err == nil {
			bo.Reset()
			continue
		}

		wait := bo.NextBackOff()
		r.log.Warn("batch dispatch failed",
			zap.String("priority", pr.String()),
			zap.Int("count", len(msgs)),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (r *Relay) dropExpired(pr model.Priority, msgs []model.OutboxMessage) []model.OutboxMessage {
	deadline := r.now().Add(r.cfg.ClaimMargin)
	live := make([]model.OutboxMessage, 0, len(msgs))
	var expired int
	for _, m := range msgs {
		if m.ClaimedUntil != nil && !m.ClaimedUntil.After(deadline) {
			expired++
			metrics.MessagesTotal.WithLabelValues("expired", pr.String()).Inc()
			continue
		}
		live = append(live, m)
	}
	if expired > 0 {
		r.log.Warn("claims expired before dispatch, leaving rows to the next claim",
			zap.String("priority", pr.String()),
			zap.Int("count", expired))
	}
	return live
}

func (r *Relay) release(ctx context.Context, msgs []model.OutboxMessage) {
	if len(msgs) == 0 {
		return
	}
	if err := r.store.Release(context.WithoutCancel(ctx), model.IDs(msgs)); err != nil {
		r.log.Warn("release unsent claims failed, they return when the claim expires",
			zap.Int("count", len(msgs)), zap.Error(err))
		return
	}
	for _, m := range msgs {
		metrics.MessagesTotal.WithLabelValues("released", m.Priority.String()).Inc()
	}
}
