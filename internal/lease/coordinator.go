// Package lease elects the single poll-master among relay instances. The
// Coordinator keeps a cached view of leadership that is refreshed every cycle
// against the lease repository and bounded by a local validity deadline.
package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/metrics"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"go.uber.org/zap"
)

type State int32

const (
	NotLeader State = iota
	Acquiring
	Leader
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Leader:
		return "leader"
	default:
		return "not-leader"
	}
}

type Config struct {
	Name          string        // lease row / key name
	Owner         string        // this instance
	TTL           time.Duration // lease length
	RetryInterval time.Duration // acquisition retry while not leader
	RenewInterval time.Duration // renewal while leader; default min(RetryInterval, TTL/3)
}

var ErrInvalidConfig = errors.New("lease: invalid config")

func (c *Config) normalize() error {
	if c.Name == "" || c.Owner == "" || c.TTL <= 0 {
		return ErrInvalidConfig
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = c.TTL / 2
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.TTL / 3
		if c.RetryInterval < c.RenewInterval {
			c.RenewInterval = c.RetryInterval
		}
	}
	if c.RenewInterval >= c.TTL {
		return ErrInvalidConfig
	}
	return nil
}

type Coordinator struct {
	repo repository.LeaseRepository
	cfg  Config
	log  *zap.Logger
	now  func() time.Time

	state atomic.Int32

	mu         sync.Mutex
	validUntil time.Time
	lease      model.Lease

	changes chan bool
}

func NewCoordinator(repo repository.LeaseRepository, cfg Config, log *zap.Logger) (*Coordinator, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		repo:    repo,
		cfg:     cfg,
		log:     log.Named("lease").With(zap.String("owner", cfg.Owner), zap.String("lease", cfg.Name)),
		now:     time.Now,
		changes: make(chan bool, 1),
	}, nil
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// IsLeader reports whether this instance may poll right now. A stalled
// renewal stops counting as leadership once the local deadline passes.
func (c *Coordinator) IsLeader() bool {
	if c.State() != Leader {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.validUntil)
}

// Lease returns the lease as last observed.
func (c *Coordinator) Lease() model.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

// Changes delivers leadership transitions. Only the latest value is kept.
func (c *Coordinator) Changes() <-chan bool { return c.changes }

// TryAcquireOrRenew makes one acquisition or renewal attempt. Losing to
// another holder is not an error: it returns false, nil.
func (c *Coordinator) TryAcquireOrRenew(ctx context.Context, ttl time.Duration) (bool, error) {
	if c.State() != Leader {
		c.state.Store(int32(Acquiring))
	}

	start := c.now()
	l, held, err := c.repo.TryAcquireOrRenew(ctx, c.cfg.Name, c.cfg.Owner, ttl)
	if err != nil {
		c.set(false, model.Lease{}, time.Time{})
		return false, err
	}
	if !held {
		c.set(false, l, time.Time{})
		return false, nil
	}

	c.set(true, l, start.Add(ttl))
	return true, nil
}

func (c *Coordinator) set(leader bool, l model.Lease, validUntil time.Time) {
	c.mu.Lock()
	c.validUntil = validUntil
	if l.Owner != "" || !leader {
		c.lease = l
	}
	c.mu.Unlock()

	next := NotLeader
	if leader {
		next = Leader
	}
	prev := State(c.state.Swap(int32(next)))
	wasLeader := prev == Leader
	if wasLeader == leader {
		return
	}

	if leader {
		metrics.Leader.Set(1)
		c.log.Info("became poll-master", zap.Time("expires_at", l.ExpiresAt))
	} else {
		metrics.Leader.Set(0)
		c.log.Warn("lost poll-master lease")
	}
	c.notify(leader)
}

func (c *Coordinator) notify(leader bool) {
	for {
		select {
		case c.changes <- leader:
			return
		default:
		}
		select {
		case <-c.changes:
		default:
		}
	}
}

// Run keeps acquiring or renewing the lease until ctx ends, then releases
// it so another instance can take over without waiting for expiry.
func (c *Coordinator) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.release()
			return
		case <-timer.C:
		}

		held, err := c.TryAcquireOrRenew(ctx, c.cfg.TTL)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("lease attempt failed", zap.Error(err))
		}

		wait := c.cfg.RetryInterval
		if held {
			wait = c.cfg.RenewInterval
		}
		timer.Reset(wait)
	}
}

func (c *Coordinator) release() {
	wasLeader := c.State() == Leader
	c.set(false, model.Lease{}, time.Time{})
	if !wasLeader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.repo.Release(ctx, c.cfg.Name, c.cfg.Owner); err != nil {
		c.log.Warn("lease release failed, it will lapse", zap.Error(err))
		return
	}
	c.log.Info("lease released")
}
