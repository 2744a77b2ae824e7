// Package batcher groups claimed outbox messages into per-priority batches.
// Each priority tier has its own delay and its own output lane, so a slow
// low-priority lane never holds back urgent batches. Order within a tier is
// the order messages were added.
package batcher

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
)

var ErrStopped = errors.New("batcher: stopped")

type Config struct {
	// Delays is how long a tier's open batch may wait before it is flushed.
	// Zero flushes on every add.
	Delays       map[model.Priority]time.Duration
	MaxBatchSize int
	// MaxPending bounds messages held in open buckets and ready queues; Add
	// blocks beyond it.
	MaxPending int
}

type Batch struct {
	Priority model.Priority
	OpenedAt time.Time
	Messages []model.OutboxMessage
}

type bucket struct {
	openedAt time.Time
	msgs     []model.OutboxMessage
}

type lane struct {
	delay time.Duration
	open  bucket
	ready []Batch
	out   chan Batch
}

type Batcher struct {
	cfg   Config
	in    chan []model.OutboxMessage
	lanes [3]*lane
	now   func() time.Time
	done  chan struct{}

	pending  int
	leftover []model.OutboxMessage
}

func New(cfg Config) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10 * cfg.MaxBatchSize * len(model.Priorities)
	}
	b := &Batcher{
		cfg:  cfg,
		in:   make(chan []model.OutboxMessage),
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, p := range model.Priorities {
		b.lanes[laneIndex(p)] = &lane{delay: cfg.Delays[p], out: make(chan Batch)}
	}
	return b
}

func laneIndex(p model.Priority) int {
	switch p {
	case model.PriorityUrgent:
		return 0
	case model.PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Out is the lane for priority p. It is closed when Run returns.
func (b *Batcher) Out(p model.Priority) <-chan Batch {
	return b.lanes[laneIndex(p)].out
}

// Add hands msgs to the batcher. It blocks while the batcher is at capacity.
func (b *Batcher) Add(ctx context.Context, msgs []model.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	select {
	case b.in <- msgs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
}

// Unflushed returns the messages that never reached a lane. Valid once Run
// has returned.
func (b *Batcher) Unflushed() []model.OutboxMessage {
	<-b.done
	return b.leftover
}

// Run is the single scheduling loop. It owns all bucket state.
func (b *Batcher) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	defer b.shutdown()

	for {
		var timerC <-chan time.Time
		if next, ok := b.nextDeadline(); ok {
			timer.Reset(max(next.Sub(b.now()), 0))
			timerC = timer.C
		}

		in := b.in
		if b.pending >= b.cfg.MaxPending {
			in = nil
		}

		var outs [3]chan Batch
		var heads [3]Batch
		for i, l := range b.lanes {
			if len(l.ready) > 0 {
				outs[i] = l.out
				heads[i] = l.ready[0]
			}
		}

		select {
		case <-ctx.Done():
			return
		case msgs := <-in:
			b.add(msgs)
		case <-timerC:
		case outs[0] <- heads[0]:
			b.pop(0)
		case outs[1] <- heads[1]:
			b.pop(1)
		case outs[2] <- heads[2]:
			b.pop(2)
		}
		timer.Stop()

		b.flushDue(b.now())
	}
}

func (b *Batcher) add(msgs []model.OutboxMessage) {
	now := b.now()
	for _, m := range msgs {
		l := b.lanes[laneIndex(m.Priority)]
		if len(l.open.msgs) == 0 {
			l.open.openedAt = now
		}
		l.open.msgs = append(l.open.msgs, m)
		b.pending++
		if len(l.open.msgs) >= b.cfg.MaxBatchSize {
			b.cut(l, m.Priority)
		}
	}
}

func (b *Batcher) flushDue(now time.Time) {
	for _, p := range model.Priorities {
		l := b.lanes[laneIndex(p)]
		if len(l.open.msgs) > 0 && !now.Before(l.open.openedAt.Add(l.delay)) {
			b.cut(l, p)
		}
	}
}

func (b *Batcher) cut(l *lane, p model.Priority) {
	l.ready = append(l.ready, Batch{Priority: p, OpenedAt: l.open.openedAt, Messages: l.open.msgs})
	l.open = bucket{}
}

func (b *Batcher) pop(i int) {
	l := b.lanes[i]
	b.pending -= len(l.ready[0].Messages)
	l.ready[0] = Batch{}
	l.ready = l.ready[1:]
}

func (b *Batcher) nextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, l := range b.lanes {
		if len(l.open.msgs) == 0 {
			continue
		}
		d := l.open.openedAt.Add(l.delay)
		if !found || d.Before(next) {
			next, found = d, true
		}
	}
	return next, found
}

func (b *Batcher) shutdown() {
	for _, l := range b.lanes {
		for _, batch := range l.ready {
			b.leftover = append(b.leftover, batch.Messages...)
		}
		b.leftover = append(b.leftover, l.open.msgs...)
		l.ready, l.open = nil, bucket{}
		close(l.out)
	}
	b.pending = 0
	close(b.done)
}
