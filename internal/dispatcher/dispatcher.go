// Package dispatcher delivers flushed batches to the bus and records the
// outcome in the outbox. A bus call is all-or-nothing: on success every id
// of the call is marked sent, on failure every id is marked failed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/bus"
	"github.com/jmehdipour/outbox-relay/internal/metrics"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"go.uber.org/zap"
)

// PermanentFailure is a message that used up its delivery attempts and now
// sits in the failed state until an operator requeues it.
type PermanentFailure struct {
	Message model.OutboxMessage
	Reason  string
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("outbox message %d (%s) failed permanently after %d attempts: %s",
		e.Message.ID, e.Message.MessageType, e.Message.AttemptCount, e.Reason)
}

// DeliveryLog receives one record per message and outcome.
type DeliveryLog interface {
	Record(ctx context.Context, recs []model.DeliveryRecord) error
}

type Config struct {
	SendTimeout time.Duration
	Instance    string
}

type Dispatcher struct {
	store       repository.OutboxStore
	sender      bus.Sender
	router      bus.Router
	cfg         Config
	log         *zap.Logger
	deliveries  DeliveryLog
	onPermanent func(*PermanentFailure)
	now         func() time.Time
}

type Option func(*Dispatcher)

// WithDeliveryLog records every outcome. Recording is best effort.
func WithDeliveryLog(l DeliveryLog) Option { return func(d *Dispatcher) { d.deliveries = l } }

// WithPermanentFailureHook is called once per message that turns failed.
func WithPermanentFailureHook(fn func(*PermanentFailure)) Option {
	return func(d *Dispatcher) { d.onPermanent = fn }
}

func New(store repository.OutboxStore, sender bus.Sender, router bus.Router, cfg Config, log *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		store:  store,
		sender: sender,
		router: router,
		cfg:    cfg,
		log:    log.Named("dispatcher"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type group struct {
	destination string
	msgs        []model.OutboxMessage
}

// split groups msgs by destination, keeping first-seen order of both groups
// and messages.
func (d *Dispatcher) split(msgs []model.OutboxMessage) []group {
	var groups []group
	index := make(map[string]int)
	for _, m := range msgs {
		dest := d.router.Destination(m.MessageType)
		i, ok := index[dest]
		if !ok {
			i = len(groups)
			index[dest] = i
			groups = append(groups, group{destination: dest})
		}
		groups[i].msgs = append(groups[i].msgs, m)
	}
	return groups
}

// Dispatch delivers msgs, one bus call per destination. The returned error
// joins bus errors (*bus.DeliveryError, bus.ErrCircuitOpen) and store errors
// (*repository.StoreError) so callers can tell them apart with errors.As.
//
// Sends and store updates run detached from ctx cancellation: a batch that
// has started is finished, bounded by the send timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []model.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, g := range d.split(msgs) {
		if err := d.send(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, g group) error {
	priority := g.msgs[0].Priority.String()
	started := d.now()
	defer func() {
		metrics.DispatchSeconds.WithLabelValues(priority).Observe(time.Since(started).Seconds())
	}()

	out := make([]bus.Message, len(g.msgs))
	for i, m := range g.msgs {
		out[i] = bus.FromOutbox(m)
	}
	ids := model.IDs(g.msgs)

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.sender.Send(sendCtx, g.destination, out)
	cancel()

	switch {
	case err == nil:
		if err := d.store.MarkSent(ctx, ids); err != nil {
			metrics.BatchesTotal.WithLabelValues(priority, "store_error").Inc()
			d.log.Error("mark sent failed, rows will be redelivered after their claim expires",
				zap.String("destination", g.destination), zap.Int("count", len(ids)), zap.Error(err))
			return err
		}
		metrics.BatchesTotal.WithLabelValues(priority, "ok").Inc()
		d.countAll(g.msgs, "sent")
		d.record(ctx, g, model.DeliverySent, "")
		return nil

	case errors.Is(err, bus.ErrCircuitOpen):
		metrics.BatchesTotal.WithLabelValues(priority, "circuit_open").Inc()
		d.log.Warn("bus circuit open, releasing batch", zap.String("destination", g.destination), zap.Int("count", len(ids)))
		if rerr := d.store.Release(ctx, ids); rerr != nil {
			return errors.Join(err, rerr)
		}
		d.countAll(g.msgs, "released")
		d.record(ctx, g, model.DeliveryReleased, err.Error())
		return err
	}

	metrics.BatchesTotal.WithLabelValues(priority, "bus_error").Inc()
	d.log.Warn("bus delivery failed",
		zap.String("destination", g.destination), zap.Int("count", len(ids)), zap.Error(err))
	return errors.Join(err, d.fail(ctx, g, err.Error()))
}

// fail marks every message of the group failed one by one.
func (d *Dispatcher) fail(ctx context.Context, g group, reason string) error {
	var (
		errs []error
		recs []model.DeliveryRecord
	)
	for _, m := range g.msgs {
		row, err := d.store.MarkFailed(ctx, m.ID, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		outcome := model.DeliveryRetry
		if row.Status == model.OutboxFailed {
			outcome = model.DeliveryFailed
			d.permanent(&PermanentFailure{Message: row, Reason: reason})
		}
		metrics.MessagesTotal.WithLabelValues(string(outcome), m.Priority.String()).Inc()
		recs = append(recs, d.recordFor(row, g.destination, outcome, reason))
	}
	d.write(ctx, recs)
	return errors.Join(errs...)
}

func (d *Dispatcher) permanent(pf *PermanentFailure) {
	metrics.PermanentFailures.WithLabelValues(pf.Message.MessageType).Inc()
	d.log.Error("outbox message failed permanently",
		zap.Int64("id", pf.Message.ID),
		zap.String("message_key", pf.Message.MessageKey),
		zap.String("message_type", pf.Message.MessageType),
		zap.Int("attempts", pf.Message.AttemptCount),
		zap.String("reason", pf.Reason))
	if d.onPermanent != nil {
		d.onPermanent(pf)
	}
}

func (d *Dispatcher) countAll(msgs []model.OutboxMessage, stage string) {
	for _, m := range msgs {
		metrics.MessagesTotal.WithLabelValues(stage, m.Priority.String()).Inc()
	}
}

func (d *Dispatcher) record(ctx context.Context, g group, outcome model.DeliveryOutcome, reason string) {
	if d.deliveries == nil {
		return
	}
	recs := make([]model.DeliveryRecord, 0, len(g.msgs))
	for _, m := range g.msgs {
		rec := d.recordFor(m, g.destination, outcome, reason)
		rec.Attempt = m.AttemptCount + 1
		recs = append(recs, rec)
	}
	d.write(ctx, recs)
}

func (d *Dispatcher) recordFor(m model.OutboxMessage, dest string, outcome model.DeliveryOutcome, reason string) model.DeliveryRecord {
	return model.DeliveryRecord{
		MessageID:   m.ID,
		MessageKey:  m.MessageKey,
		MessageType: m.MessageType,
		Priority:    m.Priority,
		Destination: dest,
		Outcome:     outcome,
		Attempt:     m.AttemptCount,
		Error:       reason,
		Instance:    d.cfg.Instance,
		At:          d.now().UTC(),
	}
}

func (d *Dispatcher) write(ctx context.Context, recs []model.DeliveryRecord) {
	if d.deliveries == nil || len(recs) == 0 {
		return
	}
	if err := d.deliveries.Record(ctx, recs); err != nil {
		d.log.Warn("delivery log write failed", zap.Int("count", len(recs)), zap.Error(err))
	}
}
