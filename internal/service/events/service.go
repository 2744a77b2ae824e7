package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/metrics"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/jmehdipour/outbox-relay/internal/util"
	"github.com/jmoiron/sqlx"
)

var (
	ErrMissingInstance = errors.New("instance id is required")
	ErrMissingType     = errors.New("event type is required")
	ErrInvalidPriority = errors.New("invalid priority")
)

// Service records instance lifecycle changes. The instance row and its
// outbox message are written in one transaction.
type Service struct {
	db        *sqlx.DB
	instances repository.InstancesRepository
	outbox    repository.OutboxWriter
	now       func() time.Time
}

func New(db *sqlx.DB, instances repository.InstancesRepository, outbox repository.OutboxWriter) *Service {
	return &Service{db: db, instances: instances, outbox: outbox, now: time.Now}
}

// Record upserts the instance and enqueues the event for the relay.
func (s *Service) Record(ctx context.Context, ev model.InstanceEvent) (model.OutboxMessage, error) {
	if ev.InstanceID == "" {
		return model.OutboxMessage{}, ErrMissingInstance
	}
	if ev.Type == "" {
		return model.OutboxMessage{}, ErrMissingType
	}
	if ev.Priority == "" {
		ev.Priority = model.DefaultPriority(ev.Type)
	} else if !ev.Priority.Valid() {
		return model.OutboxMessage{}, fmt.Errorf("%w: %q", ErrInvalidPriority, ev.Priority)
	}

	payload, err := json.Marshal(model.Envelope{
		ID:         util.New(),
		Type:       ev.Type,
		InstanceID: ev.InstanceID,
		AppID:      ev.AppID,
		PartyID:    ev.PartyID,
		OccurredAt: s.now().UTC(),
		Data:       ev.Data,
	})
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.OutboxMessage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.instances.UpsertLifecycle(ctx, tx, ev); err != nil {
		return model.OutboxMessage{}, fmt.Errorf("upsert instance: %w", err)
	}

	msg, err := s.outbox.Enqueue(ctx, tx, model.NewOutboxMessage{
		Payload:     payload,
		MessageType: ev.Type,
		Priority:    ev.Priority,
	})
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("enqueue outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.OutboxMessage{}, err
	}

	metrics.MessagesTotal.WithLabelValues("enqueued", msg.Priority.String()).Inc()
	return msg, nil
}
