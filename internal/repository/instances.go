package repository

import (
	"context"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// InstancesRepository persists the last lifecycle state of an instance.
type InstancesRepository interface {
	UpsertLifecycle(ctx context.Context, tx *sqlx.Tx, ev model.InstanceEvent) error
}

type InstancesRepositoryImpl struct {
	db *sqlx.DB
}

func NewInstancesRepository(db *sqlx.DB) *InstancesRepositoryImpl {
	return &InstancesRepositoryImpl{db: db}
}

// UpsertLifecycle records ev as the latest event of its instance. It runs in
// tx so the outbox row written next commits or rolls back with it.
func (r *InstancesRepositoryImpl) UpsertLifecycle(ctx context.Context, tx *sqlx.Tx, ev model.InstanceEvent) error {
	if tx == nil {
		return ErrNoTransaction
	}
	const q = `
		INSERT INTO instances (id, app_id, party_id, last_event, last_event_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(6), NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE
		    last_event    = VALUES(last_event),
		    last_event_at = VALUES(last_event_at),
		    updated_at    = VALUES(updated_at)
	`
	_, err := tx.ExecContext(ctx, q, ev.InstanceID, ev.AppID, ev.PartyID, ev.Type)
	return storeErr("upsert instance", err)
}
