package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// LeaseRepository persists the poll-master lease.
type LeaseRepository interface {
	// TryAcquireOrRenew grants or extends the lease for owner when there is no
	// lease, the lease expired, or owner already holds it. It returns the lease
	// as stored after the attempt and whether owner holds it.
	TryAcquireOrRenew(ctx context.Context, name, owner string, ttl time.Duration) (model.Lease, bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, name, owner string) error
}

// MySQLLeaseRepository keeps one row per lease name in outbox_leases.
type MySQLLeaseRepository struct {
	db *sqlx.DB
}

func NewLeaseRepository(db *sqlx.DB) *MySQLLeaseRepository {
	return &MySQLLeaseRepository{db: db}
}

type leaseRow struct {
	model.Lease
	Now time.Time `db:"now"`
}

// TryAcquireOrRenew serializes competing instances on the lease row lock and
// decides with the database clock, so instance clock skew does not matter.
func (r *MySQLLeaseRepository) TryAcquireOrRenew(ctx context.Context, name, owner string, ttl time.Duration) (model.Lease, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Lease{}, false, storeErr("lease begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	// make sure the row exists so FOR UPDATE has something to lock
	if _, err := tx.ExecContext(ctx, `
		INSERT IGNORE INTO outbox_leases (name, owner, acquired_at, expires_at)
		VALUES (?, '', NOW(6), '1970-01-02 00:00:00')
	`, name); err != nil {
		return model.Lease{}, false, storeErr("lease seed", err)
	}

	var cur leaseRow
	if err := tx.GetContext(ctx, &cur, `
		SELECT name, owner, acquired_at, expires_at, NOW(6) AS now
		FROM outbox_leases
		WHERE name = ?
		FOR UPDATE
	`, name); err != nil {
		return model.Lease{}, false, storeErr("lease read", err)
	}

	held := cur.Lease.ValidAt(cur.Now)
	if held && cur.Owner != owner {
		return cur.Lease, false, nil
	}

	next := model.Lease{
		Name:       name,
		Owner:      owner,
		AcquiredAt: cur.Now,
		ExpiresAt:  cur.Now.Add(ttl),
	}
	if held {
		next.AcquiredAt = cur.AcquiredAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox_leases SET owner = ?, acquired_at = ?, expires_at = ?
		WHERE name = ?
	`, next.Owner, next.AcquiredAt, next.ExpiresAt, name); err != nil {
		return model.Lease{}, false, storeErr("lease write", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Lease{}, false, storeErr("lease commit", err)
	}
	return next, true, nil
}

func (r *MySQLLeaseRepository) Release(ctx context.Context, name, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_leases SET owner = '', expires_at = NOW(6)
		WHERE name = ? AND owner = ?
	`, name, owner)
	return storeErr("lease release", err)
}
