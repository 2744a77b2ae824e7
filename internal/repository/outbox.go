package repository

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/util"
	"github.com/jmoiron/sqlx"
)

// OutboxWriter is the single integration point of the business write path.
type OutboxWriter interface {
	// Enqueue inserts a pending row using tx, which must also carry the
	// business change that produced the event.
	Enqueue(ctx context.Context, tx *sqlx.Tx, msg model.NewOutboxMessage) (model.OutboxMessage, error)
}

// OutboxStore owns the message lifecycle used by the relay.
type OutboxStore interface {
	ClaimBatch(ctx context.Context, maxSize int, claimDuration time.Duration) ([]model.OutboxMessage, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, reason string) (model.OutboxMessage, error)
	ReapExpiredClaims(ctx context.Context) ([]model.OutboxMessage, error)
	Release(ctx context.Context, ids []int64) error
}

// OutboxAdmin is the operator surface.
type OutboxAdmin interface {
	Stats(ctx context.Context) (model.OutboxStats, error)
	ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxMessage, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
}

type OutboxRepository interface {
	OutboxWriter
	OutboxStore
	OutboxAdmin
}

// OutboxOptions tunes an OutboxRepositoryImpl.
type OutboxOptions struct {
	Owner               string // claimed_by value written by ClaimBatch
	MaxDeliveryAttempts int    // MarkFailed escalates to failed when attempt_count reaches it
}

// OutboxRepositoryImpl is a sqlx-backed implementation (MySQL 8, SKIP LOCKED).
type OutboxRepositoryImpl struct {
	db   *sqlx.DB
	opts OutboxOptions
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB, opts OutboxOptions) *OutboxRepositoryImpl {
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 5
	}
	return &OutboxRepositoryImpl{db: db, opts: opts}
}

const outboxColumns = `id, message_key, payload, message_type, priority, created_at, status,
		attempt_count, claimed_until, claimed_by, last_error, sent_at`

// inTx runs fn in a new transaction and commits when fn succeeds.
func (r *OutboxRepositoryImpl) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

// Enqueue adds a pending row to outbox inside the caller's transaction.
func (r *OutboxRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, msg model.NewOutboxMessage) (model.OutboxMessage, error) {
	if tx == nil {
		return model.OutboxMessage{}, ErrNoTransaction
	}
	if err := validateNew(&msg); err != nil {
		return model.OutboxMessage{}, err
	}

	const q = `
		INSERT INTO outbox (message_key, payload, message_type, priority, created_at, status, attempt_count)
		VALUES (?, ?, ?, ?, NOW(6), 'pending', 0)
	`
	res, err := tx.ExecContext(ctx, q, util.New(), msg.Payload, msg.MessageType, msg.Priority.String())
	if err != nil {
		return model.OutboxMessage{}, storeErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.OutboxMessage{}, storeErr("enqueue", err)
	}

	var out model.OutboxMessage
	if err := tx.GetContext(ctx, &out, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id); err != nil {
		return model.OutboxMessage{}, storeErr("enqueue", err)
	}
	return out, nil
}

func validateNew(msg *model.NewOutboxMessage) error {
	if len(msg.Payload) == 0 {
		return ErrEmptyPayload
	}
	if msg.MessageType == "" {
		return ErrInvalidType
	}
	if !msg.Priority.Valid() {
		msg.Priority = model.DefaultPriority(msg.MessageType)
	}
	return nil
}

// ClaimBatch locks up to maxSize due rows (pending, or claimed with an expired
// claim) in created_at order, skipping rows locked by a concurrent claimer.
func (r *OutboxRepositoryImpl) ClaimBatch(ctx context.Context, maxSize int, claimDuration time.Duration) ([]model.OutboxMessage, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	var out []model.OutboxMessage
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var ids []int64
		const pick = `
			SELECT id FROM outbox
			WHERE status = 'pending'
			   OR (status = 'claimed' AND claimed_until < NOW(6))
			ORDER BY created_at, id
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		`
		if err := tx.SelectContext(ctx, &ids, pick, maxSize); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		const base = `
			UPDATE outbox
			SET status = 'claimed', claimed_until = NOW(6) + INTERVAL ? MICROSECOND, claimed_by = ?
			WHERE id IN (?)
		`
		query, args, err := sqlx.In(base, claimDuration.Microseconds(), r.opts.Owner, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
			return err
		}

		query, args, err = sqlx.In(`SELECT `+outboxColumns+` FROM outbox WHERE id IN (?) ORDER BY created_at, id`, ids)
		if err != nil {
			return err
		}
		return tx.SelectContext(ctx, &out, r.db.Rebind(query), args...)
	})
	if err != nil {
		return nil, storeErr("claim batch", err)
	}
	return out, nil
}

// MarkSent is idempotent: rows already sent are left untouched. A row still
// claimed by another owner is left to that owner. Pending rows are accepted
// because a reaped row may have been delivered before its claim lapsed.
func (r *OutboxRepositoryImpl) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const base = `
		UPDATE outbox
		SET status = 'sent', sent_at = COALESCE(sent_at, NOW(6)), claimed_until = NULL, claimed_by = NULL
		WHERE id IN (?) AND (status = 'pending' OR (status = 'claimed' AND claimed_by = ?))
	`
	query, args, err := sqlx.In(base, ids, r.opts.Owner)
	if err != nil {
		return storeErr("mark sent", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return storeErr("mark sent", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. The row returns to pending
// until attempt_count reaches MaxDeliveryAttempts, then becomes failed.
// Rows that are not claimed by this owner are returned unchanged.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id int64, reason string) (model.OutboxMessage, error) {
	var out model.OutboxMessage
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &out, `SELECT `+outboxColumns+` FROM outbox WHERE id = ? FOR UPDATE`, id); err != nil {
			return err
		}
		if out.ClaimedBy == nil || *out.ClaimedBy != r.opts.Owner {
			return nil
		}
		next := model.OutboxPending
		if out.AttemptCount+1 >= r.opts.MaxDeliveryAttempts {
			next = model.OutboxFailed
		}
		if !out.Status.CanTransitionTo(next) {
			return nil
		}

		out.AttemptCount++
		out.Status = next
		out.LastError = &reason
		out.ClaimedUntil = nil
		out.ClaimedBy = nil

		_, err := tx.ExecContext(ctx, `
			UPDATE outbox
			SET status = ?, attempt_count = ?, last_error = ?, claimed_until = NULL, claimed_by = NULL
			WHERE id = ? AND status = 'claimed' AND claimed_by = ?
		`, out.Status.String(), out.AttemptCount, truncate(reason, 1024), id, r.opts.Owner)
		return err
	})
	if err != nil {
		return model.OutboxMessage{}, storeErr("mark failed", err)
	}
	return out, nil
}

// ReapExpiredClaims returns claimed rows whose claim has lapsed to pending.
func (r *OutboxRepositoryImpl) ReapExpiredClaims(ctx context.Context) ([]model.OutboxMessage, error) {
	var out []model.OutboxMessage
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		const pick = `
			SELECT ` + outboxColumns + ` FROM outbox
			WHERE status = 'claimed' AND claimed_until < NOW(6)
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
		`
		if err := tx.SelectContext(ctx, &out, pick); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`
			UPDATE outbox SET status = 'pending', claimed_until = NULL, claimed_by = NULL
			WHERE id IN (?)
		`, model.IDs(out))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.db.Rebind(query), args...)
		return err
	})
	if err != nil {
		return nil, storeErr("reap expired claims", err)
	}
	for i := range out {
		out[i].Status = model.OutboxPending
		out[i].ClaimedUntil = nil
		out[i].ClaimedBy = nil
	}
	return out, nil
}

// Release hands rows still claimed by this owner back to pending without
// counting a delivery attempt.
func (r *OutboxRepositoryImpl) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const base = `
		UPDATE outbox SET status = 'pending', claimed_until = NULL, claimed_by = NULL
		WHERE id IN (?) AND status = 'claimed' AND claimed_by = ?
	`
	query, args, err := sqlx.In(base, ids, r.opts.Owner)
	if err != nil {
		return storeErr("release", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return storeErr("release", err)
	}
	return nil
}

func (r *OutboxRepositoryImpl) Stats(ctx context.Context) (model.OutboxStats, error) {
	var st model.OutboxStats
	const q = `
		SELECT
			COALESCE(SUM(status = 'pending'), 0) AS pending,
			COALESCE(SUM(status = 'claimed'), 0) AS claimed,
			COALESCE(SUM(status = 'sent'), 0)    AS sent,
			COALESCE(SUM(status = 'failed'), 0)  AS failed
		FROM outbox
	`
	if err := r.db.GetContext(ctx, &st, q); err != nil {
		return model.OutboxStats{}, storeErr("stats", err)
	}
	return st, nil
}

func (r *OutboxRepositoryImpl) ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.OutboxMessage
	q := `SELECT ` + outboxColumns + ` FROM outbox WHERE status = 'failed' ORDER BY id LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &rows, q, limit, offset); err != nil {
		return nil, storeErr("list failed", err)
	}
	return rows, nil
}

// Requeue moves failed rows back to pending with a fresh attempt budget.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const base = `
		UPDATE outbox SET status = 'pending', attempt_count = 0, last_error = NULL
		WHERE id IN (?) AND status = 'failed'
	`
	query, args, err := sqlx.In(base, ids)
	if err != nil {
		return 0, storeErr("requeue", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, storeErr("requeue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("requeue", err)
	}
	return n, nil
}

// truncate cuts s to at most n characters, the limit of a VARCHAR(n) column.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
