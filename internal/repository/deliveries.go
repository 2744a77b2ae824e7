package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveryLogRepository appends delivery outcomes to ClickHouse and lists them.
type DeliveryLogRepository interface {
	Record(ctx context.Context, recs []model.DeliveryRecord) error
	List(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error)
}

type DeliveryFilter struct {
	Outcome     model.DeliveryOutcome
	MessageType string
	Limit       int
	Offset      int
}

type chDeliveryLog struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewDeliveryLogRepository(ch *sqlx.DB) DeliveryLogRepository {
	return &chDeliveryLog{ch: ch}
}

// chDeliveryRow mirrors outbox.deliveries with driver-native types.
type chDeliveryRow struct {
	MessageID   int64     `db:"message_id"`
	MessageKey  string    `db:"message_key"`
	MessageType string    `db:"message_type"`
	Priority    string    `db:"priority"`
	Destination string    `db:"destination"`
	Outcome     string    `db:"outcome"`
	Attempt     uint32    `db:"attempt"`
	Error       string    `db:"error"`
	Instance    string    `db:"instance"`
	At          time.Time `db:"at"`
}

// Record writes recs as one ClickHouse batch.
func (r *chDeliveryLog) Record(ctx context.Context, recs []model.DeliveryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outbox.deliveries
		    (message_id, message_key, message_type, priority, destination, outcome, attempt, error, instance, at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.MessageID, rec.MessageKey, rec.MessageType, rec.Priority.String(), rec.Destination,
			string(rec.Outcome), uint32(rec.Attempt), rec.Error, rec.Instance, rec.At,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chDeliveryLog) List(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT message_id, message_key, message_type, priority, destination, outcome, attempt, error, instance, at
		FROM outbox.deliveries
		WHERE 1 = 1
	`
	var args []any

	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	if f.MessageType != "" {
		q += " AND message_type = ?"
		args = append(args, f.MessageType)
	}

	q += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []chDeliveryRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	out := make([]model.DeliveryRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.DeliveryRecord{
			MessageID:   row.MessageID,
			MessageKey:  row.MessageKey,
			MessageType: row.MessageType,
			Priority:    model.Priority(row.Priority),
			Destination: row.Destination,
			Outcome:     model.DeliveryOutcome(row.Outcome),
			Attempt:     int(row.Attempt),
			Error:       row.Error,
			Instance:    row.Instance,
			At:          row.At,
		})
	}
	return out, nil
}
