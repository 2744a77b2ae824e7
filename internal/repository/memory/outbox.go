// Package memory holds in-process stand-ins for the MySQL repositories. They
// follow the same lifecycle rules and are used by tests and local runs
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/jmehdipour/outbox-relay/internal/util"
)

type outboxTable struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.OutboxMessage
	now    func() time.Time
}

// OutboxStore is a view of a shared outbox table bound to one owner.
type OutboxStore struct {
	t           *outboxTable
	owner       string
	maxAttempts int
}

var (
	_ repository.OutboxStore = (*OutboxStore)(nil)
	_ repository.OutboxAdmin = (*OutboxStore)(nil)
)

// NewOutboxStore creates an empty table. now may be nil.
func NewOutboxStore(maxAttempts int, now func() time.Time) *OutboxStore {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if now == nil {
		now = time.Now
	}
	return &OutboxStore{
		t:           &outboxTable{rows: make(map[int64]*model.OutboxMessage), now: now},
		owner:       "memory",
		maxAttempts: maxAttempts,
	}
}

// WithOwner returns a view on the same table that claims as owner.
func (s *OutboxStore) WithOwner(owner string) *OutboxStore {
	return &OutboxStore{t: s.t, owner: owner, maxAttempts: s.maxAttempts}
}

// Enqueue appends a pending row.
func (s *OutboxStore) Enqueue(_ context.Context, msg model.NewOutboxMessage) (model.OutboxMessage, error) {
	if len(msg.Payload) == 0 {
		return model.OutboxMessage{}, repository.ErrEmptyPayload
	}
	if msg.MessageType == "" {
		return model.OutboxMessage{}, repository.ErrInvalidType
	}
	if !msg.Priority.Valid() {
		msg.Priority = model.DefaultPriority(msg.MessageType)
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	s.t.nextID++
	row := &model.OutboxMessage{
		ID:          s.t.nextID,
		MessageKey:  util.New(),
		Payload:     append([]byte(nil), msg.Payload...),
		MessageType: msg.MessageType,
		Priority:    msg.Priority,
		CreatedAt:   s.t.now(),
		Status:      model.OutboxPending,
	}
	s.t.rows[row.ID] = row
	return copyRow(row), nil
}

// Get returns a snapshot of one row.
func (s *OutboxStore) Get(id int64) (model.OutboxMessage, bool) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	row, ok := s.t.rows[id]
	if !ok {
		return model.OutboxMessage{}, false
	}
	return copyRow(row), true
}

// All returns snapshots of every row in id order.
func (s *OutboxStore) All() []model.OutboxMessage {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	out := make([]model.OutboxMessage, 0, len(s.t.rows))
	for _, row := range s.t.rows {
		out = append(out, copyRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *OutboxStore) ClaimBatch(_ context.Context, maxSize int, claimDuration time.Duration) ([]model.OutboxMessage, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	now := s.t.now()
	due := make([]*model.OutboxMessage, 0)
	for _, row := range s.t.rows {
		switch {
		case row.Status == model.OutboxPending:
			due = append(due, row)
		case row.Status == model.OutboxClaimed && row.ClaimedUntil != nil && row.ClaimedUntil.Before(now):
			due = append(due, row)
		}
	}
	sortRows(due)
	if len(due) > maxSize {
		due = due[:maxSize]
	}

	until := now.Add(claimDuration)
	out := make([]model.OutboxMessage, 0, len(due))
	for _, row := range due {
		owner := s.owner
		row.Status = model.OutboxClaimed
		row.ClaimedUntil = &until
		row.ClaimedBy = &owner
		out = append(out, copyRow(row))
	}
	return out, nil
}

func (s *OutboxStore) MarkSent(_ context.Context, ids []int64) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	now := s.t.now()
	for _, id := range ids {
		row, ok := s.t.rows[id]
		if !ok || !row.Status.CanTransitionTo(model.OutboxSent) {
			continue
		}
		if row.Status == model.OutboxClaimed && !s.owns(row) {
			continue
		}
		row.Status = model.OutboxSent
		row.SentAt = &now
		row.ClaimedUntil = nil
		row.ClaimedBy = nil
	}
	return nil
}

func (s *OutboxStore) MarkFailed(_ context.Context, id int64, reason string) (model.OutboxMessage, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	row, ok := s.t.rows[id]
	if !ok {
		return model.OutboxMessage{}, &repository.StoreError{Op: "mark failed", Err: errNotFound}
	}
	next := model.OutboxPending
	if row.AttemptCount+1 >= s.maxAttempts {
		next = model.OutboxFailed
	}
	if !s.owns(row) || !row.Status.CanTransitionTo(next) {
		return copyRow(row), nil
	}

	row.AttemptCount++
	row.Status = next
	row.LastError = &reason
	row.ClaimedUntil = nil
	row.ClaimedBy = nil
	return copyRow(row), nil
}

func (s *OutboxStore) ReapExpiredClaims(_ context.Context) ([]model.OutboxMessage, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	now := s.t.now()
	var expired []*model.OutboxMessage
	for _, row := range s.t.rows {
		if row.Status == model.OutboxClaimed && row.ClaimedUntil != nil && row.ClaimedUntil.Before(now) {
			expired = append(expired, row)
		}
	}
	sortRows(expired)

	out := make([]model.OutboxMessage, 0, len(expired))
	for _, row := range expired {
		row.Status = model.OutboxPending
		row.ClaimedUntil = nil
		row.ClaimedBy = nil
		out = append(out, copyRow(row))
	}
	return out, nil
}

func (s *OutboxStore) Release(_ context.Context, ids []int64) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	for _, id := range ids {
		row, ok := s.t.rows[id]
		if !ok || !s.owns(row) || !row.Status.CanTransitionTo(model.OutboxPending) {
			continue
		}
		row.Status = model.OutboxPending
		row.ClaimedUntil = nil
		row.ClaimedBy = nil
	}
	return nil
}

func (s *OutboxStore) Stats(_ context.Context) (model.OutboxStats, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	var st model.OutboxStats
	for _, row := range s.t.rows {
		switch row.Status {
		case model.OutboxPending:
			st.Pending++
		case model.OutboxClaimed:
			st.Claimed++
		case model.OutboxSent:
			st.Sent++
		case model.OutboxFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *OutboxStore) ListFailed(_ context.Context, limit, offset int) ([]model.OutboxMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var out []model.OutboxMessage
	for _, row := range s.All() {
		if row.Status == model.OutboxFailed {
			out = append(out, row)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OutboxStore) Requeue(_ context.Context, ids []int64) (int64, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	var n int64
	for _, id := range ids {
		row, ok := s.t.rows[id]
		if !ok || row.Status != model.OutboxFailed || !row.Status.CanTransitionTo(model.OutboxPending) {
			continue
		}
		row.Status = model.OutboxPending
		row.AttemptCount = 0
		row.LastError = nil
		n++
	}
	return n, nil
}

// owns reports whether row is currently claimed by this view's owner.
func (s *OutboxStore) owns(row *model.OutboxMessage) bool {
	return row.Status == model.OutboxClaimed && row.ClaimedBy != nil && *row.ClaimedBy == s.owner
}

func sortRows(rows []*model.OutboxMessage) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}

func copyRow(row *model.OutboxMessage) model.OutboxMessage {
	c := *row
	c.Payload = append([]byte(nil), row.Payload...)
	return c
}
