package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, n int) (*OutboxStore, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewOutboxStore(3, c.Now)
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(context.Background(), model.NewOutboxMessage{Payload: []byte(`{}`), MessageType: model.EventInstanceUpdate})
		require.NoError(t, err)
		c.Advance(time.Millisecond)
	}
	return s, c
}

func TestOutboxStore_Enqueue(t *testing.T) {
	s, _ := newStore(t, 0)
	ctx := context.Background()

	m, err := s.Enqueue(ctx, model.NewOutboxMessage{Payload: []byte(`{}`), MessageType: model.EventInstanceDeleted})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityUrgent, m.Priority)
	assert.Equal(t, model.OutboxPending, m.Status)
	assert.NotEmpty(t, m.MessageKey)

	_, err = s.Enqueue(ctx, model.NewOutboxMessage{MessageType: "x"})
	assert.ErrorIs(t, err, repository.ErrEmptyPayload)
}

func TestOutboxStore_ClaimBatchZero(t *testing.T) {
	s, _ := newStore(t, 2)
	msgs, err := s.ClaimBatch(context.Background(), 0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	stats, _ := s.Stats(context.Background())
	assert.Equal(t, model.OutboxStats{Pending: 2}, stats)
}

func TestOutboxStore_ClaimIsExclusiveUntilExpiry(t *testing.T) {
	s, c := newStore(t, 3)
	ctx := context.Background()
	a, b := s.WithOwner("relay-a"), s.WithOwner("relay-b")

	first, err := a.ClaimBatch(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := b.ClaimBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotContains(t, model.IDs(first), second[0].ID)

	c.Advance(2 * time.Minute)
	again, err := b.ClaimBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, again, 3, "expired claims are due again")
}

func TestOutboxStore_MarkSentIdempotent(t *testing.T) {
	s, _ := newStore(t, 1)
	ctx := context.Background()
	msgs, _ := s.ClaimBatch(ctx, 1, time.Minute)

	require.NoError(t, s.MarkSent(ctx, model.IDs(msgs)))
	first, _ := s.Get(msgs[0].ID)
	require.NoError(t, s.MarkSent(ctx, model.IDs(msgs)))
	second, _ := s.Get(msgs[0].ID)

	assert.Equal(t, model.OutboxSent, second.Status)
	assert.Equal(t, first.SentAt, second.SentAt)
}

func TestOutboxStore_MarkFailedEscalation(t *testing.T) {
	s, _ := newStore(t, 1)
	ctx := context.Background()

	var row model.OutboxMessage
	for attempt := 1; attempt <= 3; attempt++ {
		msgs, err := s.ClaimBatch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		row, err = s.MarkFailed(ctx, msgs[0].ID, "nope")
		require.NoError(t, err)
		assert.Equal(t, attempt, row.AttemptCount)
	}
	assert.Equal(t, model.OutboxFailed, row.Status)

	failed, err := s.ListFailed(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{row.ID}, model.IDs(failed))

	n, err := s.Requeue(ctx, []int64{row.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	back, _ := s.Get(row.ID)
	assert.Equal(t, model.OutboxPending, back.Status)
	assert.Zero(t, back.AttemptCount)
}

func TestOutboxStore_ReapByAnotherOwner(t *testing.T) {
	s, c := newStore(t, 4)
	ctx := context.Background()

	a := s.WithOwner("relay-a")
	msgs, _ := a.ClaimBatch(ctx, 4, time.Minute)
	require.NoError(t, a.MarkSent(ctx, []int64{msgs[1].ID}))

	reaped, err := s.WithOwner("relay-b").ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped, "claims still valid")

	c.Advance(61 * time.Second)
	reaped, err = s.WithOwner("relay-b").ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{msgs[0].ID, msgs[2].ID, msgs[3].ID}, model.IDs(reaped))
	for _, r := range reaped {
		assert.Equal(t, model.OutboxPending, r.Status)
	}
}

func TestOutboxStore_ReleaseOnlyOwnClaims(t *testing.T) {
	s, _ := newStore(t, 2)
	ctx := context.Background()
	msgs, _ := s.WithOwner("relay-a").ClaimBatch(ctx, 2, time.Minute)

	require.NoError(t, s.WithOwner("relay-b").Release(ctx, model.IDs(msgs)))
	stats, _ := s.Stats(ctx)
	assert.Equal(t, int64(2), stats.Claimed)

	require.NoError(t, s.WithOwner("relay-a").Release(ctx, model.IDs(msgs)))
	stats, _ = s.Stats(ctx)
	assert.Equal(t, int64(2), stats.Pending)
	row, _ := s.Get(msgs[0].ID)
	assert.Zero(t, row.AttemptCount, "release does not count an attempt")
}

func TestOutboxStore_FormerOwnerCannotTouchTakenOverRows(t *testing.T) {
	s, c := newStore(t, 2)
	ctx := context.Background()
	a, b := s.WithOwner("relay-a"), s.WithOwner("relay-b")

	first, err := a.ClaimBatch(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 2)

	c.Advance(2 * time.Second)
	taken, err := b.ClaimBatch(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Equal(t, model.IDs(first), model.IDs(taken))

	row, err := a.MarkFailed(ctx, first[0].ID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxClaimed, row.Status)
	assert.Zero(t, row.AttemptCount)
	require.NotNil(t, row.ClaimedBy)
	assert.Equal(t, "relay-b", *row.ClaimedBy)

	require.NoError(t, a.MarkSent(ctx, []int64{first[1].ID}))
	row, _ = s.Get(first[1].ID)
	assert.Equal(t, model.OutboxClaimed, row.Status)

	again, err := b.ClaimBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "rows held by relay-b are not due")

	require.NoError(t, b.MarkSent(ctx, model.IDs(taken)))
	stats, _ := s.Stats(ctx)
	assert.Equal(t, model.OutboxStats{Sent: 2}, stats)
}
