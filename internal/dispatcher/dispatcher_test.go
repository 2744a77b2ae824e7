package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jmehdipour/outbox-relay/internal/bus"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/jmehdipour/outbox-relay/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	destination string
	keys        []string
}

type fakeSender struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, destination string, msgs []bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := call{destination: destination}
	for _, m := range msgs {
		c.keys = append(c.keys, m.Key)
	}
	s.calls = append(s.calls, c)
	return s.err
}

type fakeLog struct {
	recs []model.DeliveryRecord
}

func (l *fakeLog) Record(_ context.Context, recs []model.DeliveryRecord) error {
	l.recs = append(l.recs, recs...)
	return nil
}

var router = bus.Router{
	Topics:  map[string]string{model.EventDialogportenSync: "dialog-sync"},
	Default: "instance-events",
}

func claimed(t *testing.T, store *memory.OutboxStore, types ...string) []model.OutboxMessage {
	t.Helper()
	ctx := context.Background()
	for i, typ := range types {
		_, err := store.Enqueue(ctx, model.NewOutboxMessage{
			Payload:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
			MessageType: typ,
			Priority:    model.PriorityHigh,
		})
		require.NoError(t, err)
	}
	msgs, err := store.ClaimBatch(ctx, len(types), time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, len(types))
	return msgs
}

func statuses(store *memory.OutboxStore, msgs []model.OutboxMessage) []model.OutboxStatus {
	out := make([]model.OutboxStatus, 0, len(msgs))
	for _, m := range msgs {
		row, _ := store.Get(m.ID)
		out = append(out, row.Status)
	}
	return out
}

func TestDispatch_SplitsByDestinationAndMarksSent(t *testing.T) {
	store := memory.NewOutboxStore(3, nil)
	msgs := claimed(t, store, model.EventInstanceUpdate, model.EventDialogportenSync, model.EventInstanceUpdate)
	sender := &fakeSender{}
	log := &fakeLog{}
	d := New(store, sender, router, Config{Instance: "relay-1"}, nil, WithDeliveryLog(log))

	require.NoError(t, d.Dispatch(context.Background(), msgs))

	require.Len(t, sender.calls, 2)
	assert.Equal(t, "instance-events", sender.calls[0].destination)
	assert.Equal(t, []string{msgs[0].MessageKey, msgs[2].MessageKey}, sender.calls[0].keys)
	assert.Equal(t, "dialog-sync", sender.calls[1].destination)

	assert.Equal(t, []model.OutboxStatus{model.OutboxSent, model.OutboxSent, model.OutboxSent}, statuses(store, msgs))
	require.Len(t, log.recs, 3)
	assert.Equal(t, model.DeliverySent, log.recs[0].Outcome)
	assert.Equal(t, 1, log.recs[0].Attempt)
	assert.Equal(t, "relay-1", log.recs[0].Instance)
}

func TestDispatch_BusFailureRequeuesWholeBatch(t *testing.T) {
	store := memory.NewOutboxStore(3, nil)
	msgs := claimed(t, store, model.EventInstanceUpdate, model.EventInstanceUpdate)
	sender := &fakeSender{err: errors.New("broker unavailable")}
	d := New(store, bus.NewBreakerSender(sender, bus.NewMicroBreaker(10, time.Minute)), router, Config{}, nil)

	err := d.Dispatch(context.Background(), msgs)
	require.Error(t, err)
	assert.False(t, repository.IsStoreError(err))

	assert.Equal(t, []model.OutboxStatus{model.OutboxPending, model.OutboxPending}, statuses(store, msgs))
	for _, m := range msgs {
		row, _ := store.Get(m.ID)
		assert.Equal(t, 1, row.AttemptCount)
		require.NotNil(t, row.LastError)
		assert.Equal(t, "broker unavailable", *row.LastError)
	}
}

func TestDispatch_EscalatesToPermanentFailure(t *testing.T) {
	store := memory.NewOutboxStore(2, nil)
	msgs := claimed(t, store, model.EventInstanceUpdate)
	sender := &fakeSender{err: errors.New("rejected")}

	var permanent []*PermanentFailure
	d := New(store, sender, router, Config{}, nil, WithPermanentFailureHook(func(pf *PermanentFailure) {
		permanent = append(permanent, pf)
	}))

	require.Error(t, d.Dispatch(context.Background(), msgs))
	assert.Empty(t, permanent)

	again, err := store.ClaimBatch(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Error(t, d.Dispatch(context.Background(), again))

	require.Len(t, permanent, 1)
	assert.Equal(t, msgs[0].ID, permanent[0].Message.ID)
	assert.Equal(t, 2, permanent[0].Message.AttemptCount)
	assert.Contains(t, permanent[0].Error(), "failed permanently")
	assert.Equal(t, []model.OutboxStatus{model.OutboxFailed}, statuses(store, msgs))

	// a failed row is never claimed again
	rest, err := store.ClaimBatch(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestDispatch_CircuitOpenReleasesWithoutAttempt(t *testing.T) {
	store := memory.NewOutboxStore(3, nil)
	msgs := claimed(t, store, model.EventInstanceUpdate)
	br := bus.NewMicroBreaker(1, time.Hour)
	br.OnFailure()

	d := New(store, bus.NewBreakerSender(&fakeSender{}, br), router, Config{}, nil)
	err := d.Dispatch(context.Background(), msgs)
	assert.ErrorIs(t, err, bus.ErrCircuitOpen)

	row, _ := store.Get(msgs[0].ID)
	assert.Equal(t, model.OutboxPending, row.Status)
	assert.Zero(t, row.AttemptCount)
}

type brokenStore struct {
	repository.OutboxStore
}

func (brokenStore) MarkSent(context.Context, []int64) error {
	return &repository.StoreError{Op: "mark sent", Err: errors.New("deadlock found")}
}

func TestDispatch_StoreErrorIsDistinct(t *testing.T) {
	store := memory.NewOutboxStore(3, nil)
	msgs := claimed(t, store, model.EventInstanceUpdate)
	d := New(brokenStore{store}, &fakeSender{}, router, Config{}, nil)

	err := d.Dispatch(context.Background(), msgs)
	require.Error(t, err)
	assert.True(t, repository.IsStoreError(err))
	var de *bus.DeliveryError
	assert.False(t, errors.As(err, &de))
}

func TestDispatch_FinishesAfterCallerCancels(t *testing.T) {
	store := memory.NewOutboxStore(3, nil)
	msgs := claimed(t, store, model.EventInstanceUpdate)
	d := New(store, &fakeSender{}, router, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Dispatch(ctx, msgs))
	assert.Equal(t, []model.OutboxStatus{model.OutboxSent}, statuses(store, msgs))
}

func TestDispatch_WatermillEndToEnd(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := pubSub.Subscribe(ctx, "instance-events")
	require.NoError(t, err)

	store := memory.NewOutboxStore(3, nil)
	msgs := claimed(t, store, model.EventInstanceCreated, model.EventInstanceUpdate)
	d := New(store, bus.NewPublisherSender("gochannel", pubSub), router, Config{}, nil)
	require.NoError(t, d.Dispatch(ctx, msgs))

	for _, m := range msgs {
		select {
		case got := <-sub:
			assert.Equal(t, m.MessageKey, got.Metadata.Get(bus.HeaderMessageKey))
			assert.Equal(t, m.MessageType, got.Metadata.Get(bus.HeaderMessageType))
			assert.JSONEq(t, string(m.Payload), string(got.Payload))
			got.Ack()
		case <-ctx.Done():
			t.Fatal("message not published")
		}
	}
}
