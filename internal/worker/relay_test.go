package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/batcher"
	"github.com/jmehdipour/outbox-relay/internal/lease"
	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// recordingDispatcher marks batches sent and remembers which relay sent what.
type recordingDispatcher struct {
	relay string
	store *memory.OutboxStore
	seen  *sync.Map // message id -> relay
	mu    *sync.Mutex
	order map[model.Priority][]int64
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msgs []model.OutboxMessage) error {
	d.mu.Lock()
	for _, m := range msgs {
		d.order[m.Priority] = append(d.order[m.Priority], m.ID)
	}
	d.mu.Unlock()
	for _, m := range msgs {
		d.seen.Store(m.ID, d.relay)
	}
	return d.store.MarkSent(ctx, model.IDs(msgs))
}

type relayHarness struct {
	table  *memory.OutboxStore
	leases *memory.LeaseRepository
	seen   sync.Map
	mu     sync.Mutex
	order  map[model.Priority][]int64
}

func newHarness() *relayHarness {
	return &relayHarness{
		table:  memory.NewOutboxStore(5, nil),
		leases: memory.NewLeaseRepository(nil),
		order:  make(map[model.Priority][]int64),
	}
}

func (h *relayHarness) start(t *testing.T, name string) context.CancelFunc {
	t.Helper()
	coord, err := lease.NewCoordinator(h.leases, lease.Config{
		Name:          "poll-master",
		Owner:         name,
		TTL:           300 * time.Millisecond,
		RetryInterval: 30 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	store := h.table.WithOwner(name)
	disp := &recordingDispatcher{relay: name, store: store, seen: &h.seen, mu: &h.mu, order: h.order}
	r := NewRelay(coord, store, disp, RelayConfig{
		Poller: PollerConfig{
			MaxSize:       10,
			ClaimDuration: time.Minute,
			IdleTime:      5 * time.Millisecond,
			ErrorDelay:    20 * time.Millisecond,
			ReapInterval:  time.Second,
		},
		Batcher: batcher.Config{
			Delays: map[model.Priority]time.Duration{
				model.PriorityHigh: 5 * time.Millisecond,
				model.PriorityLow:  20 * time.Millisecond,
			},
			MaxBatchSize: 8,
		},
		CheckInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func (h *relayHarness) waitAllSent(t *testing.T, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := h.table.Stats(context.Background())
		return err == nil && stats.Sent == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_DeliversEverythingOnce(t *testing.T) {
	h := newHarness()
	h.start(t, "relay-a")
	h.start(t, "relay-b")

	var all []model.OutboxMessage
	for _, p := range model.Priorities {
		all = append(all, enqueue(t, h.table, 30, p)...)
	}
	h.waitAllSent(t, int64(len(all)))

	relays := map[string]int{}
	for _, m := range all {
		v, ok := h.seen.Load(m.ID)
		require.True(t, ok, "message %d never dispatched", m.ID)
		relays[v.(string)]++
	}
	assert.Len(t, relays, 1, "only the poll-master dispatches")

	h.mu.Lock()
	defer h.mu.Unlock()
	for p, ids := range h.order {
		assert.IsIncreasing(t, ids, "priority %s dispatched out of order", p)
	}
}

func TestRelay_FailoverOnShutdown(t *testing.T) {
	h := newHarness()
	stopA := h.start(t, "relay-a")

	first := enqueue(t, h.table, 20, model.PriorityHigh)
	h.waitAllSent(t, int64(len(first)))

	h.start(t, "relay-b")
	stopA()

	second := enqueue(t, h.table, 20, model.PriorityLow)
	h.waitAllSent(t, int64(len(first)+len(second)))

	for _, m := range second {
		v, _ := h.seen.Load(m.ID)
		assert.Equal(t, "relay-b", v)
	}
	cur, ok := h.leases.Current("poll-master")
	require.True(t, ok)
	assert.Equal(t, "relay-b", cur.Owner)

	stats, err := h.table.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Zero(t, stats.Pending)
}

// failingDispatcher fails every batch and moves the clock past the claims of
// the batches queued behind it, like a lane stuck in backoff would.
type failingDispatcher struct {
	advance func()
	got     [][]int64
}

func (d *failingDispatcher) Dispatch(_ context.Context, msgs []model.OutboxMessage) error {
	d.got = append(d.got, model.IDs(msgs))
	d.advance()
	return errors.New("bus down")
}

func TestRelay_LaneDropsClaimsThatExpiredInBackoff(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)

	table := memory.NewOutboxStore(5, clock)
	enqueue(t, table, 4, model.PriorityLow)
	store := table.WithOwner("relay-a")
	claimed, err := store.ClaimBatch(ctx, 4, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	disp := &failingDispatcher{advance: func() {
		mu.Lock()
		now = now.Add(295 * time.Millisecond)
		mu.Unlock()
	}}
	r := NewRelay(nil, store, disp, RelayConfig{
		Poller:      PollerConfig{ErrorDelay: time.Millisecond},
		MaxBackoff:  time.Millisecond,
		ClaimMargin: 10 * time.Millisecond,
	}, zap.New(core))
	r.now = clock

	in := make(chan batcher.Batch, 4)
	for _, m := range claimed {
		in <- batcher.Batch{Priority: model.PriorityLow, Messages: []model.OutboxMessage{m}}
	}
	close(in)
	r.lane(ctx, model.PriorityLow, in)

	// the first send ate 295ms of the 300ms claim, the rest would have
	// been sent with less claim left than the margin
	assert.Equal(t, [][]int64{{claimed[0].ID}}, disp.got)
	stats, err := table.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Claimed, "dropped rows are not released")

	dropped := logs.FilterMessageSnippet("claims expired").All()
	require.Len(t, dropped, 3)
	assert.Equal(t, "relay", dropped[0].LoggerName)

	// once the claims lapse every row comes back exactly once
	mu.Lock()
	now = now.Add(10 * time.Millisecond)
	mu.Unlock()
	again, err := table.WithOwner("relay-b").ClaimBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.IDs(claimed), model.IDs(again))
}
