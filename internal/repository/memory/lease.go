package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
)

var errNotFound = errors.New("not found")

// LeaseRepository keeps leases in a map guarded by a mutex.
type LeaseRepository struct {
	mu     sync.Mutex
	leases map[string]model.Lease
	now    func() time.Time
}

var _ repository.LeaseRepository = (*LeaseRepository)(nil)

func NewLeaseRepository(now func() time.Time) *LeaseRepository {
	if now == nil {
		now = time.Now
	}
	return &LeaseRepository{leases: make(map[string]model.Lease), now: now}
}

func (r *LeaseRepository) TryAcquireOrRenew(_ context.Context, name, owner string, ttl time.Duration) (model.Lease, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cur, ok := r.leases[name]
	held := ok && cur.ValidAt(now)
	if held && cur.Owner != owner {
		return cur, false, nil
	}

	next := model.Lease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if held {
		next.AcquiredAt = cur.AcquiredAt
	}
	r.leases[name] = next
	return next, true, nil
}

func (r *LeaseRepository) Release(_ context.Context, name, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.leases[name]; ok && cur.Owner == owner {
		delete(r.leases, name)
	}
	return nil
}

// Current returns the stored lease for name.
func (r *LeaseRepository) Current(name string) (model.Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[name]
	return l, ok
}
