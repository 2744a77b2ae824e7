package model

import "time"

// Lease is the poll-master ownership token.
type Lease struct {
	Name       string    `db:"name"`
	Owner      string    `db:"owner"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// ValidAt reports whether the lease is still held at now.
func (l Lease) ValidAt(now time.Time) bool {
	return l.Owner != "" && now.Before(l.ExpiresAt)
}
