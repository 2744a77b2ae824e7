package model

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in dispatch preference order.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityLow}

func (p Priority) String() string { return string(p) }

// ParsePriority normalizes input; empty => low.
// Returns (value, true) if valid; otherwise (low, false).
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return PriorityLow, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	default:
		return PriorityLow, false
	}
}

func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityHigh || p == PriorityLow
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxClaimed OutboxStatus = "claimed"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

func (s OutboxStatus) String() string { return string(s) }

func (s OutboxStatus) Valid() bool {
	return s == OutboxPending || s == OutboxClaimed || s == OutboxSent || s == OutboxFailed
}

// CanTransitionTo reports whether the store may move a row from s to next.
// Pending -> Sent covers a reaped row whose delivery had already succeeded.
// Failed -> Pending is reserved for operator requeue.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case OutboxPending:
		return next == OutboxClaimed || next == OutboxSent
	case OutboxClaimed:
		return next == OutboxClaimed || next == OutboxSent || next == OutboxPending || next == OutboxFailed
	case OutboxFailed:
		return next == OutboxPending
	default:
		return false
	}
}

// OutboxMessage is one row of the outbox table.
type OutboxMessage struct {
	ID           int64        `db:"id"           json:"id"`
	MessageKey   string       `db:"message_key"  json:"message_key"` // ULID, stable across redeliveries
	Payload      []byte       `db:"payload"      json:"payload"`
	MessageType  string       `db:"message_type" json:"message_type"`
	Priority     Priority     `db:"priority"     json:"priority"`
	CreatedAt    time.Time    `db:"created_at"   json:"created_at"`
	Status       OutboxStatus `db:"status"       json:"status"`
	AttemptCount int          `db:"attempt_count" json:"attempt_count"`
	ClaimedUntil *time.Time   `db:"claimed_until" json:"claimed_until,omitempty"`
	ClaimedBy    *string      `db:"claimed_by"   json:"claimed_by,omitempty"`
	LastError    *string      `db:"last_error"   json:"last_error,omitempty"`
	SentAt       *time.Time   `db:"sent_at"      json:"sent_at,omitempty"`
}

// NewOutboxMessage is the input of Enqueue.
type NewOutboxMessage struct {
	Payload     []byte
	MessageType string
	Priority    Priority
}

// OutboxStats is a status histogram of the outbox table.
type OutboxStats struct {
	Pending int64 `db:"pending" json:"pending"`
	Claimed int64 `db:"claimed" json:"claimed"`
	Sent    int64 `db:"sent"    json:"sent"`
	Failed  int64 `db:"failed"  json:"failed"`
}

// IDs returns the ids of msgs in order.
func IDs(msgs []OutboxMessage) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
