// Package bus is the message bus boundary of the relay. A Sender delivers a
// batch of serialized messages to one destination and reports the batch as a
// whole: either every message was accepted or the call failed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
)

// Header names carried with every message.
const (
	HeaderMessageKey  = "message-key"
	HeaderMessageType = "message-type"
	HeaderPriority    = "priority"
	HeaderCreatedAt   = "created-at"
	HeaderAttempt     = "attempt"
)

var ErrCircuitOpen = errors.New("bus: circuit open")

// Message is one outbox row prepared for the bus.
type Message struct {
	ID        int64
	Key       string
	Type      string
	Priority  model.Priority
	Payload   []byte
	CreatedAt time.Time
	Attempt   int
}

func FromOutbox(m model.OutboxMessage) Message {
	return Message{
		ID:        m.ID,
		Key:       m.MessageKey,
		Type:      m.MessageType,
		Priority:  m.Priority,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
		Attempt:   m.AttemptCount + 1,
	}
}

// Headers returns the metadata consumers use to deduplicate and route.
func (m Message) Headers() map[string]string {
	return map[string]string{
		HeaderMessageKey:  m.Key,
		HeaderMessageType: m.Type,
		HeaderPriority:    m.Priority.String(),
		HeaderCreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		HeaderAttempt:     strconv.Itoa(m.Attempt),
	}
}

type Sender interface {
	Name() string
	Send(ctx context.Context, destination string, msgs []Message) error
}

// DeliveryError is a failed bus call. Every message of the call is
// considered undelivered.
type DeliveryError struct {
	Sender      string
	Destination string
	Count       int
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("bus %s: deliver %d message(s) to %q: %v", e.Sender, e.Count, e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func deliveryErr(sender, dest string, n int, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Sender: sender, Destination: dest, Count: n, Err: err}
}

// Router resolves the destination of a message type.
type Router struct {
	Topics  map[string]string
	Default string
}

func (r Router) Destination(messageType string) string {
	if t, ok := r.Topics[messageType]; ok && t != "" {
		return t
	}
	if r.Default != "" {
		return r.Default
	}
	return messageType
}
