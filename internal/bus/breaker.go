package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type MicroBreaker struct {
	mu               sync.Mutex
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
	now              func() time.Time
}

func NewMicroBreaker(threshold int, openFor time.Duration) *MicroBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	return &MicroBreaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

func (b *MicroBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}

func (b *MicroBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		return true
	case open:
		if b.now().After(b.nextTryAt) && !b.probeInFlight {
			b.st = halfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case halfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *MicroBreaker) OnFailure() {
	b.mu.Lock()
	if b.st == halfOpen {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
		b.probeInFlight = false
		b.mu.Unlock()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
	}

	b.mu.Unlock()
}

// OnAbort gives back a probe slot without judging the call.
func (b *MicroBreaker) OnAbort() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// BreakerSender guards a Sender with a MicroBreaker. While the breaker is
// open Send returns ErrCircuitOpen without calling the bus.
type BreakerSender struct {
	next Sender
	br   *MicroBreaker
}

func NewBreakerSender(next Sender, br *MicroBreaker) *BreakerSender {
	return &BreakerSender{next: next, br: br}
}

func (s *BreakerSender) Name() string { return s.next.Name() }

func (s *BreakerSender) Send(ctx context.Context, destination string, msgs []Message) error {
	if !s.br.TryAcquire() {
		return ErrCircuitOpen
	}
	if err := s.next.Send(ctx, destination, msgs); err != nil {
		// a cancelled caller says nothing about the bus; a timeout does
		if errors.Is(ctx.Err(), context.Canceled) {
			s.br.OnAbort()
		} else {
			s.br.OnFailure()
		}
		return err
	}
	s.br.OnSuccess()
	return nil
}
