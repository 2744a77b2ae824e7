package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	BatchTimeout time.Duration // default 10ms; the relay batches itself
	WriteTimeout time.Duration // default 10s
	RequiredAcks int           // -1 all (default), 0 none, 1 leader
	MaxAttempts  int           // default 3
}

// Producer is a thin wrapper around segmentio/kafka-go Writer. The writer has
// no fixed topic, every message carries its own.
type Producer struct {
	w *kafka.Writer
}

func NewProducerFromConfig(c Config) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	acks := kafka.RequireAll
	switch c.RequiredAcks {
	case 0:
		acks = kafka.RequireNone
	case 1:
		acks = kafka.RequireOne
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		WriteTimeout: wt,
		RequiredAcks: acks,
		MaxAttempts:  attempts,
	}

	return &Producer{w: w}
}

type Message = kafka.Message
type Header = kafka.Header

// Write blocks until every message is acknowledged or the write fails.
func (p *Producer) Write(ctx context.Context, msgs ...Message) error {
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
