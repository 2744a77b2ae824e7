package bus

import (
	"context"

	"github.com/jmehdipour/outbox-relay/internal/kafka"
)

type kafkaWriter interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSender publishes to Kafka topics. The message key is the outbox
// message key so redeliveries land on the same partition.
type KafkaSender struct {
	w kafkaWriter
}

func NewKafkaSender(w kafkaWriter) *KafkaSender {
	return &KafkaSender{w: w}
}

func (s *KafkaSender) Name() string { return "kafka" }

func (s *KafkaSender) Send(ctx context.Context, destination string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		headers := make([]kafka.Header, 0, 5)
		for k, v := range m.Headers() {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, kafka.Message{
			Topic:   destination,
			Key:     []byte(m.Key),
			Value:   m.Payload,
			Headers: headers,
			Time:    m.CreatedAt,
		})
	}
	return deliveryErr(s.Name(), destination, len(msgs), s.w.Write(ctx, out...))
}
