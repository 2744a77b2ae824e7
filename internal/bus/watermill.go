package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// PublisherSender publishes through any watermill Publisher; with the
// gochannel pub/sub it is the in-process bus used by local runs and tests.
type PublisherSender struct {
	pub  message.Publisher
	name string
}

func NewPublisherSender(name string, pub message.Publisher) *PublisherSender {
	if name == "" {
		name = "watermill"
	}
	return &PublisherSender{pub: pub, name: name}
}

func (s *PublisherSender) Name() string { return s.name }

func (s *PublisherSender) Send(ctx context.Context, destination string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		wm := message.NewMessage(m.Key, m.Payload)
		for k, v := range m.Headers() {
			wm.Metadata.Set(k, v)
		}
		wm.SetContext(ctx)
		out = append(out, wm)
	}
	return deliveryErr(s.Name(), destination, len(msgs), s.pub.Publish(destination, out...))
}
