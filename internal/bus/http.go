package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSender posts a batch as one JSON request to baseURL + "/" + destination.
// It serves HTTP sinks such as the dialog sync endpoint.
type HTTPSender struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPSender(name, baseURL string, timeoutMs int) *HTTPSender {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	return &HTTPSender{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

func (s *HTTPSender) Name() string { return s.name }

type httpBatchItem struct {
	Key     string            `json:"key"`
	Headers map[string]string `json:"headers"`
	Payload json.RawMessage   `json:"payload"`
}

func (s *HTTPSender) Send(ctx context.Context, destination string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return deliveryErr(s.name, destination, len(msgs), s.post(ctx, destination, msgs))
}

func (s *HTTPSender) post(ctx context.Context, destination string, msgs []Message) error {
	items := make([]httpBatchItem, 0, len(msgs))
	for _, m := range msgs {
		payload := json.RawMessage(m.Payload)
		if !json.Valid(payload) {
			b, _ := json.Marshal(string(m.Payload))
			payload = b
		}
		items = append(items, httpBatchItem{Key: m.Key, Headers: m.Headers(), Payload: payload})
	}
	b, err := json.Marshal(map[string]any{"messages": items})
	if err != nil {
		return err
	}

	url := s.baseURL + "/" + strings.TrimLeft(destination, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("sender=%s destination=%s status=%d", s.name, destination, res.StatusCode)
	}

	return nil
}
