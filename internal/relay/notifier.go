package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"call-bridge/internal/calls"
)

const (
	EventCallStarted = "call.started"
	EventCallEnded   = "call.ended"
)

type notification struct {
	Event  string           `json:"event"`
	SentAt time.Time        `json:"sent_at"`
	Call   calls.CallRecord `json:"call"`
}

// Notifier posts call lifecycle records to the AI backend.
type Notifier struct {
	url  string
	http *http.Client
	now  func() time.Time
}

var _ calls.Notifier = (*Notifier)(nil)

func NewNotifier(url string, hc *http.Client) *Notifier {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{url: url, http: hc, now: time.Now}
}

func (n *Notifier) CallStarted(ctx context.Context, rec calls.CallRecord) error {
	return n.post(ctx, EventCallStarted, rec)
}

func (n *Notifier) CallEnded(ctx context.Context, rec calls.CallRecord) error {
	return n.post(ctx, EventCallEnded, rec)
}

func (n *Notifier) post(ctx context.Context, event string, rec calls.CallRecord) error {
	body, err := json.Marshal(notification{Event: event, SentAt: n.now().UTC(), Call: rec})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay: notify %s: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay: notify %s: unexpected status %d", event, resp.StatusCode)
	}
	return nil
}
