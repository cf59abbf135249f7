package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v5"
	"github.com/textileio/sealbid/lib/auction"
)

// Message is the payload posted to webhooks and published to Redis.
type Message struct {
	Event auction.Event `json:"event"`
	Text  string        `json:"text"`
}

// NewMessage builds the payload of an event.
func NewMessage(ev auction.Event) Message {
	return Message{Event: ev, Text: Text(ev)}
}

// WebhookGateway posts events as JSON to a URL.
type WebhookGateway struct {
	url    string
	client *http.Client
}

// NewWebhookGateway returns a new WebhookGateway.
func NewWebhookGateway(target string) (*WebhookGateway, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", target)
	}
	return &WebhookGateway{url: target, client: &http.Client{}}, nil
}

// Deliver implements Gateway. Client errors other than 429 are permanent.
func (w *WebhookGateway) Deliver(ctx context.Context, ev auction.Event) error {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding event: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		if err := res.Body.Close(); err != nil {
			log.Errorf("closing response body: %v", err)
		}
	}()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned %s", res.Status)
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
