package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/config"
)

// NewSink returns the sink selected by cfg.Sink.
func NewSink(cfg config.EventsConfig, log zerolog.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return LogSink{Log: log}, nil
	case "webhook":
		return NewWebhookSink(cfg.WebhookURL, nil), nil
	}
	return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
}

// LogSink writes events to the log. It never fails.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	s.Log.Info().
		Str("event_id", ev.ID).
		Uint64("project_id", ev.ProjectID).
		Str("event", ev.Type.String()).
		Time("created_at", ev.CreatedAt).
		Msg("quota event")
	return nil
}

// WebhookSink POSTs each event as JSON. The event ID travels in the
// Idempotency-Key header.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink returns a WebhookSink. A nil client gets a 10s timeout.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
