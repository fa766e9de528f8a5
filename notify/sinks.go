package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sunusav/tontine-engine/tontine"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes every event to the structured log.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) Deliver(ctx context.Context, e tontine.Event) error {
	s.log.InfoContext(ctx, "event",
		"event_type", e.Type,
		"event_id", e.ID,
		"group_id", e.GroupID,
		"cycle", e.Cycle,
	)
	return nil
}

// =============================================================================
// HTTP SINK
// =============================================================================

// HTTPSink POSTs each event as JSON to a webhook URL, e.g. the
// notification service that sends SMS and push messages.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSink) Deliver(ctx context.Context, e tontine.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(e.Type))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post event: status %d", resp.StatusCode)
	}
	return nil
}
