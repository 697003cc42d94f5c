package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 3
	retryBackoff   = 500 * time.Millisecond
)

// WebhookSegmentBus POSTs segment events to the external description
// worker. Delivery is best effort: a bounded number of attempts, then the
// event is dropped and the caller's log line is all that remains.
type WebhookSegmentBus struct {
	log    *logger.Logger
	url    string
	client *http.Client
}

func NewWebhookSegmentBus(log *logger.Logger) (*WebhookSegmentBus, error) {
	url := strings.TrimSpace(envutil.Str("SEGMENT_HOOK_URL", ""))
	if url == "" {
		return nil, fmt.Errorf("missing SEGMENT_HOOK_URL")
	}
	return &WebhookSegmentBus{
		log: log.With("service", "WebhookSegmentBus"),
		url: url,
		client: &http.Client{
			Timeout: envutil.Duration("SEGMENT_HOOK_TIMEOUT", defaultTimeout),
		},
	}, nil
}

func (b *WebhookSegmentBus) Publish(ctx context.Context, ev domain.SegmentEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := b.post(ctx, raw); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(retryBackoff * time.Duration(attempt))
			continue
		}
		return nil
	}
	return fmt.Errorf("segment hook delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (b *WebhookSegmentBus) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("segment hook returned %d", resp.StatusCode)
	}
	return nil
}

func (b *WebhookSegmentBus) Close() error { return nil }
