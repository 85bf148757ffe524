package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is an idempotent send window: it remembers which outreach sends
// already happened, keyed by the natural key (tenant, entry, day bucket,
// retry number), so duplicates are suppressed across process restarts and
// across worker instances.
type Window struct {
	client *redis.Client
	ttl    time.Duration
}

// NewWindow builds a send window. ttl bounds how long a claim outlives the
// day bucket it belongs to.
func NewWindow(client *redis.Client, ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Window{client: client, ttl: ttl}
}

func windowKey(tenantID, entryID string, day time.Time, retry int) string {
	return fmt.Sprintf("sendwindow:%s:%s:%s:%d", tenantID, entryID, day.UTC().Format("2006-01-02"), retry)
}

// Claim marks the send for (tenant, entry, day-of-now, retry) as taken.
// It returns false when another worker already claimed the same send.
func (w *Window) Claim(ctx context.Context, tenantID, entryID string, now time.Time, retry int) (bool, error) {
	ok, err := w.client.SetNX(ctx, windowKey(tenantID, entryID, now, retry), "1", w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim send window: %w", err)
	}
	return ok, nil
}

// Forget releases a claim after a send that never went out, so the next
// cycle may retry it.
func (w *Window) Forget(ctx context.Context, tenantID, entryID string, now time.Time, retry int) error {
	if err := w.client.Del(ctx, windowKey(tenantID, entryID, now, retry)).Err(); err != nil {
		return fmt.Errorf("forget send window: %w", err)
	}
	return nil
}
