package recovery

import (
	"context"
	"time"

	"missed-call-recovery/internal/models"
	"missed-call-recovery/internal/store"
)

// Store is the persistence surface the recovery workflow needs. The
// Postgres store satisfies it; tests substitute fakes.
type Store interface {
	CreateEntry(ctx context.Context, p store.CreateEntryParams) (models.QueueEntry, bool, error)
	GetEntry(ctx context.Context, id string) (models.QueueEntry, error)
	ActiveEntryForPhone(ctx context.Context, phone, tenantID string) (models.QueueEntry, error)
	SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	DeadlineBreached(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	UpdateEntry(ctx context.Context, entry *models.QueueEntry) error
	InsertAttempt(ctx context.Context, a models.Attempt) (models.Attempt, error)
	GetOrCreatePolicy(ctx context.Context, tenantID string, defaults store.PolicyDefaults) (models.SLAPolicy, error)
	CountByStatus(ctx context.Context, tenantID string) (models.QueueStatus, error)
	CountActive(ctx context.Context) (int64, error)
	Metrics(ctx context.Context, tenantID string, from, to time.Time) (models.QueueMetrics, error)
}

// Locker serializes processing of a single entry across workers.
type Locker interface {
	Acquire(ctx context.Context, key, tenantID string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, tenantID, token string) (bool, error)
}

// SendWindow suppresses duplicate outreach across instances and restarts.
type SendWindow interface {
	Claim(ctx context.Context, tenantID, entryID string, now time.Time, retry int) (bool, error)
	Forget(ctx context.Context, tenantID, entryID string, now time.Time, retry int) error
}

// Emitter publishes lifecycle transitions, fire-and-forget.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any, tenantID, correlationID string)
}

// Classifier assigns customer type and priority at enrollment.
type Classifier interface {
	Classify(ctx context.Context, phone, tenantID string) (customerType, priority string)
}

// Detector decides whether a human superseded the workflow.
type Detector interface {
	Detect(ctx context.Context, entry models.QueueEntry) (bool, string, error)
}

// Composer produces retry-specific outreach text.
type Composer interface {
	Compose(customerType, tenantName, contextNote string, retryCount int) string
}
