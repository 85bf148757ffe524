package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"missed-call-recovery/internal/models"
	"missed-call-recovery/internal/sms"
	"missed-call-recovery/internal/store"
)

// fakeStore is an in-memory Store with the same version-CAS semantics as
// the Postgres implementation.
type fakeStore struct {
	mu       sync.Mutex
	entries  map[string]models.QueueEntry
	attempts []models.Attempt
	policies map[string]models.SLAPolicy

	nextID       int
	updateErr    error
	updateErrFor string
	metricsErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:  map[string]models.QueueEntry{},
		policies: map[string]models.SLAPolicy{},
	}
}

func (f *fakeStore) CreateEntry(_ context.Context, p store.CreateEntryParams) (models.QueueEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.TenantID == p.TenantID && e.CallID == p.CallID && models.IsActive(e.Status) {
			return e, false, nil
		}
	}
	f.nextID++
	now := time.Now().UTC()
	entry := models.QueueEntry{
		ID:                 fmt.Sprintf("entry-%d", f.nextID),
		CallID:             p.CallID,
		TenantID:           p.TenantID,
		Phone:              p.Phone,
		Status:             models.StatusQueued,
		Priority:           p.Priority,
		SLADeadline:        p.SLADeadline,
		EscalationDeadline: p.EscalationDeadline,
		MaxRetries:         p.MaxRetries,
		CustomerType:       p.CustomerType,
		ConversationContext: []models.ContextEvent{
			{Kind: models.ContextEnqueued, Note: "missed call " + p.CallID, OccurredAt: now},
		},
		ConsentStatus:      models.ConsentImplied,
		RetentionExpiresAt: p.RetentionExpiresAt,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	f.entries[entry.ID] = entry
	return entry, true, nil
}

func (f *fakeStore) GetEntry(_ context.Context, id string) (models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return models.QueueEntry{}, models.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ActiveEntryForPhone(_ context.Context, phone, tenantID string) (models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.QueueEntry
	for _, e := range f.entries {
		e := e
		if e.TenantID == tenantID && e.Phone == phone && models.IsActive(e.Status) {
			if best == nil || e.CreatedAt.After(best.CreatedAt) {
				best = &e
			}
		}
	}
	if best == nil {
		return models.QueueEntry{}, models.ErrNotFound
	}
	return *best, nil
}

func (f *fakeStore) SelectEligible(_ context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range f.entries {
		if e.ArchivedAt != nil || e.CustomerResponded {
			continue
		}
		eligible := (e.Status == models.StatusQueued && e.SLADeadline.After(now)) ||
			(e.Status == models.StatusAIRescuePending && e.NextAttemptAt != nil &&
				!e.NextAttemptAt.After(now) && e.RetryCount < e.MaxRetries)
		if eligible {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.PriorityRank(out[i].Priority), models.PriorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeadlineBreached(_ context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range f.entries {
		if models.IsActive(e.Status) && !e.EscalationDeadline.After(now) {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UpdateEntry(_ context.Context, entry *models.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil && (f.updateErrFor == "" || f.updateErrFor == entry.ID) {
		return f.updateErr
	}
	current, ok := f.entries[entry.ID]
	if !ok {
		return models.ErrNotFound
	}
	if current.Version != entry.Version {
		return models.ErrVersionConflict
	}
	for _, ev := range entry.ConversationContext {
		if err := ev.Validate(); err != nil {
			return err
		}
	}
	entry.Version++
	entry.UpdatedAt = time.Now().UTC()
	f.entries[entry.ID] = *entry
	return nil
}

func (f *fakeStore) InsertAttempt(_ context.Context, a models.Attempt) (models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = fmt.Sprintf("attempt-%d", len(f.attempts)+1)
	}
	f.attempts = append(f.attempts, a)
	return a, nil
}

func (f *fakeStore) GetOrCreatePolicy(_ context.Context, tenantID string, defaults store.PolicyDefaults) (models.SLAPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.policies[tenantID]; ok {
		return p, nil
	}
	p := models.SLAPolicy{
		TenantID:          tenantID,
		ResponseHours:     defaults.ResponseHours,
		EscalationHours:   defaults.EscalationHours,
		MaxRetries:        defaults.MaxRetries,
		EscalationEnabled: true,
	}
	f.policies[tenantID] = p
	return p, nil
}

func (f *fakeStore) CountByStatus(_ context.Context, tenantID string) (models.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := models.QueueStatus{}
	for _, e := range f.entries {
		if e.TenantID == tenantID {
			counts[e.Status]++
		}
	}
	return counts, nil
}

func (f *fakeStore) CountActive(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if models.IsActive(e.Status) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Metrics(context.Context, string, time.Time, time.Time) (models.QueueMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricsErr != nil {
		return models.QueueMetrics{}, f.metricsErr
	}
	return models.QueueMetrics{}, nil
}

func (f *fakeStore) attemptsFor(entryID string) []models.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Attempt
	for _, a := range f.attempts {
		if a.EntryID == entryID {
			out = append(out, a)
		}
	}
	return out
}

// fakeLocker mirrors the Redis lease semantics in memory.
type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]string
	seq   int
	denyAll bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) Acquire(_ context.Context, key, tenantID string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll {
		return "", false, nil
	}
	k := tenantID + "/" + key
	if _, taken := l.held[k]; taken {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("token-%d", l.seq)
	l.held[k] = token
	return token, true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, tenantID, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := tenantID + "/" + key
	if l.held[k] != token {
		return false, nil
	}
	delete(l.held, k)
	return true, nil
}

// fakeWindow tracks send claims in memory.
type fakeWindow struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{claims: map[string]bool{}}
}

func (w *fakeWindow) key(tenantID, entryID string, now time.Time, retry int) string {
	return fmt.Sprintf("%s/%s/%s/%d", tenantID, entryID, now.UTC().Format("2006-01-02"), retry)
}

func (w *fakeWindow) Claim(_ context.Context, tenantID, entryID string, now time.Time, retry int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := w.key(tenantID, entryID, now, retry)
	if w.claims[k] {
		return false, nil
	}
	w.claims[k] = true
	return true, nil
}

func (w *fakeWindow) Forget(_ context.Context, tenantID, entryID string, now time.Time, retry int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.claims, w.key(tenantID, entryID, now, retry))
	return nil
}

// fakeSender records outbound messages and can fail on demand.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
}

func (s *fakeSender) Send(_ context.Context, _, body, _ string) (sms.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sms.Result{}, s.err
	}
	s.sent = append(s.sent, body)
	return sms.Result{ProviderMessageID: fmt.Sprintf("SM%d", len(s.sent))}, nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeEmitter records published lifecycle events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) Emit(_ context.Context, event string, _ any, _, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *fakeEmitter) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == event {
			n++
		}
	}
	return n
}

type fakeClassifier struct {
	customerType string
	priority     string
}

func (c fakeClassifier) Classify(context.Context, string, string) (string, string) {
	return c.customerType, c.priority
}

type fakeDetector struct {
	taken  bool
	reason string
	err    error
}

func (d fakeDetector) Detect(context.Context, models.QueueEntry) (bool, string, error) {
	return d.taken, d.reason, d.err
}

var errBoom = errors.New("boom")
