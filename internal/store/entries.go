package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"missed-call-recovery/internal/models"
)

const entryColumns = `id, call_id, tenant_id, phone, status, priority,
	sla_deadline, escalation_deadline, retry_count, max_retries,
	last_attempt_at, next_attempt_at, ai_rescue_attempted, customer_responded,
	recovery_method, customer_type, lead_value_cents, conversation_context,
	consent_status, opt_out_reason, opted_out_at, retention_expires_at,
	archived_at, version, created_at, updated_at, processed_at, escalated_at`

// CreateEntryParams collects inputs required to enroll a missed call.
type CreateEntryParams struct {
	CallID             string
	TenantID           string
	Phone              string
	Priority           string
	CustomerType       string
	LeadValueCents     int64
	SLADeadline        time.Time
	EscalationDeadline time.Time
	MaxRetries         int
	RetentionExpiresAt time.Time
}

// CreateEntry inserts a queued entry. Enrollment is idempotent per
// (tenant, call): if an active entry already exists, including one created
// by a concurrent insert racing past our check, the existing entry is
// returned with created=false.
func (s *Store) CreateEntry(ctx context.Context, p CreateEntryParams) (models.QueueEntry, bool, error) {
	if existing, err := s.ActiveEntryForCall(ctx, p.CallID, p.TenantID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.QueueEntry{}, false, err
	}

	now := time.Now().UTC()
	entry := models.QueueEntry{
		ID:                 uuid.New().String(),
		CallID:             p.CallID,
		TenantID:           p.TenantID,
		Phone:              p.Phone,
		Status:             models.StatusQueued,
		Priority:           p.Priority,
		SLADeadline:        p.SLADeadline,
		EscalationDeadline: p.EscalationDeadline,
		MaxRetries:         p.MaxRetries,
		CustomerType:       p.CustomerType,
		LeadValueCents:     p.LeadValueCents,
		ConversationContext: []models.ContextEvent{
			{Kind: models.ContextEnqueued, Note: "missed call " + p.CallID, OccurredAt: now},
		},
		ConsentStatus:      models.ConsentImplied,
		RetentionExpiresAt: p.RetentionExpiresAt,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	ctxJSON, err := marshalContext(entry.ConversationContext)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_entries (
			id, call_id, tenant_id, phone, status, priority,
			sla_deadline, escalation_deadline, retry_count, max_retries,
			customer_type, lead_value_cents, conversation_context,
			consent_status, retention_expires_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $13, $14, 1, $15, $15)
	`, entry.ID, entry.CallID, entry.TenantID, entry.Phone, entry.Status, entry.Priority,
		entry.SLADeadline, entry.EscalationDeadline, entry.MaxRetries,
		entry.CustomerType, entry.LeadValueCents, ctxJSON,
		entry.ConsentStatus, entry.RetentionExpiresAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the enrollment race; the partial unique index held.
			existing, rerr := s.ActiveEntryForCall(ctx, p.CallID, p.TenantID)
			if rerr != nil {
				return models.QueueEntry{}, false, fmt.Errorf("re-read after enrollment race: %w", rerr)
			}
			return existing, false, nil
		}
		return models.QueueEntry{}, false, fmt.Errorf("insert queue entry: %w", err)
	}
	return entry, true, nil
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, models.ErrNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// ActiveEntryForCall returns the single active entry for (call, tenant).
func (s *Store) ActiveEntryForCall(ctx context.Context, callID, tenantID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE tenant_id = $1 AND call_id = $2 AND status = ANY($3)
	`, tenantID, callID, models.ActiveStatuses)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, models.ErrNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("active entry for call: %w", err)
	}
	return entry, nil
}

// ActiveEntryForPhone returns the most recent active entry for a phone
// number, used when routing an inbound reply.
func (s *Store) ActiveEntryForPhone(ctx context.Context, phone, tenantID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE tenant_id = $1 AND phone = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, phone, models.ActiveStatuses)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, models.ErrNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("active entry for phone: %w", err)
	}
	return entry, nil
}

// SelectEligible returns entries due for processing, high priority first,
// then oldest first, in a bounded batch.
func (s *Store) SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE archived_at IS NULL AND NOT customer_responded AND (
			(status = $1 AND sla_deadline > $3)
			OR (status = $2 AND next_attempt_at <= $3 AND retry_count < max_retries)
		)
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC
		LIMIT $4
	`, models.StatusQueued, models.StatusAIRescuePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// DeadlineBreached returns active entries whose escalation deadline has
// passed, for the sweep pass.
func (s *Store) DeadlineBreached(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = ANY($1) AND escalation_deadline <= $2
		ORDER BY escalation_deadline ASC
		LIMIT $3
	`, models.ActiveStatuses, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select deadline breached: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// UpdateEntry writes every mutable field, guarded by the version the caller
// read. A lost race returns models.ErrVersionConflict; callers abort the
// transition and pick the entry up again next cycle.
func (s *Store) UpdateEntry(ctx context.Context, entry *models.QueueEntry) error {
	for _, ev := range entry.ConversationContext {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("conversation context: %w", err)
		}
	}
	ctxJSON, err := marshalContext(entry.ConversationContext)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET
			status = $3, priority = $4, retry_count = $5,
			last_attempt_at = $6, next_attempt_at = $7,
			ai_rescue_attempted = $8, customer_responded = $9,
			recovery_method = $10, customer_type = $11,
			conversation_context = $12, consent_status = $13,
			opt_out_reason = $14, opted_out_at = $15,
			processed_at = $16, escalated_at = $17,
			version = version + 1, updated_at = $18
		WHERE id = $1 AND version = $2
	`, entry.ID, entry.Version, entry.Status, entry.Priority, entry.RetryCount,
		entry.LastAttemptAt, entry.NextAttemptAt,
		entry.AIRescueAttempted, entry.CustomerResponded,
		nilIfEmpty(entry.RecoveryMethod), entry.CustomerType,
		ctxJSON, entry.ConsentStatus,
		nilIfEmpty(entry.OptOutReason), entry.OptedOutAt,
		entry.ProcessedAt, entry.EscalatedAt, now)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetEntry(ctx, entry.ID); errors.Is(gerr, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return models.ErrVersionConflict
	}
	entry.Version++
	entry.UpdatedAt = now
	return nil
}

// CountByStatus returns per-state entry counts for a tenant.
func (s *Store) CountByStatus(ctx context.Context, tenantID string) (models.QueueStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM queue_entries WHERE tenant_id = $1 GROUP BY status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := models.QueueStatus{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountActive returns the number of entries in a non-terminal state across
// all tenants, for the worker's gauge.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status IN ('queued','processing','ai_rescued_pending')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// Metrics computes recovery aggregates over a date range.
func (s *Store) Metrics(ctx context.Context, tenantID string, from, to time.Time) (models.QueueMetrics, error) {
	var m models.QueueMetrics
	var avgHours pgtype.Float8
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('recovered','escalated','failed','expired')),
			COUNT(*) FILTER (WHERE status = 'recovered'),
			AVG(EXTRACT(EPOCH FROM (processed_at - created_at)) / 3600.0)
				FILTER (WHERE status = 'recovered' AND processed_at IS NOT NULL)
		FROM queue_entries
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, from, to).Scan(&m.TotalProcessed, &m.RecoveredCount, &avgHours)
	if err != nil {
		return models.QueueMetrics{}, fmt.Errorf("queue metrics: %w", err)
	}
	if avgHours.Valid {
		m.AvgResponseTimeHours = avgHours.Float64
	}
	if m.TotalProcessed > 0 {
		m.RecoveryRate = float64(m.RecoveredCount) / float64(m.TotalProcessed)
	}
	return m, nil
}

// ArchiveCandidates returns terminal entries past their retention expiry
// that have not been archived yet.
func (s *Store) ArchiveCandidates(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE archived_at IS NULL
		  AND retention_expires_at <= $1
		  AND status IN ('recovered','escalated','failed','expired')
		ORDER BY retention_expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select archive candidates: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// MarkArchived stamps archived_at once the export landed in object storage.
func (s *Store) MarkArchived(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET archived_at = $2, updated_at = NOW() WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var e models.QueueEntry
	var lastAttempt, nextAttempt, optedOut, archived, processed, escalated pgtype.Timestamptz
	var recoveryMethod, optOutReason pgtype.Text
	var ctxJSON []byte

	err := row.Scan(&e.ID, &e.CallID, &e.TenantID, &e.Phone, &e.Status, &e.Priority,
		&e.SLADeadline, &e.EscalationDeadline, &e.RetryCount, &e.MaxRetries,
		&lastAttempt, &nextAttempt, &e.AIRescueAttempted, &e.CustomerResponded,
		&recoveryMethod, &e.CustomerType, &e.LeadValueCents, &ctxJSON,
		&e.ConsentStatus, &optOutReason, &optedOut, &e.RetentionExpiresAt,
		&archived, &e.Version, &e.CreatedAt, &e.UpdatedAt, &processed, &escalated)
	if err != nil {
		return models.QueueEntry{}, err
	}

	e.LastAttemptAt = tsPtr(lastAttempt)
	e.NextAttemptAt = tsPtr(nextAttempt)
	e.OptedOutAt = tsPtr(optedOut)
	e.ArchivedAt = tsPtr(archived)
	e.ProcessedAt = tsPtr(processed)
	e.EscalatedAt = tsPtr(escalated)
	e.RecoveryMethod = recoveryMethod.String
	e.OptOutReason = optOutReason.String

	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &e.ConversationContext); err != nil {
			return models.QueueEntry{}, fmt.Errorf("unmarshal conversation context: %w", err)
		}
	}
	return e, nil
}

func marshalContext(events []models.ContextEvent) ([]byte, error) {
	if events == nil {
		events = []models.ContextEvent{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation context: %w", err)
	}
	return data, nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
