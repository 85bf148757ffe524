package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"missed-call-recovery/internal/models"
)

// PolicyDefaults are the hard-coded values applied on a tenant's first use.
type PolicyDefaults struct {
	ResponseHours   int
	EscalationHours int
	MaxRetries      int
}

// GetOrCreatePolicy returns the tenant's SLA policy, creating it with
// defaults when absent. First-access races are resolved by ON CONFLICT DO
// NOTHING plus a re-read.
func (s *Store) GetOrCreatePolicy(ctx context.Context, tenantID string, defaults PolicyDefaults) (models.SLAPolicy, error) {
	policy, err := s.getPolicy(ctx, tenantID)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.SLAPolicy{}, err
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sla_policies (
			tenant_id, response_hours, escalation_hours, max_retries,
			business_hours_start, business_hours_end, escalation_enabled,
			ai_enabled, ai_confidence_threshold, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, 0, TRUE, TRUE, 0.7, $5, $5)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, defaults.ResponseHours, defaults.EscalationHours, defaults.MaxRetries, now)
	if err != nil {
		return models.SLAPolicy{}, fmt.Errorf("insert sla policy: %w", err)
	}
	return s.getPolicy(ctx, tenantID)
}

func (s *Store) getPolicy(ctx context.Context, tenantID string) (models.SLAPolicy, error) {
	var p models.SLAPolicy
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, response_hours, escalation_hours, max_retries,
		       business_hours_start, business_hours_end, escalation_enabled,
		       ai_enabled, ai_confidence_threshold, created_at, updated_at
		FROM sla_policies WHERE tenant_id = $1
	`, tenantID).Scan(&p.TenantID, &p.ResponseHours, &p.EscalationHours, &p.MaxRetries,
		&p.BusinessHoursStart, &p.BusinessHoursEnd, &p.EscalationEnabled,
		&p.AIEnabled, &p.AIConfidenceThreshold, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SLAPolicy{}, models.ErrNotFound
	}
	if err != nil {
		return models.SLAPolicy{}, fmt.Errorf("get sla policy: %w", err)
	}
	return p, nil
}
