package store

import (
	"context"
	"fmt"
	"time"

	"missed-call-recovery/internal/models"
)

// History queries are read-only: the ingestion and messaging layers own
// these tables, the recovery service only classifies and detects against
// them.

// CountCalls returns how many calls a phone number has placed to a tenant.
func (s *Store) CountCalls(ctx context.Context, phone, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM calls WHERE tenant_id = $1 AND phone = $2
	`, tenantID, phone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

// CallsAfter returns calls from a phone number after the given time.
func (s *Store) CallsAfter(ctx context.Context, phone, tenantID string, since time.Time) ([]models.CallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, tenant_id, phone, answered, occurred_at
		FROM calls
		WHERE tenant_id = $1 AND phone = $2 AND occurred_at > $3
		ORDER BY occurred_at ASC
	`, tenantID, phone, since)
	if err != nil {
		return nil, fmt.Errorf("calls after: %w", err)
	}
	defer rows.Close()

	var out []models.CallRecord
	for rows.Next() {
		var c models.CallRecord
		if err := rows.Scan(&c.CallID, &c.TenantID, &c.Phone, &c.Answered, &c.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OutboundMessagesAfter returns messages sent to a phone number after the
// given time.
func (s *Store) OutboundMessagesAfter(ctx context.Context, phone, tenantID string, since time.Time) ([]models.OutboundMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, phone, body, machine_generated, sent_at
		FROM outbound_messages
		WHERE tenant_id = $1 AND phone = $2 AND sent_at > $3
		ORDER BY sent_at ASC
	`, tenantID, phone, since)
	if err != nil {
		return nil, fmt.Errorf("outbound messages after: %w", err)
	}
	defer rows.Close()

	var out []models.OutboundMessage
	for rows.Next() {
		var m models.OutboundMessage
		if err := rows.Scan(&m.TenantID, &m.Phone, &m.Body, &m.MachineGenerated, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbound message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
