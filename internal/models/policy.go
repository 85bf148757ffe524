package models

import "time"

// SLAPolicy is per-tenant recovery configuration. Rows are created lazily
// with defaults on a tenant's first missed call.
type SLAPolicy struct {
	TenantID        string `json:"tenant_id"`
	ResponseHours   int    `json:"response_hours"`
	EscalationHours int    `json:"escalation_hours"`
	MaxRetries      int    `json:"max_retries"`

	// Business hours window in the tenant's local interpretation of the
	// entry timestamps. Start == End means "always open".
	BusinessHoursStart int `json:"business_hours_start"`
	BusinessHoursEnd   int `json:"business_hours_end"`

	// EscalationEnabled selects the terminal state for deadline breaches:
	// true lands in escalated (human handoff), false in expired.
	EscalationEnabled bool `json:"escalation_enabled"`

	AIEnabled             bool    `json:"ai_enabled"`
	AIConfidenceThreshold float64 `json:"ai_confidence_threshold"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClampToBusinessHours pushes t forward to the start of the next business
// window when it falls outside the policy's hours. A zero-width window
// disables clamping.
func (p SLAPolicy) ClampToBusinessHours(t time.Time) time.Time {
	if p.BusinessHoursStart == p.BusinessHoursEnd {
		return t
	}
	h := t.Hour()
	if p.BusinessHoursStart < p.BusinessHoursEnd {
		if h >= p.BusinessHoursStart && h < p.BusinessHoursEnd {
			return t
		}
		next := time.Date(t.Year(), t.Month(), t.Day(), p.BusinessHoursStart, 0, 0, 0, t.Location())
		if h >= p.BusinessHoursEnd {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	// Overnight window, e.g. 20-6.
	if h >= p.BusinessHoursStart || h < p.BusinessHoursEnd {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), p.BusinessHoursStart, 0, 0, 0, t.Location())
}
