package models

import (
	"fmt"
	"time"
)

// EntryStatus enumerates recovery lifecycle states persisted in Postgres.
const (
	StatusQueued          = "queued"
	StatusProcessing      = "processing"
	StatusAIRescuePending = "ai_rescued_pending"
	StatusRecovered       = "recovered"
	StatusEscalated       = "escalated"
	StatusFailed          = "failed"
	StatusExpired         = "expired"
)

// ActiveStatuses are the states in which an entry still belongs to the
// automated workflow. At most one entry per (call, tenant) may be active.
var ActiveStatuses = []string{StatusQueued, StatusProcessing, StatusAIRescuePending}

// IsActive reports whether status is a non-terminal workflow state.
func IsActive(status string) bool {
	switch status {
	case StatusQueued, StatusProcessing, StatusAIRescuePending:
		return true
	}
	return false
}

// IsTerminal reports whether status can never transition again.
func IsTerminal(status string) bool {
	switch status {
	case StatusRecovered, StatusEscalated, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Priority orders entries within a processing batch.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// PriorityRank maps priority to its sort order, high first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Customer types assigned by the classifier.
const (
	CustomerNew      = "new"
	CustomerExisting = "existing"
	CustomerUnknown  = "unknown"
)

// Recovery methods recorded on terminal entries.
const (
	RecoveryMethodCustomerReply = "customer_reply"
	RecoveryMethodHumanTakeover = "human_takeover"
)

// Consent states tracked for compliance.
const (
	ConsentImplied = "implied"
	ConsentRevoked = "revoked"
)

// QueueEntry is one missed call enrolled in the recovery workflow.
type QueueEntry struct {
	ID       string `json:"id"`
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id"`
	Phone    string `json:"phone"`

	Status   string `json:"status"`
	Priority string `json:"priority"`

	SLADeadline        time.Time `json:"sla_deadline"`
	EscalationDeadline time.Time `json:"escalation_deadline"`

	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	AIRescueAttempted bool   `json:"ai_rescue_attempted"`
	CustomerResponded bool   `json:"customer_responded"`
	RecoveryMethod    string `json:"recovery_method,omitempty"`

	CustomerType        string         `json:"customer_type"`
	LeadValueCents      int64          `json:"lead_value_cents"`
	ConversationContext []ContextEvent `json:"conversation_context"`

	ConsentStatus      string     `json:"consent_status"`
	OptOutReason       string     `json:"opt_out_reason,omitempty"`
	OptedOutAt         *time.Time `json:"opted_out_at,omitempty"`
	RetentionExpiresAt time.Time  `json:"retention_expires_at"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`

	// Version guards against lost updates: every write compares and bumps it.
	Version int `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
}

// Context event kinds. Anything else is rejected at write time so the
// conversation record stays machine-readable.
const (
	ContextEnqueued         = "enqueued"
	ContextAttemptSent      = "attempt_sent"
	ContextCustomerReply    = "customer_reply"
	ContextStopRequest      = "stop_request"
	ContextTakeoverDetected = "takeover_detected"
	ContextEscalated        = "escalated"
	ContextExpired          = "expired"
)

// ContextEvent is one append-only record in an entry's conversation context.
type ContextEvent struct {
	Kind       string    `json:"kind"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate rejects events with unknown kinds or a zero timestamp.
func (e ContextEvent) Validate() error {
	switch e.Kind {
	case ContextEnqueued, ContextAttemptSent, ContextCustomerReply,
		ContextStopRequest, ContextTakeoverDetected, ContextEscalated, ContextExpired:
	default:
		return fmt.Errorf("unknown context event kind %q", e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("context event %q missing timestamp", e.Kind)
	}
	return nil
}
