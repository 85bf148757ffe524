package models

import "time"

// CallRecord is a read-only view over the tenant's call history, used by the
// classifier and the takeover detector.
type CallRecord struct {
	CallID     string    `json:"call_id"`
	TenantID   string    `json:"tenant_id"`
	Phone      string    `json:"phone"`
	Answered   bool      `json:"answered"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OutboundMessage is a read-only view over messages previously sent to a
// phone number, machine-generated or not.
type OutboundMessage struct {
	TenantID         string    `json:"tenant_id"`
	Phone            string    `json:"phone"`
	Body             string    `json:"body"`
	MachineGenerated bool      `json:"machine_generated"`
	SentAt           time.Time `json:"sent_at"`
}

// QueueStatus is the per-state entry count exposed to the dashboard layer.
type QueueStatus map[string]int64

// QueueMetrics are best-effort aggregates over a date range. Readers get
// zero values on query failure, never an error.
type QueueMetrics struct {
	RecoveryRate         float64 `json:"recovery_rate"`
	AvgResponseTimeHours float64 `json:"avg_response_time_hours"`
	TotalProcessed       int64   `json:"total_processed"`
	RecoveredCount       int64   `json:"recovered_count"`
}
