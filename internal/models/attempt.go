package models

import "time"

// Attempt is one outreach action taken against a queue entry. Rows are
// insert-only; nothing mutates an attempt after it is written.
type Attempt struct {
	ID                string    `json:"id"`
	EntryID           string    `json:"entry_id"`
	AttemptNumber     int       `json:"attempt_number"`
	Method            string    `json:"method"`
	MessageBody       string    `json:"message_body"`
	ResponseBody      *string   `json:"response_body,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	AIConfidence      float64   `json:"ai_confidence,omitempty"`
	AIIntent          string    `json:"ai_intent,omitempty"`
	Success           bool      `json:"success"`
	Engaged           bool      `json:"engaged"`
	CreatedAt         time.Time `json:"created_at"`
}

// AttemptMethodSMS is the only outreach method currently dispatched.
const AttemptMethodSMS = "sms"
