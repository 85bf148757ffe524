package takeover

import (
	"context"
	"fmt"
	"strings"
	"time"

	"missed-call-recovery/internal/models"
)

// History exposes the read-only call and message queries the detector
// inspects.
type History interface {
	CallsAfter(ctx context.Context, phone, tenantID string, since time.Time) ([]models.CallRecord, error)
	OutboundMessagesAfter(ctx context.Context, phone, tenantID string, since time.Time) ([]models.OutboundMessage, error)
}

// Detector decides whether a human agent or the customer has already
// superseded the automated workflow. It is a heuristic over historical
// side-effects, not an explicit flag: treat its verdicts as best-effort.
type Detector struct {
	history      History
	fingerprints []string
}

// New builds a detector. fingerprints is the lowercased phrase set
// identifying machine-generated outreach (normally the composer's).
func New(history History, fingerprints []string) *Detector {
	return &Detector{history: history, fingerprints: fingerprints}
}

// Detect reports whether the workflow for entry has been taken over, with a
// short reason for the conversation context. A history failure fails open:
// the workflow keeps running rather than escalating on bad data.
func (d *Detector) Detect(ctx context.Context, entry models.QueueEntry) (bool, string, error) {
	if entry.Status == models.StatusEscalated {
		return true, "entry already escalated", nil
	}

	calls, err := d.history.CallsAfter(ctx, entry.Phone, entry.TenantID, entry.CreatedAt)
	if err != nil {
		return false, "", fmt.Errorf("call history: %w", err)
	}
	for _, c := range calls {
		if c.Answered {
			return true, fmt.Sprintf("answered call %s after enrollment", c.CallID), nil
		}
	}

	msgs, err := d.history.OutboundMessagesAfter(ctx, entry.Phone, entry.TenantID, entry.CreatedAt)
	if err != nil {
		return false, "", fmt.Errorf("message history: %w", err)
	}
	for _, m := range msgs {
		if m.MachineGenerated {
			continue
		}
		if !d.looksAutomated(m.Body) {
			return true, "human-authored outbound message after enrollment", nil
		}
	}
	return false, "", nil
}

// looksAutomated matches the body against the known outreach templates.
// Anything that matches no fingerprint is assumed to come from a human.
func (d *Detector) looksAutomated(body string) bool {
	lower := strings.ToLower(body)
	for _, fp := range d.fingerprints {
		if strings.Contains(lower, fp) {
			return true
		}
	}
	return false
}
