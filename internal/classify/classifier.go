package classify

import (
	"context"
	"log"

	"missed-call-recovery/internal/models"
)

// CallCounter reports how many prior calls a phone number has placed to a
// tenant. Backed by the call history store.
type CallCounter interface {
	CountCalls(ctx context.Context, phone, tenantID string) (int, error)
}

// Classifier assigns a coarse customer type and priority tier to a newly
// missed call. Classification is best-effort: a history lookup failure must
// never block enrollment, so errors degrade to unknown/medium.
type Classifier struct {
	history CallCounter
}

func New(history CallCounter) *Classifier {
	return &Classifier{history: history}
}

// Classify returns (customerType, priority) for the phone number.
// Zero or one prior call means a first impression: new customer, high
// priority. Two or more means an existing relationship: medium priority.
func (c *Classifier) Classify(ctx context.Context, phone, tenantID string) (string, string) {
	n, err := c.history.CountCalls(ctx, phone, tenantID)
	if err != nil {
		log.Printf("[classify] history lookup failed for tenant=%s: %v", tenantID, err)
		return models.CustomerUnknown, models.PriorityMedium
	}
	if n <= 1 {
		return models.CustomerNew, models.PriorityHigh
	}
	return models.CustomerExisting, models.PriorityMedium
}
