package sms

import "context"

// Result is what the transport reports back once the provider API accepted
// the message. Delivery beyond acceptance is not tracked here.
type Result struct {
	ProviderMessageID string
}

// Sender delivers a single outbound SMS. Implementations must be
// timeout-bound: a send that neither confirms nor definitively fails within
// its deadline is an error for this cycle.
type Sender interface {
	Send(ctx context.Context, to, body, fromOverride string) (Result, error)
}
