package compose

import (
	"fmt"
	"strings"
)

// Composer produces retry-specific outreach text. Compose never fails: any
// internal defect degrades to a generic fallback message because message
// delivery must not be blocked by composition problems.
type Composer struct {
	fingerprints []string
}

// New builds a composer. extraFingerprints extends the built-in phrase set
// the takeover detector matches against; pass nil for the defaults.
func New(extraFingerprints []string) *Composer {
	fps := make([]string, 0, len(builtinFingerprints)+len(extraFingerprints))
	fps = append(fps, builtinFingerprints...)
	for _, fp := range extraFingerprints {
		if trimmed := strings.TrimSpace(fp); trimmed != "" {
			fps = append(fps, strings.ToLower(trimmed))
		}
	}
	return &Composer{fingerprints: fps}
}

// builtinFingerprints are stable substrings present in every template below.
// The takeover detector treats outbound text matching none of these as a
// human agent message, so each template must contain at least one.
var builtinFingerprints = []string{
	"sorry we missed your call",
	"quick quote",
	"just checking in",
	"slots are filling up",
	"last note from us",
	"reply stop to opt out",
	"we'd still love to help",
}

// Compose returns the outreach message for the given retry number.
// Retry 0 is the immediate post-miss message; later retries soften, nudge,
// and finally offer an opt-out.
func (c *Composer) Compose(customerType, tenantName, contextNote string, retryCount int) string {
	name := strings.TrimSpace(tenantName)
	if name == "" {
		name = "our team"
	}

	var msg string
	switch {
	case retryCount <= 0:
		greeting := "Hi!"
		if customerType == "existing" {
			greeting = "Hi again!"
		}
		msg = fmt.Sprintf("%s Sorry we missed your call to %s. We can get you a quick quote right now, just reply here and we'll take care of you.", greeting, name)
	case retryCount == 1:
		msg = fmt.Sprintf("Just checking in from %s. We still have your request open. Reply anytime and we'll pick up right where you left off.", name)
	case retryCount == 2:
		msg = fmt.Sprintf("Our slots are filling up this week at %s. If you'd still like a hand, reply and we'll hold a spot for you.", name)
	case retryCount == 3:
		msg = fmt.Sprintf("Last note from us at %s, we'd hate to leave you hanging. Reply if you'd like help, or reply STOP to opt out.", name)
	default:
		msg = fallbackMessage(name)
	}

	if contextNote != "" {
		// Context is advisory; a malformed note must not break the template.
		note := strings.TrimSpace(contextNote)
		if note != "" && len(note) <= 120 {
			msg = msg + " (" + note + ")"
		}
	}
	return msg
}

// Fingerprints returns the phrase set identifying machine-generated
// outreach, lowercased.
func (c *Composer) Fingerprints() []string {
	out := make([]string, len(c.fingerprints))
	copy(out, c.fingerprints)
	return out
}

func fallbackMessage(tenantName string) string {
	return fmt.Sprintf("We'd still love to help at %s. Reply here and someone will be right with you. Reply STOP to opt out.", tenantName)
}
