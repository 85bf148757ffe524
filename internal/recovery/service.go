package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"missed-call-recovery/internal/config"
	"missed-call-recovery/internal/events"
	"missed-call-recovery/internal/models"
	"missed-call-recovery/internal/sms"
	"missed-call-recovery/internal/store"
	"missed-call-recovery/internal/telemetry"
)

// stopKeyword terminates the workflow when a customer replies with it,
// compared case-insensitively after trimming.
const stopKeyword = "stop"

// Service owns the missed-call recovery workflow: enrollment, reply
// handling, the processor cycle, and the dashboard reads.
type Service struct {
	cfg        config.Config
	store      Store
	locks      Locker
	window     SendWindow
	sender     sms.Sender
	emitter    Emitter
	classifier Classifier
	detector   Detector
	composer   Composer

	// TenantName resolves a tenant's display name for outreach text.
	// The dashboard layer owns tenant records; when unset the composer
	// falls back to a generic sign-off.
	TenantName func(tenantID string) string

	now func() time.Time
}

// New wires the service. All collaborators are required except TenantName.
func New(cfg config.Config, st Store, locks Locker, window SendWindow, sender sms.Sender,
	emitter Emitter, classifier Classifier, detector Detector, composer Composer) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		locks:      locks,
		window:     window,
		sender:     sender,
		emitter:    emitter,
		classifier: classifier,
		detector:   detector,
		composer:   composer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) policyDefaults() store.PolicyDefaults {
	return store.PolicyDefaults{
		ResponseHours:   s.cfg.DefaultResponseHours,
		EscalationHours: s.cfg.DefaultEscalationHours,
		MaxRetries:      s.cfg.DefaultMaxRetries,
	}
}

func (s *Service) tenantName(tenantID string) string {
	if s.TenantName != nil {
		return s.TenantName(tenantID)
	}
	return ""
}

// Enqueue enrolls a missed call. It is idempotent per (call, tenant): a
// second missed-call event for an already-active entry returns the existing
// entry with created=false. A freshly created entry gets one immediate
// processing pass so the first outreach goes out without waiting for the
// scheduler tick.
func (s *Service) Enqueue(ctx context.Context, callID, phone, tenantID string) (models.QueueEntry, bool, error) {
	if callID == "" || phone == "" || tenantID == "" {
		return models.QueueEntry{}, false, errors.New("call id, phone, and tenant id are required")
	}

	customerType, priority := s.classifier.Classify(ctx, phone, tenantID)

	policy, err := s.store.GetOrCreatePolicy(ctx, tenantID, s.policyDefaults())
	if err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("sla policy: %w", err)
	}

	now := s.now()
	entry, created, err := s.store.CreateEntry(ctx, store.CreateEntryParams{
		CallID:             callID,
		TenantID:           tenantID,
		Phone:              phone,
		Priority:           priority,
		CustomerType:       customerType,
		SLADeadline:        now.Add(time.Duration(policy.ResponseHours) * time.Hour),
		EscalationDeadline: now.Add(time.Duration(policy.EscalationHours) * time.Hour),
		MaxRetries:         policy.MaxRetries,
		RetentionExpiresAt: now.AddDate(0, 0, s.cfg.RetentionDays),
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if !created {
		return entry, false, nil
	}

	telemetry.Enqueued.Inc()
	s.emitter.Emit(ctx, events.EventEnqueued, entry, tenantID, entry.ID)

	if perr := s.processEntry(ctx, entry); perr != nil {
		// Enrollment already committed; the scheduler retries the send.
		log.Printf("[recovery] immediate pass entry=%s: %v", entry.ID, perr)
	}
	return entry, true, nil
}

// HandleCustomerResponse terminates the workflow when the customer replies.
// A STOP keyword opts the customer out; anything else recovers the entry.
// Phone numbers without an active entry are a no-op, which also makes a
// repeated STOP idempotent.
func (s *Service) HandleCustomerResponse(ctx context.Context, phone, text, tenantID string) error {
	normalized := strings.ToLower(strings.TrimSpace(text))

	// Reply-driven: races with the processor are benign and tolerated, so no
	// lock is taken here. Version conflicts get a bounded re-read retry.
	for tries := 0; tries < 3; tries++ {
		entry, err := s.store.ActiveEntryForPhone(ctx, phone, tenantID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup active entry: %w", err)
		}

		now := s.now()
		if normalized == stopKeyword {
			entry.Status = models.StatusFailed
			entry.ConsentStatus = models.ConsentRevoked
			entry.OptOutReason = "customer replied STOP"
			entry.OptedOutAt = &now
			entry.ConversationContext = append(entry.ConversationContext, models.ContextEvent{
				Kind:       models.ContextStopRequest,
				Note:       "opt-out via SMS",
				OccurredAt: now,
			})
			if err := s.store.UpdateEntry(ctx, &entry); err != nil {
				if errors.Is(err, models.ErrVersionConflict) {
					continue
				}
				return err
			}
			telemetry.OptOuts.Inc()
			s.emitter.Emit(ctx, events.EventOptedOut, entry, tenantID, entry.ID)
			return nil
		}

		entry.Status = models.StatusRecovered
		entry.CustomerResponded = true
		entry.ProcessedAt = &now
		entry.RecoveryMethod = models.RecoveryMethodCustomerReply
		entry.ConversationContext = append(entry.ConversationContext, models.ContextEvent{
			Kind:       models.ContextCustomerReply,
			Note:       truncate(text, 160),
			OccurredAt: now,
		})
		if err := s.store.UpdateEntry(ctx, &entry); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				continue
			}
			return err
		}
		telemetry.Recovered.Inc()
		s.emitter.Emit(ctx, events.EventRecovered, entry, tenantID, entry.ID)
		return nil
	}
	return fmt.Errorf("handle response for %s: gave up after repeated version conflicts", phone)
}

// QueueStatus returns per-state entry counts. Dashboard reads are
// best-effort: failures log and return zero counts, never an error.
func (s *Service) QueueStatus(ctx context.Context, tenantID string) models.QueueStatus {
	counts, err := s.store.CountByStatus(ctx, tenantID)
	if err != nil {
		log.Printf("[recovery] queue status tenant=%s: %v", tenantID, err)
		return models.QueueStatus{}
	}
	return counts
}

// QueueMetrics returns recovery aggregates over a date range, zeros on
// query failure.
func (s *Service) QueueMetrics(ctx context.Context, tenantID string, from, to time.Time) models.QueueMetrics {
	m, err := s.store.Metrics(ctx, tenantID, from, to)
	if err != nil {
		log.Printf("[recovery] queue metrics tenant=%s: %v", tenantID, err)
		return models.QueueMetrics{}
	}
	return m
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
