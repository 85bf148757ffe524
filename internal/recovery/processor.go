package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"missed-call-recovery/internal/events"
	"missed-call-recovery/internal/models"
	"missed-call-recovery/internal/telemetry"
)

// sweepBatchSize bounds one sweep pass, independent of the main batch.
const sweepBatchSize = 100

// RunCycle executes one processor invocation: a bounded batch of eligible
// entries ordered by priority then age, followed by the SLA sweep. Failures
// inside one entry are isolated; a bad entry cannot halt the batch.
func (s *Service) RunCycle(ctx context.Context) error {
	now := s.now()
	entries, err := s.store.SelectEligible(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select eligible: %w", err)
	}

	for _, entry := range entries {
		if err := s.processEntry(ctx, entry); err != nil {
			log.Printf("[processor] entry=%s tenant=%s: %v", entry.ID, entry.TenantID, err)
			s.failEntry(ctx, entry.ID, err)
		}
	}

	s.sweep(ctx)

	if active, err := s.store.CountActive(ctx); err == nil {
		telemetry.ActiveEntries.Set(float64(active))
	}
	return nil
}

// processEntry advances one entry under its lease. Lock contention and
// stale state are normal skip signals, not errors; only unexpected
// processing failures propagate (and mark the entry failed upstream).
func (s *Service) processEntry(ctx context.Context, entry models.QueueEntry) error {
	token, ok, err := s.locks.Acquire(ctx, entry.ID, entry.TenantID, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		telemetry.LockContention.Inc()
		return nil
	}
	defer func() {
		// State is always committed before this runs; a failed release only
		// delays the next worker until the TTL expires.
		if _, rerr := s.locks.Release(ctx, entry.ID, entry.TenantID, token); rerr != nil {
			log.Printf("[processor] release lock entry=%s: %v", entry.ID, rerr)
		}
	}()

	// Re-read under the lock: the reply webhook or another worker may have
	// already finished this entry.
	entry, err = s.store.GetEntry(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("refresh entry: %w", err)
	}
	if entry.CustomerResponded || entry.Status == models.StatusRecovered {
		return nil
	}
	if !models.IsActive(entry.Status) {
		return nil
	}
	if entry.RetryCount >= entry.MaxRetries {
		// Retry budget exhausted; the SLA sweep decides its fate.
		return nil
	}

	policy, err := s.store.GetOrCreatePolicy(ctx, entry.TenantID, s.policyDefaults())
	if err != nil {
		return fmt.Errorf("sla policy: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HistoryTimeout)
	taken, reason, derr := s.detector.Detect(hctx, entry)
	cancel()
	if derr != nil {
		// Best-effort heuristic: fail open and keep the workflow running.
		log.Printf("[processor] takeover check entry=%s: %v", entry.ID, derr)
	}
	if taken {
		return s.escalateForTakeover(ctx, entry, reason)
	}

	now := s.now()
	attemptNumber := entry.RetryCount + 1

	claimed, err := s.window.Claim(ctx, entry.TenantID, entry.ID, now, attemptNumber)
	if err != nil {
		return fmt.Errorf("send window: %w", err)
	}
	if !claimed {
		// Another instance already dispatched this attempt today.
		return nil
	}

	priorStatus := entry.Status
	entry.Status = models.StatusProcessing
	entry.LastAttemptAt = &now
	if err := s.store.UpdateEntry(ctx, &entry); err != nil {
		if ferr := s.window.Forget(ctx, entry.TenantID, entry.ID, now, attemptNumber); ferr != nil {
			log.Printf("[processor] forget send window entry=%s: %v", entry.ID, ferr)
		}
		if errors.Is(err, models.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	body := s.composer.Compose(entry.CustomerType, s.tenantName(entry.TenantID), "", entry.RetryCount)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	res, sendErr := s.sender.Send(sendCtx, entry.Phone, body, "")
	cancel()
	if sendErr != nil {
		// Transient: revert to the prior active state and let the next
		// cycle retry. No attempt row, no retry_count increment.
		telemetry.SendFailures.Inc()
		log.Printf("[processor] send entry=%s: %v", entry.ID, sendErr)
		if ferr := s.window.Forget(ctx, entry.TenantID, entry.ID, now, attemptNumber); ferr != nil {
			log.Printf("[processor] forget send window entry=%s: %v", entry.ID, ferr)
		}
		entry.Status = priorStatus
		if err := s.store.UpdateEntry(ctx, &entry); err != nil {
			return fmt.Errorf("revert after send failure: %w", err)
		}
		return nil
	}

	if _, err := s.store.InsertAttempt(ctx, models.Attempt{
		EntryID:           entry.ID,
		AttemptNumber:     attemptNumber,
		Method:            models.AttemptMethodSMS,
		MessageBody:       body,
		ProviderMessageID: res.ProviderMessageID,
		Success:           true,
		CreatedAt:         now,
	}); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	entry.RetryCount = attemptNumber
	entry.AIRescueAttempted = true
	entry.Status = models.StatusAIRescuePending
	next := policy.ClampToBusinessHours(now.Add(backoffDelay(attemptNumber)))
	entry.NextAttemptAt = &next
	entry.ConversationContext = append(entry.ConversationContext, models.ContextEvent{
		Kind:       models.ContextAttemptSent,
		Note:       fmt.Sprintf("attempt %d via sms", attemptNumber),
		OccurredAt: now,
	})
	if err := s.store.UpdateEntry(ctx, &entry); err != nil {
		return fmt.Errorf("commit attempt: %w", err)
	}

	telemetry.AttemptsSent.Inc()
	s.emitter.Emit(ctx, events.EventAttemptSent, entry, entry.TenantID, entry.ID)
	return nil
}

func (s *Service) escalateForTakeover(ctx context.Context, entry models.QueueEntry, reason string) error {
	now := s.now()
	entry.Status = models.StatusEscalated
	entry.EscalatedAt = &now
	entry.RecoveryMethod = models.RecoveryMethodHumanTakeover
	entry.ConversationContext = append(entry.ConversationContext, models.ContextEvent{
		Kind:       models.ContextTakeoverDetected,
		Note:       reason,
		OccurredAt: now,
	})
	if err := s.store.UpdateEntry(ctx, &entry); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("escalate on takeover: %w", err)
	}
	telemetry.Escalated.Inc()
	s.emitter.Emit(ctx, events.EventEscalated, entry, entry.TenantID, entry.ID)
	return nil
}

// sweep force-terminates active entries whose escalation deadline passed.
// Tenants with escalation enabled hand off to a human; tenants without an
// escalation path expire the entry instead.
func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	breached, err := s.store.DeadlineBreached(ctx, now, sweepBatchSize)
	if err != nil {
		log.Printf("[sweep] select: %v", err)
		return
	}

	for _, entry := range breached {
		token, ok, err := s.locks.Acquire(ctx, entry.ID, entry.TenantID, s.cfg.LockTTL)
		if err != nil {
			log.Printf("[sweep] acquire lock entry=%s: %v", entry.ID, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.sweepEntry(ctx, entry.ID); err != nil {
			log.Printf("[sweep] entry=%s: %v", entry.ID, err)
		}
		if _, rerr := s.locks.Release(ctx, entry.ID, entry.TenantID, token); rerr != nil {
			log.Printf("[sweep] release lock entry=%s: %v", entry.ID, rerr)
		}
	}
}

func (s *Service) sweepEntry(ctx context.Context, entryID string) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if !models.IsActive(entry.Status) {
		return nil
	}
	now := s.now()
	if entry.EscalationDeadline.After(now) {
		return nil
	}

	policy, err := s.store.GetOrCreatePolicy(ctx, entry.TenantID, s.policyDefaults())
	if err != nil {
		return fmt.Errorf("sla policy: %w", err)
	}

	if policy.EscalationEnabled {
		entry.Status = models.StatusEscalated
		entry.EscalatedAt = &now
		entry.ConversationContext = append(entry.ConversationContext, models.ContextEvent{
			Kind:       models.ContextEscalated,
			Note:       "escalation deadline passed",
			OccurredAt: now,
		})
	} else {
		entry.Status = models.StatusExpired
		entry.ConversationContext = append(entry.ConversationContext, models.ContextEvent{
			Kind:       models.ContextExpired,
			Note:       "escalation deadline passed, escalation disabled",
			OccurredAt: now,
		})
	}

	if err := s.store.UpdateEntry(ctx, &entry); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil
		}
		return err
	}

	if entry.Status == models.StatusEscalated {
		telemetry.Escalated.Inc()
		s.emitter.Emit(ctx, events.EventEscalated, entry, entry.TenantID, entry.ID)
	} else {
		telemetry.Expired.Inc()
		s.emitter.Emit(ctx, events.EventExpired, entry, entry.TenantID, entry.ID)
	}
	return nil
}

// failEntry isolates an unrecoverable per-entry error: mark it failed and
// move on so the rest of the batch still runs.
func (s *Service) failEntry(ctx context.Context, entryID string, cause error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		log.Printf("[processor] fail entry=%s: refetch: %v", entryID, err)
		return
	}
	if !models.IsActive(entry.Status) {
		return
	}
	entry.Status = models.StatusFailed
	if err := s.store.UpdateEntry(ctx, &entry); err != nil {
		log.Printf("[processor] fail entry=%s: %v", entryID, err)
		return
	}
	telemetry.EntryFailures.Inc()
	s.emitter.Emit(ctx, events.EventFailed, map[string]string{
		"entry_id": entry.ID,
		"error":    cause.Error(),
	}, entry.TenantID, entry.ID)
}

// backoffDelay is the fixed outreach cadence: the delay after attempt N.
func backoffDelay(retryCount int) time.Duration {
	switch retryCount {
	case 1:
		return 2 * time.Hour
	case 2:
		return 10 * time.Hour
	default:
		return 24 * time.Hour
	}
}
