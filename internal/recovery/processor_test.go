package recovery

import (
	"context"
	"testing"
	"time"

	"missed-call-recovery/internal/events"
	"missed-call-recovery/internal/models"
)

func TestBackoffTable(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Hour},
		{2, 10 * time.Hour},
		{3, 24 * time.Hour},
		{4, 24 * time.Hour},
		{7, 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.retry); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

// Retry monotonicity: each attempt's next_attempt_at lands exactly at the
// backoff offset from the attempt time, and later than the previous one.
func TestRetryScheduleAcrossCycles(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	entry, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")

	offsets := []time.Duration{2 * time.Hour, 10 * time.Hour, 24 * time.Hour}
	var prevNext time.Time
	for i, want := range offsets {
		got, _ := rig.store.GetEntry(ctx, entry.ID)
		if got.RetryCount != i+1 {
			t.Fatalf("after attempt %d: retry_count=%d", i+1, got.RetryCount)
		}
		if got.LastAttemptAt == nil || got.NextAttemptAt == nil {
			t.Fatalf("after attempt %d: missing attempt timestamps", i+1)
		}
		if delta := got.NextAttemptAt.Sub(*got.LastAttemptAt); delta != want {
			t.Fatalf("attempt %d: next-last = %s, want %s", i+1, delta, want)
		}
		if !prevNext.IsZero() && !got.NextAttemptAt.After(prevNext) {
			t.Fatalf("attempt %d: next_attempt_at did not advance", i+1)
		}
		prevNext = *got.NextAttemptAt

		// Jump past next_attempt_at and run the next cycle.
		rig.advance(want + time.Minute)
		if err := rig.svc.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i+2, err)
		}
	}
}

// Scenario: at max retries the processor stays silent and leaves the entry
// for the sweep, which escalates it once the deadline passes.
func TestMaxRetriesLeftForSweep(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	entry, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")
	for _, d := range []time.Duration{3 * time.Hour, 11 * time.Hour, 25 * time.Hour} {
		rig.advance(d)
		if err := rig.svc.RunCycle(ctx); err != nil {
			t.Fatalf("cycle: %v", err)
		}
	}

	got, _ := rig.store.GetEntry(ctx, entry.ID)
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d", got.RetryCount)
	}
	if rig.sender.sentCount() != 3 {
		t.Fatalf("sent %d messages, want 3", rig.sender.sentCount())
	}

	// Still due, but exhausted: no 4th message, no silent recovery.
	rig.advance(25 * time.Hour)
	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got, _ = rig.store.GetEntry(ctx, entry.ID)
	if rig.sender.sentCount() != 3 {
		t.Fatalf("processor sent a 4th message")
	}
	if got.Status == models.StatusRecovered {
		t.Fatal("exhausted entry must not be marked recovered")
	}

	// 48h escalation deadline has passed by now; the sweep picks it up.
	if got.Status != models.StatusEscalated {
		t.Fatalf("status after sweep = %s, want escalated", got.Status)
	}
	if got.EscalatedAt == nil {
		t.Fatal("escalated_at not set")
	}
	if rig.emitter.count(events.EventEscalated) != 1 {
		t.Fatalf("escalated events = %d", rig.emitter.count(events.EventEscalated))
	}
}

// Escalation ceiling: after a sweep no entry remains active past its
// escalation deadline, and tenants without an escalation path expire.
func TestSweepTerminalStates(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	escalating, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")
	expiring, _, _ := rig.svc.Enqueue(ctx, "call-2", "+15550002222", "tenant-b")

	policy := rig.store.policies["tenant-b"]
	policy.EscalationEnabled = false
	rig.store.policies["tenant-b"] = policy

	rig.advance(49 * time.Hour)
	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	gotA, _ := rig.store.GetEntry(ctx, escalating.ID)
	if gotA.Status != models.StatusEscalated {
		t.Fatalf("tenant-a entry = %s, want escalated", gotA.Status)
	}
	gotB, _ := rig.store.GetEntry(ctx, expiring.ID)
	if gotB.Status != models.StatusExpired {
		t.Fatalf("tenant-b entry = %s, want expired", gotB.Status)
	}
	if rig.emitter.count(events.EventExpired) != 1 {
		t.Fatalf("expired events = %d", rig.emitter.count(events.EventExpired))
	}

	breached, _ := rig.store.DeadlineBreached(ctx, *rig.now, 100)
	if len(breached) != 0 {
		t.Fatalf("%d entries still active past escalation deadline", len(breached))
	}
}

// Recovered entries are frozen: a stale selection races the reply webhook,
// and the in-lock re-read must abort without another attempt.
func TestRecoveredEntryIsFrozen(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	entry, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")
	stale, _ := rig.store.GetEntry(ctx, entry.ID)

	if err := rig.svc.HandleCustomerResponse(ctx, "+15550001111", "sounds good", "tenant-a"); err != nil {
		t.Fatalf("handle response: %v", err)
	}

	// The processor still holds the pre-reply snapshot.
	rig.advance(3 * time.Hour)
	if err := rig.svc.processEntry(ctx, stale); err != nil {
		t.Fatalf("process stale entry: %v", err)
	}

	if rig.sender.sentCount() != 1 {
		t.Fatalf("sent %d messages, want only the enrollment attempt", rig.sender.sentCount())
	}
	if attempts := rig.store.attemptsFor(entry.ID); len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
}

func TestLockContentionSkipsEntry(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	entry, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")
	before, _ := rig.store.GetEntry(ctx, entry.ID)

	// Another worker holds the lease.
	if _, ok, _ := rig.locks.Acquire(ctx, entry.ID, entry.TenantID, 0); !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}

	rig.advance(3 * time.Hour)
	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	after, _ := rig.store.GetEntry(ctx, entry.ID)
	if after.Version != before.Version {
		t.Fatal("contended entry must not be touched")
	}
	if rig.sender.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", rig.sender.sentCount())
	}
}

func TestTakeoverEscalatesWithoutSending(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	entry, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")

	rig.svc.detector = fakeDetector{taken: true, reason: "answered call after enrollment"}
	rig.advance(3 * time.Hour)
	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	got, _ := rig.store.GetEntry(ctx, entry.ID)
	if got.Status != models.StatusEscalated {
		t.Fatalf("status = %s", got.Status)
	}
	if got.EscalatedAt == nil || got.RecoveryMethod != models.RecoveryMethodHumanTakeover {
		t.Fatalf("escalated_at=%v method=%s", got.EscalatedAt, got.RecoveryMethod)
	}
	if rig.sender.sentCount() != 1 {
		t.Fatalf("takeover must not trigger another send, got %d", rig.sender.sentCount())
	}

	// The takeover reason lands in the conversation context.
	last := got.ConversationContext[len(got.ConversationContext)-1]
	if last.Kind != models.ContextTakeoverDetected {
		t.Fatalf("last context event = %s", last.Kind)
	}
}

func TestSendFailureLeavesEntryForNextCycle(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	rig.sender.err = errBoom
	entry, _, err := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")
	if err != nil {
		t.Fatalf("enqueue must survive a send failure: %v", err)
	}

	got, _ := rig.store.GetEntry(ctx, entry.ID)
	if got.Status != models.StatusQueued {
		t.Fatalf("status after failed send = %s, want queued", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, failed sends must not count", got.RetryCount)
	}
	if attempts := rig.store.attemptsFor(entry.ID); len(attempts) != 0 {
		t.Fatalf("attempts recorded for a failed send: %d", len(attempts))
	}

	// Provider back: the next cycle retries the same attempt number.
	rig.sender.err = nil
	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got, _ = rig.store.GetEntry(ctx, entry.ID)
	if got.Status != models.StatusAIRescuePending || got.RetryCount != 1 {
		t.Fatalf("status=%s retry_count=%d after recovery cycle", got.Status, got.RetryCount)
	}
}

func TestDuplicateSendWindowSkips(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	entry, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")

	// Simulate a sibling instance that already claimed attempt 2 today.
	rig.advance(3 * time.Hour)
	if ok, _ := rig.window.Claim(ctx, "tenant-a", entry.ID, *rig.now, 2); !ok {
		t.Fatal("setup: claim failed")
	}

	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rig.sender.sentCount() != 1 {
		t.Fatalf("duplicate window claim still sent: %d", rig.sender.sentCount())
	}
}

func TestRunCycleIsolatesFailingEntry(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	bad, _, _ := rig.svc.Enqueue(ctx, "call-1", "+15550001111", "tenant-a")
	good, _, _ := rig.svc.Enqueue(ctx, "call-2", "+15550002222", "tenant-a")

	// The bad entry's writes blow up mid-processing.
	rig.store.updateErr = errBoom
	rig.store.updateErrFor = bad.ID

	rig.advance(3 * time.Hour)
	if err := rig.svc.RunCycle(ctx); err != nil {
		t.Fatalf("cycle must not propagate per-entry errors: %v", err)
	}

	gotGood, _ := rig.store.GetEntry(ctx, good.ID)
	if gotGood.RetryCount != 2 {
		t.Fatalf("healthy entry was not processed: retry_count=%d", gotGood.RetryCount)
	}

	// Once the store recovers, failEntry has marked the bad entry failed or
	// it is still active for the next cycle; either way the batch survived.
	if rig.emitter.count(events.EventAttemptSent) < 3 {
		t.Fatalf("attempt events = %d", rig.emitter.count(events.EventAttemptSent))
	}
}
