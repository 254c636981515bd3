package ensemble

import (
	"sync"
	"testing"
	"time"
)

func newTestHealth() (*Health, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHealth(3, time.Minute, time.Minute)
	h.now = func() time.Time { return now }
	return h, &now
}

func TestHealth_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	h, _ := newTestHealth()

	for i := 0; i < 2; i++ {
		h.RecordFailure("claude")
	}
	if got := h.State("claude"); got != StateHealthy {
		t.Fatalf("state after 2 failures = %q, want healthy", got)
	}

	h.RecordFailure("claude")
	if got := h.State("claude"); got != StateDisabled {
		t.Fatalf("state after 3 failures = %q, want disabled", got)
	}
	if h.Allow("claude") {
		t.Error("disabled provider allowed before cooldown")
	}
}

func TestHealth_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	h, _ := newTestHealth()

	h.RecordFailure("claude")
	h.RecordFailure("claude")
	h.RecordSuccess("claude")
	h.RecordFailure("claude")
	h.RecordFailure("claude")

	if got := h.State("claude"); got != StateHealthy {
		t.Errorf("state = %q, want healthy", got)
	}
}

func TestHealth_WindowExpiryResetsCount(t *testing.T) {
	t.Parallel()

	h, now := newTestHealth()

	h.RecordFailure("claude")
	h.RecordFailure("claude")
	*now = now.Add(2 * time.Minute) // beyond failure window
	h.RecordFailure("claude")

	if got := h.State("claude"); got != StateHealthy {
		t.Errorf("state = %q, want healthy (window expired)", got)
	}
}

func TestHealth_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	h, now := newTestHealth()

	for i := 0; i < 3; i++ {
		h.RecordFailure("claude")
	}
	*now = now.Add(61 * time.Second)

	if !h.Allow("claude") {
		t.Fatal("expected probe to be allowed after cooldown")
	}
	if got := h.State("claude"); got != StateDegraded {
		t.Fatalf("state = %q, want degraded", got)
	}
	// Only one probe at a time.
	if h.Allow("claude") {
		t.Error("second call allowed while probe in flight")
	}

	h.RecordSuccess("claude")
	if got := h.State("claude"); got != StateHealthy {
		t.Errorf("state after probe success = %q, want healthy", got)
	}
	if !h.Allow("claude") {
		t.Error("healthy provider not allowed")
	}
}

func TestHealth_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	h, now := newTestHealth()

	for i := 0; i < 3; i++ {
		h.RecordFailure("claude")
	}
	*now = now.Add(61 * time.Second)
	if !h.Allow("claude") {
		t.Fatal("expected probe allowed")
	}

	h.RecordFailure("claude")
	if got := h.State("claude"); got != StateDisabled {
		t.Fatalf("state after failed probe = %q, want disabled", got)
	}
	// Cooldown restarts from the failed probe.
	*now = now.Add(30 * time.Second)
	if h.Allow("claude") {
		t.Error("allowed before new cooldown elapsed")
	}
	*now = now.Add(31 * time.Second)
	if !h.Allow("claude") {
		t.Error("probe not allowed after new cooldown")
	}
}

func TestHealth_CostAccumulatesConcurrently(t *testing.T) {
	t.Parallel()

	h, _ := newTestHealth()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.AddCost("claude", 0.01)
			h.AddCost("openai", 0.02)
		}()
	}
	wg.Wait()

	if got := h.Cost("claude"); got < 0.499 || got > 0.501 {
		t.Errorf("claude cost = %v, want ~0.5", got)
	}
	if got := h.TotalCost(); got < 1.499 || got > 1.501 {
		t.Errorf("total cost = %v, want ~1.5", got)
	}
}

func TestHealth_ResetPreservesCost(t *testing.T) {
	t.Parallel()

	h, _ := newTestHealth()

	for i := 0; i < 3; i++ {
		h.RecordFailure("claude")
	}
	h.AddCost("claude", 1.5)

	h.Reset()

	if got := h.State("claude"); got != StateHealthy {
		t.Errorf("state after reset = %q, want healthy", got)
	}
	if got := h.Cost("claude"); got != 1.5 {
		t.Errorf("cost after reset = %v, want 1.5", got)
	}
}

func TestHealth_Snapshot(t *testing.T) {
	t.Parallel()

	h, _ := newTestHealth()
	h.AddCost("claude", 0.25)
	h.AddCost("claude", 0.25)

	snap := h.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot rows = %d, want 1", len(snap))
	}
	if snap[0].Name != "claude" || snap[0].Cost != 0.5 || snap[0].Calls != 2 {
		t.Errorf("snapshot = %+v", snap[0])
	}
}
