package kairos

import (
	"sync"
	"testing"
	"time"
)

// memoryStateProvider is a StateProvider stub for tests.
type memoryStateProvider struct {
	mu    sync.Mutex
	snaps map[string]*UserStateSnapshot
}

func newMemoryStateProvider() *memoryStateProvider {
	return &memoryStateProvider{snaps: make(map[string]*UserStateSnapshot)}
}

func (p *memoryStateProvider) set(userID string, s *UserStateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[userID] = s
}

func (p *memoryStateProvider) remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snaps, userID)
}

func (p *memoryStateProvider) Snapshot(userID string) (*UserStateSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.snaps[userID]
	return s, ok
}

func (p *memoryStateProvider) UserIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.snaps))
	for id := range p.snaps {
		ids = append(ids, id)
	}
	return ids
}

func newTestManager(t *testing.T, clock *fakeClock, provider StateProvider) (*LifecycleManager, *EventBus) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Clock = clock
	bus := NewEventBus(cfg)
	m := NewLifecycleManager(cfg, NewDefaultCatalog(), bus, provider)
	m.Start()
	t.Cleanup(m.Stop)
	return m, bus
}

func stressSnapshot() *UserStateSnapshot {
	return &UserStateSnapshot{
		Relationships: map[string]RelationshipSignal{
			"high_stress_affects_attention": {Strength: 0.9},
		},
		StressLevel: Float(0.8),
		EnergyLevel: Float(0.4),
		Attention:   AttentionDistracted,
	}
}

func TestTryTrigger_SelectsFirstRankedOption(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	inst, err := m.TryTrigger("u1", "stress_management", stressSnapshot())
	if err != nil {
		t.Fatalf("trigger should succeed: %v", err)
	}
	if inst.Status != StatusActive {
		t.Fatalf("status = %s, want active", inst.Status)
	}
	if inst.Option.Name != "breathing_exercise" || inst.Option.DurationSeconds != 300 {
		t.Fatalf("option = %q/%ds, want breathing_exercise/300s", inst.Option.Name, inst.Option.DurationSeconds)
	}
	if inst.Source != SourceStrategy {
		t.Fatalf("source = %q, want strategy", inst.Source)
	}
	if inst.Before == nil || *inst.Before.StressLevel != 0.8 {
		t.Fatal("before snapshot must be captured")
	}
}

func TestTryTrigger_DeepCopiesSnapshot(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	snap := stressSnapshot()
	inst, err := m.TryTrigger("u1", "stress_management", snap)
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's snapshot must not contaminate the baseline.
	*snap.StressLevel = 0.1
	snap.Relationships["high_stress_affects_attention"] = RelationshipSignal{Strength: 0}

	if *inst.Before.StressLevel != 0.8 {
		t.Fatalf("baseline stress = %v, want 0.8", *inst.Before.StressLevel)
	}
	if inst.Before.Relationships["high_stress_affects_attention"].Strength != 0.9 {
		t.Fatal("baseline relationships must be deep-copied")
	}
}

func TestTryTrigger_DedupeSameStrategy(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	_, err := m.TryTrigger("u1", "stress_management", stressSnapshot())
	reason, ok := RejectionOf(err)
	if !ok || reason != RejectedAlreadyActive {
		t.Fatalf("expected already-active rejection, got %v", err)
	}
	if n := len(m.Active("u1")); n != 1 {
		t.Fatalf("expected exactly 1 active instance, got %d", n)
	}
}

func TestTryTrigger_DedupeIsPerUser(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryTrigger("u2", "stress_management", stressSnapshot()); err != nil {
		t.Fatalf("another user's trigger must be independent: %v", err)
	}
}

func TestTryTrigger_RateLimit(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := m.TryTrigger("u1", "energy_boost", stressSnapshot()); err != nil {
		t.Fatal(err)
	}

	// Third distinct strategy inside the same hour: rejected.
	clock.Advance(10 * time.Minute)
	_, err := m.TryTrigger("u1", "focus_enhancement", stressSnapshot())
	reason, ok := RejectionOf(err)
	if !ok || reason != RejectedRateLimited {
		t.Fatalf("expected rate-limited rejection, got %v", err)
	}

	// After the window elapses past the first creation, triggering works
	// again.
	clock.Advance(41 * time.Minute)
	if _, err := m.TryTrigger("u1", "focus_enhancement", stressSnapshot()); err != nil {
		t.Fatalf("trigger after window must succeed: %v", err)
	}
}

func TestTryTrigger_RateLimitCountsCompletedInstances(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, newMemoryStateProvider())

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryTrigger("u1", "energy_boost", stressSnapshot()); err != nil {
		t.Fatal(err)
	}

	// Let both complete; the window still counts their creations.
	clock.Advance(10 * time.Minute)
	waitUntil(t, func() bool { return len(m.Active("u1")) == 0 })

	_, err := m.TryTrigger("u1", "focus_enhancement", stressSnapshot())
	if reason, ok := RejectionOf(err); !ok || reason != RejectedRateLimited {
		t.Fatalf("completed instances must still count toward the window, got %v", err)
	}
}

func TestCompletion_AfterExactDuration(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	provider := newMemoryStateProvider()
	provider.set("u1", stressSnapshot())
	m, bus := newTestManager(t, clock, provider)

	completed := make(chan InterventionInstance, 1)
	bus.OnCompleted(func(inst InterventionInstance) { completed <- inst })

	inst, err := m.TryTrigger("u1", "stress_management", stressSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	// One second short of the declared 300s: still active.
	clock.Advance(299 * time.Second)
	select {
	case <-completed:
		t.Fatal("instance completed before its duration elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	var done InterventionInstance
	select {
	case done = <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if done.ID != inst.ID || done.Status != StatusCompleted {
		t.Fatalf("unexpected completed instance: %+v", done)
	}
	if got := done.CompletedAt.Sub(done.CreatedAt); got != 300*time.Second {
		t.Fatalf("completion after %v, want exactly 300s", got)
	}
	if len(m.Active("u1")) != 0 {
		t.Fatal("completed instance must leave the active set")
	}
	hist := m.History("u1")
	if len(hist) != 1 || hist[0].ID != inst.ID {
		t.Fatalf("completed instance must enter history, got %v", hist)
	}
}

func TestCompletion_TimestampIsScheduledDeadline(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, bus := newTestManager(t, clock, newMemoryStateProvider())

	completed := make(chan InterventionInstance, 1)
	bus.OnCompleted(func(inst InterventionInstance) { completed <- inst })

	inst, err := m.TryTrigger("u1", "stress_management", stressSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	// One coarse step far past the 300s deadline.
	clock.Advance(10 * time.Minute)
	var done InterventionInstance
	select {
	case done = <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if got := done.CompletedAt.Sub(done.CreatedAt); got != inst.Option.Duration() {
		t.Fatalf("completion stamped after %v, want the scheduled %v", got, inst.Option.Duration())
	}
}

func TestTryTrigger_HandlerMayCallBackIntoLifecycle(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.RateLimitMax = 10
	bus := NewEventBus(cfg)
	m := NewLifecycleManager(cfg, NewDefaultCatalog(), bus, newMemoryStateProvider())
	m.Start()
	t.Cleanup(m.Stop)

	bus.OnTriggered(func(inst InterventionInstance) {
		if inst.StrategyKey != "stress_management" {
			return
		}
		// Re-entrant trigger for the same user from inside the handler.
		if _, err := m.TryTrigger(inst.UserID, "energy_boost", stressSnapshot()); err != nil {
			t.Errorf("re-entrant trigger failed: %v", err)
		}
	})

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Active("u1")); n != 2 {
		t.Fatalf("expected 2 active instances, got %d", n)
	}
}

func TestCompletion_HandlerMayCallBackIntoLifecycle(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.RateLimitMax = 10
	bus := NewEventBus(cfg)
	m := NewLifecycleManager(cfg, NewDefaultCatalog(), bus, newMemoryStateProvider())
	m.Start()
	t.Cleanup(m.Stop)

	retriggered := make(chan InterventionInstance, 1)
	bus.OnCompleted(func(inst InterventionInstance) {
		next, err := m.TryTrigger(inst.UserID, inst.StrategyKey, stressSnapshot())
		if err != nil {
			t.Errorf("re-trigger from completion handler failed: %v", err)
			close(retriggered)
			return
		}
		retriggered <- next
	})

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(300 * time.Second)

	select {
	case next := <-retriggered:
		if next.Status != StatusActive {
			t.Fatalf("unexpected re-triggered instance: %+v", next)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: completion handler deadlocked calling back into the manager")
	}
}

func TestCompletion_ScoresAgainstLiveSnapshot(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	provider := newMemoryStateProvider()
	m, bus := newTestManager(t, clock, provider)

	results := make(chan EffectivenessResult, 1)
	bus.OnEffectiveness(func(_ InterventionInstance, r EffectivenessResult) { results <- r })

	before := stressSnapshot() // stress 0.8
	if _, err := m.TryTrigger("u1", "stress_management", before); err != nil {
		t.Fatal(err)
	}

	// State improved by completion time.
	provider.set("u1", &UserStateSnapshot{
		StressLevel: Float(0.3),
		EnergyLevel: Float(0.6),
		Attention:   AttentionFocused,
	})

	clock.Advance(300 * time.Second)
	var r EffectivenessResult
	select {
	case r = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for effectiveness event")
	}

	if r.Dimensions != 3 {
		t.Fatalf("expected 3 dimensions, got %d", r.Dimensions)
	}
	if !almostEqual(*r.StressReduction, 0.5) {
		t.Fatalf("stress reduction = %v, want 0.5", *r.StressReduction)
	}
}

func TestCompletion_MissingProviderSnapshotDegrades(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	provider := newMemoryStateProvider()
	m, bus := newTestManager(t, clock, provider)

	completed := make(chan InterventionInstance, 1)
	bus.OnCompleted(func(inst InterventionInstance) { completed <- inst })

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	provider.remove("u1") // user deleted before completion

	clock.Advance(300 * time.Second)
	var done InterventionInstance
	select {
	case done = <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if done.Status != StatusCompleted {
		t.Fatal("instance must still complete without a live snapshot")
	}
	if done.Effectiveness == nil || done.Effectiveness.Computable() {
		t.Fatalf("expected a fully degraded effectiveness result, got %+v", done.Effectiveness)
	}
}

func TestCompletion_FreesStrategyForRetrigger(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	provider := newMemoryStateProvider()
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.RateLimitMax = 10 // keep the rate limit out of the way
	bus := NewEventBus(cfg)
	m := NewLifecycleManager(cfg, NewDefaultCatalog(), bus, provider)
	m.Start()
	t.Cleanup(m.Stop)

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(300 * time.Second)
	waitUntil(t, func() bool { return len(m.Active("u1")) == 0 })

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatalf("strategy must be retriggerable after completion: %v", err)
	}
}

func TestCancel_RemovesWithoutScoring(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, bus := newTestManager(t, clock, newMemoryStateProvider())

	completions := make(chan InterventionInstance, 1)
	bus.OnCompleted(func(inst InterventionInstance) { completions <- inst })

	inst, err := m.TryTrigger("u1", "stress_management", stressSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !m.Cancel(inst.ID) {
		t.Fatal("cancel should succeed for an active instance")
	}
	if m.Cancel(inst.ID) {
		t.Fatal("second cancel should fail")
	}

	clock.Advance(300 * time.Second)
	select {
	case <-completions:
		t.Fatal("cancelled instance must not complete")
	case <-time.After(50 * time.Millisecond):
	}

	hist := m.History("u1")
	if len(hist) != 1 || hist[0].Status != StatusCancelled {
		t.Fatalf("cancelled instance must enter history as cancelled, got %v", hist)
	}
	if hist[0].Effectiveness != nil {
		t.Fatal("cancelled instance must not be scored")
	}
}

func TestTriggerDialogue_ExemptFromRateLimit(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	// Fill the window.
	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryTrigger("u1", "energy_boost", stressSnapshot()); err != nil {
		t.Fatal(err)
	}

	inst, err := m.TriggerDialogue("u1", "I noticed you might need a break")
	if err != nil {
		t.Fatalf("dialogue intervention must bypass the rate limit by default: %v", err)
	}
	if inst.Source != SourceDialogueSystem {
		t.Fatalf("source = %q, want dialogue_system", inst.Source)
	}
	if inst.Option.Description != "I noticed you might need a break" {
		t.Fatalf("message not carried: %+v", inst.Option)
	}
}

func TestTriggerDialogue_SubjectToRateLimitWhenConfigured(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.DialogueExemptFromRateLimit = false
	bus := NewEventBus(cfg)
	m := NewLifecycleManager(cfg, NewDefaultCatalog(), bus, nil)
	m.Start()
	t.Cleanup(m.Stop)

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryTrigger("u1", "energy_boost", stressSnapshot()); err != nil {
		t.Fatal(err)
	}

	_, err := m.TriggerDialogue("u1", "hello")
	if reason, ok := RejectionOf(err); !ok || reason != RejectedRateLimited {
		t.Fatalf("expected rate-limited rejection with exemption off, got %v", err)
	}
}

func TestTriggerDialogue_CreationCountsTowardWindow(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	if _, err := m.TriggerDialogue("u1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}

	// Dialogue creation + one strategy creation fill the N=2 window even
	// though the dialogue instance itself skipped the check.
	_, err := m.TryTrigger("u1", "energy_boost", stressSnapshot())
	if reason, ok := RejectionOf(err); !ok || reason != RejectedRateLimited {
		t.Fatalf("dialogue creations must count toward the window, got %v", err)
	}
}

func TestRecentCount(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Minute)
	if _, err := m.TryTrigger("u1", "energy_boost", stressSnapshot()); err != nil {
		t.Fatal(err)
	}

	if n := m.RecentCount("u1", time.Hour); n != 2 {
		t.Fatalf("RecentCount(1h) = %d, want 2", n)
	}
	if n := m.RecentCount("u1", 10*time.Minute); n != 1 {
		t.Fatalf("RecentCount(10m) = %d, want 1", n)
	}
}

func TestTryTrigger_UnknownStrategy(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	m, _ := newTestManager(t, clock, nil)

	_, err := m.TryTrigger("u1", "nonexistent", stressSnapshot())
	if err == nil {
		t.Fatal("unknown strategy must error")
	}
	if _, ok := RejectionOf(err); ok {
		t.Fatal("unknown strategy is a fault, not a rejection")
	}
}

func TestTryTrigger_ConcurrentSameUserSameStrategy(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.RateLimitMax = 100
	bus := NewEventBus(cfg)
	m := NewLifecycleManager(cfg, NewDefaultCatalog(), bus, nil)
	m.Start()
	t.Cleanup(m.Stop)

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryTrigger("u1", "stress_management", stressSnapshot()); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("racing triggers accepted %d instances, want exactly 1", accepted)
	}
	if n := len(m.Active("u1")); n != 1 {
		t.Fatalf("active set holds %d instances, want 1", n)
	}
}

// waitUntil polls cond with a real-time deadline; used where a scheduler
// goroutine needs a moment to process an advanced virtual clock.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
