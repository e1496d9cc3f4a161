package kairos

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ──────────────────────────────────────────────
// Intervention instances
// ──────────────────────────────────────────────

// InstanceStatus is the lifecycle state of an intervention instance.
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "active"
	StatusCompleted InstanceStatus = "completed"
	StatusCancelled InstanceStatus = "cancelled"
)

// Instance sources.
const (
	SourceStrategy       = "strategy"
	SourceDialogueSystem = "dialogue_system"
)

// InterventionInstance is one concrete, time-bounded execution of a chosen
// intervention for one user. Instances are created and mutated only by the
// LifecycleManager; every accessor returns a copy, so callers can read
// freely without synchronization.
type InterventionInstance struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	StrategyKey string             `json:"strategy_key"`
	Source      string             `json:"source"`
	Option      InterventionOption `json:"option"`

	// Before is the snapshot deep-copied at creation, the baseline for
	// effectiveness scoring.
	Before *UserStateSnapshot `json:"before"`

	CreatedAt   time.Time      `json:"created_at"`
	Status      InstanceStatus `json:"status"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`

	Effectiveness *EffectivenessResult `json:"effectiveness,omitempty"`

	// announced is closed once the triggered event for this instance has
	// been published. Completion publishes wait on it so the per-instance
	// order triggered → completed → effectiveness holds even though events
	// go out after the user's lock is released.
	announced chan struct{}
}

// clone returns a detached copy safe to hand to callers and event handlers.
func (i *InterventionInstance) clone() InterventionInstance {
	c := *i
	c.Before = i.Before.Clone()
	if i.Effectiveness != nil {
		r := *i.Effectiveness
		c.Effectiveness = &r
	}
	c.announced = nil
	return c
}

// ──────────────────────────────────────────────
// Rejections
// ──────────────────────────────────────────────

// RejectionReason classifies why a trigger attempt was declined. Rejections
// are normal negative outcomes, not faults.
type RejectionReason string

const (
	RejectedAlreadyActive RejectionReason = "already-active"
	RejectedRateLimited   RejectionReason = "rate-limited"
)

// RejectionError is returned by TryTrigger when an invariant declines the
// trigger.
type RejectionError struct {
	Reason      RejectionReason
	UserID      string
	StrategyKey string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("trigger rejected (%s): user=%s strategy=%s", e.Reason, e.UserID, e.StrategyKey)
}

// RejectionOf extracts the rejection reason from an error, if any.
func RejectionOf(err error) (RejectionReason, bool) {
	if rej, ok := err.(*RejectionError); ok {
		return rej.Reason, true
	}
	return "", false
}

// ──────────────────────────────────────────────
// Per-user state
// ──────────────────────────────────────────────

// userState is one user's serialization domain. The dedupe check, the
// rate-limit check, and instance creation happen atomically under mu; a
// push-triggered evaluation and a monitor pass for the same user both go
// through this lock.
type userState struct {
	mu sync.Mutex

	active           map[string]*InterventionInstance // instanceID -> instance
	activeByStrategy map[string]string                // strategyKey -> instanceID
	history          []*InterventionInstance          // oldest first, bounded
}

func newUserState() *userState {
	return &userState{
		active:           make(map[string]*InterventionInstance),
		activeByStrategy: make(map[string]string),
	}
}

// ──────────────────────────────────────────────
// LifecycleManager
// ──────────────────────────────────────────────

// LifecycleManager owns every user's active and historical intervention
// instances, enforces the dedupe and rate-limit invariants, advances
// instances through their state machine, and schedules deferred completion.
//
// Usage:
//
//	mgr := kairos.NewLifecycleManager(cfg, catalog, bus, provider)
//	mgr.Start()
//	defer mgr.Stop()
//
//	inst, err := mgr.TryTrigger("user_001", "stress_management", snapshot)
type LifecycleManager struct {
	cfg     *Config
	catalog *Catalog
	bus     *EventBus
	states  StateProvider
	clock   Clock
	scorer  EffectivenessScorer
	store   HistoryStore
	log     *logrus.Entry

	scheduler *DeadlineScheduler

	mu         sync.RWMutex
	users      map[string]*userState
	instanceTo map[string]string // instanceID -> userID
}

// NewLifecycleManager creates a manager. states may be nil, in which case
// completed instances score against a missing after-snapshot.
func NewLifecycleManager(cfg *Config, catalog *Catalog, bus *EventBus, states StateProvider) *LifecycleManager {
	cfg = cfg.normalized()
	m := &LifecycleManager{
		cfg:        cfg,
		catalog:    catalog,
		bus:        bus,
		states:     states,
		clock:      cfg.Clock,
		scorer:     cfg.Scorer,
		store:      cfg.History,
		log:        cfg.component("LifecycleManager"),
		users:      make(map[string]*userState),
		instanceTo: make(map[string]string),
	}
	m.scheduler = NewDeadlineScheduler(cfg, m.completeInstance)
	return m
}

// Start launches the completion scheduler.
func (m *LifecycleManager) Start() { m.scheduler.Start() }

// Stop halts the completion scheduler. Pending deadlines stay queued and
// fire after a later Start.
func (m *LifecycleManager) Stop() { m.scheduler.Stop() }

// userStateFor returns (creating if needed) the user's state.
func (m *LifecycleManager) userStateFor(userID string) *userState {
	m.mu.RLock()
	st, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.users[userID]; ok {
		return st
	}
	st = newUserState()
	m.users[userID] = st
	return st
}

// TryTrigger attempts to start an intervention for the user from the given
// strategy. The chosen option is the strategy's first-ranked intervention.
// Returns a *RejectionError when the dedupe or rate-limit invariant
// declines; any other error means the strategy itself was unusable.
func (m *LifecycleManager) TryTrigger(userID, strategyKey string, snap *UserStateSnapshot) (InterventionInstance, error) {
	strat, ok := m.catalog.Strategy(strategyKey)
	if !ok {
		return InterventionInstance{}, fmt.Errorf("unknown strategy %q", strategyKey)
	}
	opt := strat.Interventions[0]
	return m.create(userID, strategyKey, SourceStrategy, opt, snap, true, true)
}

// TriggerDialogue creates a dialogue-sourced active instance with the fixed
// configured duration, bypassing the normal strategy path. Whether it is
// subject to the dedupe/rate-limit checks depends on
// Config.DialogueExemptFromRateLimit; its creation timestamp is recorded in
// the window either way.
func (m *LifecycleManager) TriggerDialogue(userID, message string) (InterventionInstance, error) {
	opt := InterventionOption{
		Type:            "dialogue",
		Name:            "proactive_dialogue",
		DurationSeconds: int(m.cfg.DialogueDuration / time.Second),
		Description:     message,
		Effectiveness:   0.5,
	}
	var snap *UserStateSnapshot
	if m.states != nil {
		snap, _ = m.states.Snapshot(userID)
	}
	checked := !m.cfg.DialogueExemptFromRateLimit
	return m.create(userID, SourceDialogueSystem, SourceDialogueSystem, opt, snap, checked, checked)
}

// create enforces the invariants and builds the instance. The dedupe check,
// rate-limit check, creation, and schedule registration all happen under the
// user's lock so racing triggers cannot violate either invariant; the
// triggered event goes out after the lock is released so handlers may call
// back into lifecycle operations.
func (m *LifecycleManager) create(userID, strategyKey, source string, opt InterventionOption, snap *UserStateSnapshot, dedupe, rateLimit bool) (InterventionInstance, error) {
	st := m.userStateFor(userID)
	st.mu.Lock()

	if dedupe {
		if _, exists := st.activeByStrategy[strategyKey]; exists {
			st.mu.Unlock()
			return InterventionInstance{}, &RejectionError{Reason: RejectedAlreadyActive, UserID: userID, StrategyKey: strategyKey}
		}
	}

	now := m.clock.Now()
	if rateLimit {
		count, err := m.store.RecentCount(userID, now.Add(-m.cfg.RateLimitWindow))
		if err != nil {
			// Fail open: a broken history store should not freeze
			// triggering, only weaken the spam limit.
			m.log.WithError(err).WithField("user", userID).Warn("history store unavailable, skipping rate limit")
		} else if count >= m.cfg.RateLimitMax {
			st.mu.Unlock()
			return InterventionInstance{}, &RejectionError{Reason: RejectedRateLimited, UserID: userID, StrategyKey: strategyKey}
		}
	}

	inst := &InterventionInstance{
		ID:          uuid.NewString(),
		UserID:      userID,
		StrategyKey: strategyKey,
		Source:      source,
		Option:      opt,
		Before:      snap.Clone(),
		CreatedAt:   now,
		Status:      StatusActive,
		announced:   make(chan struct{}),
	}

	st.active[inst.ID] = inst
	st.activeByStrategy[strategyKey] = inst.ID

	m.mu.Lock()
	m.instanceTo[inst.ID] = userID
	m.mu.Unlock()

	if err := m.store.RecordCreated(userID, inst.ID, now); err != nil {
		m.log.WithError(err).WithField("user", userID).Warn("failed to record creation timestamp")
	}

	m.scheduler.Schedule(inst.ID, now.Add(opt.Duration()))

	m.log.WithFields(logrus.Fields{
		"user": userID, "strategy": strategyKey, "option": opt.Name, "instance": inst.ID,
	}).Info("intervention triggered")
	snapshot := inst.clone()
	st.mu.Unlock()

	m.bus.publishTriggered(snapshot)
	close(inst.announced)

	return snapshot, nil
}

// completeInstance is the deferred completion transition. It is invoked
// only by the scheduler once the instance's declared duration has elapsed,
// never externally and never early.
func (m *LifecycleManager) completeInstance(instanceID string) {
	m.mu.RLock()
	userID, ok := m.instanceTo[instanceID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	st := m.userStateFor(userID)

	st.mu.Lock()
	inst, ok := st.active[instanceID]
	if !ok {
		st.mu.Unlock()
		return // cancelled while the fire was in flight
	}

	inst.Status = StatusCompleted
	// Stamp the scheduled deadline, not the fire-processing time: a coarse
	// clock step past the deadline must not inflate the instance duration.
	inst.CompletedAt = inst.CreatedAt.Add(inst.Option.Duration())
	m.detachLocked(st, inst)

	// Score against the live snapshot. A missing snapshot (user deleted,
	// provider down) degrades to an all-missing result, not an error.
	var after *UserStateSnapshot
	if m.states != nil {
		if s, ok := m.states.Snapshot(userID); ok {
			after = s
		}
	}
	result := m.scorer.Score(inst.Before, after)
	inst.Effectiveness = &result

	m.log.WithFields(logrus.Fields{
		"user": userID, "instance": instanceID, "overall": result.Overall, "dimensions": result.Dimensions,
	}).Info("intervention completed")

	snapshot := inst.clone()
	announced := inst.announced
	st.mu.Unlock()

	if announced != nil {
		<-announced
	}
	m.bus.publishCompleted(snapshot)
	m.bus.publishEffectiveness(snapshot, result)
}

// Cancel removes an active instance without scoring it. Extension point for
// callers whose user state resolved before the duration elapsed; nothing in
// the default paths calls it.
func (m *LifecycleManager) Cancel(instanceID string) bool {
	m.mu.RLock()
	userID, ok := m.instanceTo[instanceID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st := m.userStateFor(userID)

	st.mu.Lock()
	defer st.mu.Unlock()

	inst, ok := st.active[instanceID]
	if !ok {
		return false
	}
	m.scheduler.Cancel(instanceID)
	inst.Status = StatusCancelled
	inst.CompletedAt = m.clock.Now()
	m.detachLocked(st, inst)
	m.log.WithFields(logrus.Fields{"user": userID, "instance": instanceID}).Info("intervention cancelled")
	return true
}

// detachLocked moves an instance from the active set to bounded history.
// Caller holds st.mu.
func (m *LifecycleManager) detachLocked(st *userState, inst *InterventionInstance) {
	delete(st.active, inst.ID)
	if st.activeByStrategy[inst.StrategyKey] == inst.ID {
		delete(st.activeByStrategy, inst.StrategyKey)
	}
	m.mu.Lock()
	delete(m.instanceTo, inst.ID)
	m.mu.Unlock()
	st.history = append(st.history, inst)
	if limit := m.cfg.MaxHistoryPerUser; len(st.history) > limit {
		st.history = append([]*InterventionInstance(nil), st.history[len(st.history)-limit:]...)
	}
}

// ──────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────

// RecentCount returns the number of instances (any status) created for the
// user within the window ending now.
func (m *LifecycleManager) RecentCount(userID string, window time.Duration) int {
	count, err := m.store.RecentCount(userID, m.clock.Now().Add(-window))
	if err != nil {
		m.log.WithError(err).WithField("user", userID).Warn("history store unavailable")
		return 0
	}
	return count
}

// HasActiveOptionType reports whether the user has an active instance whose
// option type equals optionType. Implements ActiveQuery for the mission
// path.
func (m *LifecycleManager) HasActiveOptionType(userID, optionType string) bool {
	m.mu.RLock()
	st, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, inst := range st.active {
		if inst.Option.Type == optionType {
			return true
		}
	}
	return false
}

// Active returns copies of the user's active instances.
func (m *LifecycleManager) Active(userID string) []InterventionInstance {
	m.mu.RLock()
	st, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]InterventionInstance, 0, len(st.active))
	for _, inst := range st.active {
		out = append(out, inst.clone())
	}
	return out
}

// History returns copies of the user's retained historical instances,
// oldest first.
func (m *LifecycleManager) History(userID string) []InterventionInstance {
	m.mu.RLock()
	st, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]InterventionInstance, 0, len(st.history))
	for _, inst := range st.history {
		out = append(out, inst.clone())
	}
	return out
}

// counts aggregates totals for engine stats. O(tracked users).
func (m *LifecycleManager) counts() (total, active, usersWithHistory int) {
	m.mu.RLock()
	users := make([]*userState, 0, len(m.users))
	for _, st := range m.users {
		users = append(users, st)
	}
	m.mu.RUnlock()

	for _, st := range users {
		st.mu.Lock()
		total += len(st.active) + len(st.history)
		active += len(st.active)
		if len(st.history) > 0 {
			usersWithHistory++
		}
		st.mu.Unlock()
	}
	return total, active, usersWithHistory
}
