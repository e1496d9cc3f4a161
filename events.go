package kairos

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ──────────────────────────────────────────────
// Event bus
// ──────────────────────────────────────────────

// Handler types for the four outbound event kinds. Handlers receive copies
// of engine state and run synchronously on the goroutine that produced the
// event; the per-instance causal order triggered → completed →
// effectiveness always holds. Events are published outside the engine's
// locks, so handlers may call back into lifecycle operations, but they must
// return quickly.
type (
	TriggeredHandler        func(inst InterventionInstance)
	CompletedHandler        func(inst InterventionInstance)
	EffectivenessHandler    func(inst InterventionInstance, result EffectivenessResult)
	MissionSuggestedHandler func(s MissionSuggestion)
)

// EventCounts is a snapshot of how many events of each kind were published.
type EventCounts struct {
	Triggered        int64 `json:"triggered"`
	Completed        int64 `json:"completed"`
	Effectiveness    int64 `json:"effectiveness"`
	MissionSuggested int64 `json:"mission_suggested"`
}

// EventBus fans lifecycle events out to registered handlers. A panicking
// handler is isolated and logged; it never disturbs the engine or the other
// handlers.
type EventBus struct {
	mu               sync.RWMutex
	triggered        []TriggeredHandler
	completed        []CompletedHandler
	effectiveness    []EffectivenessHandler
	missionSuggested []MissionSuggestedHandler

	triggeredCount        atomic.Int64
	completedCount        atomic.Int64
	effectivenessCount    atomic.Int64
	missionSuggestedCount atomic.Int64

	log *logrus.Entry
}

// NewEventBus creates an empty bus.
func NewEventBus(cfg *Config) *EventBus {
	return &EventBus{log: cfg.normalized().component("EventBus")}
}

// OnTriggered registers a handler for interventionTriggered events.
func (b *EventBus) OnTriggered(h TriggeredHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggered = append(b.triggered, h)
}

// OnCompleted registers a handler for interventionCompleted events.
func (b *EventBus) OnCompleted(h CompletedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, h)
}

// OnEffectiveness registers a handler for interventionEffectiveness events.
func (b *EventBus) OnEffectiveness(h EffectivenessHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.effectiveness = append(b.effectiveness, h)
}

// OnMissionSuggested registers a handler for missionSuggested events.
func (b *EventBus) OnMissionSuggested(h MissionSuggestedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missionSuggested = append(b.missionSuggested, h)
}

// Counts returns the running publish counters.
func (b *EventBus) Counts() EventCounts {
	return EventCounts{
		Triggered:        b.triggeredCount.Load(),
		Completed:        b.completedCount.Load(),
		Effectiveness:    b.effectivenessCount.Load(),
		MissionSuggested: b.missionSuggestedCount.Load(),
	}
}

func (b *EventBus) publishTriggered(inst InterventionInstance) {
	b.triggeredCount.Inc()
	b.mu.RLock()
	handlers := b.triggered
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall("triggered", func() { h(inst) })
	}
}

func (b *EventBus) publishCompleted(inst InterventionInstance) {
	b.completedCount.Inc()
	b.mu.RLock()
	handlers := b.completed
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall("completed", func() { h(inst) })
	}
}

func (b *EventBus) publishEffectiveness(inst InterventionInstance, result EffectivenessResult) {
	b.effectivenessCount.Inc()
	b.mu.RLock()
	handlers := b.effectiveness
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall("effectiveness", func() { h(inst, result) })
	}
}

func (b *EventBus) publishMissionSuggested(s MissionSuggestion) {
	b.missionSuggestedCount.Inc()
	b.mu.RLock()
	handlers := b.missionSuggested
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall("missionSuggested", func() { h(s) })
	}
}

func (b *EventBus) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"event": kind, "panic": r}).
				Error("event handler panicked")
		}
	}()
	fn()
}
