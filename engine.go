package kairos

import (
	"github.com/sirupsen/logrus"
)

// ──────────────────────────────────────────────
// Engine
// ──────────────────────────────────────────────

// EngineStats is a read-only diagnostic snapshot, computed on demand.
type EngineStats struct {
	TotalInterventions    int         `json:"total_interventions"`
	ActiveInterventions   int         `json:"active_interventions"`
	StrategyCount         int         `json:"strategy_count"`
	MissionTemplateCount  int         `json:"mission_template_count"`
	TotalUsersWithHistory int         `json:"total_users_with_history"`
	Events                EventCounts `json:"events"`
}

// Engine wires the catalog, trigger evaluator, lifecycle manager, mission
// advisor, periodic monitor, and event bus into the autonomous
// decision/lifecycle engine. It consumes collaborator events and publishes
// lifecycle events; it owns no transport or persistence format.
//
// Usage:
//
//	engine, err := kairos.NewEngine(kairos.DefaultConfig(), kairos.NewDefaultCatalog(), provider)
//	engine.OnTriggered(func(inst kairos.InterventionInstance) { ... })
//	engine.Start()
//	defer engine.Stop()
//
//	engine.HandleStateChanged("user_001", snapshot)
type Engine struct {
	cfg       *Config
	catalog   *Catalog
	bus       *EventBus
	evaluator *TriggerEvaluator
	lifecycle *LifecycleManager
	advisor   *MissionAdvisor
	monitor   *PeriodicMonitor
	log       *logrus.Entry
}

// NewEngine builds the engine. The catalog must already be validated (any
// NewCatalog/LoadCatalog* result); provider may be nil for purely
// push-driven use, at the cost of degraded effectiveness scoring.
func NewEngine(cfg *Config, catalog *Catalog, provider StateProvider) (*Engine, error) {
	cfg = cfg.normalized()
	if catalog == nil {
		catalog = NewDefaultCatalog()
	}

	bus := NewEventBus(cfg)
	evaluator := NewTriggerEvaluator(catalog, cfg)
	lifecycle := NewLifecycleManager(cfg, catalog, bus, provider)
	advisor := NewMissionAdvisor(cfg, catalog, evaluator, lifecycle, bus)

	e := &Engine{
		cfg:       cfg,
		catalog:   catalog,
		bus:       bus,
		evaluator: evaluator,
		lifecycle: lifecycle,
		advisor:   advisor,
		log:       cfg.component("Engine"),
	}
	e.monitor = NewPeriodicMonitor(cfg, provider, e.EvaluateUser)
	return e, nil
}

// Start launches the completion scheduler and the periodic monitor.
func (e *Engine) Start() {
	e.lifecycle.Start()
	e.monitor.Start()
}

// Stop shuts both down gracefully. Scheduled completions stay queued in
// memory; they fire after a later Start.
func (e *Engine) Stop() {
	e.monitor.Stop()
	e.lifecycle.Stop()
}

// ──────────────────────────────────────────────
// Inbound interface
// ──────────────────────────────────────────────

// HandleStateChanged runs one evaluation pass for the user with the pushed
// snapshot. Called by the state-model collaborator on state change.
func (e *Engine) HandleStateChanged(userID string, snap *UserStateSnapshot) {
	e.EvaluateUser(userID, snap)
}

// HandleResponseGenerated observes a dialogue exchange. Informational only:
// it is logged and does not alter lifecycle state.
func (e *Engine) HandleResponseGenerated(userID, query, response string, context map[string]interface{}) {
	e.log.WithFields(logrus.Fields{
		"user": userID, "query_len": len(query), "response_len": len(response),
	}).Debug("response generated")
}

// HandleProactiveIntervention records a dialogue-sourced intervention.
// Subject to Config.DialogueExemptFromRateLimit.
func (e *Engine) HandleProactiveIntervention(userID, message string) (InterventionInstance, error) {
	return e.lifecycle.TriggerDialogue(userID, message)
}

// EvaluateUser is the shared evaluation pass behind push events and the
// periodic monitor: eligible strategies are tried against the lifecycle
// invariants, then eligible missions are suggested. Rejections are normal
// negative outcomes; per-strategy failures are logged and skipped so one
// malformed trigger never halts the rest of the pass.
func (e *Engine) EvaluateUser(userID string, snap *UserStateSnapshot) {
	for _, key := range e.evaluator.EligibleStrategies(snap) {
		_, err := e.lifecycle.TryTrigger(userID, key, snap)
		if err == nil {
			continue
		}
		if reason, ok := RejectionOf(err); ok {
			e.log.WithFields(logrus.Fields{"user": userID, "strategy": key, "reason": reason}).
				Debug("trigger rejected")
			continue
		}
		e.log.WithError(err).WithFields(logrus.Fields{"user": userID, "strategy": key}).
			Warn("trigger failed")
	}

	e.advisor.EvaluateUser(userID, snap)
}

// ──────────────────────────────────────────────
// Outbound interface
// ──────────────────────────────────────────────

// OnTriggered registers a handler for interventionTriggered events.
func (e *Engine) OnTriggered(h TriggeredHandler) { e.bus.OnTriggered(h) }

// OnCompleted registers a handler for interventionCompleted events.
func (e *Engine) OnCompleted(h CompletedHandler) { e.bus.OnCompleted(h) }

// OnEffectiveness registers a handler for interventionEffectiveness events.
func (e *Engine) OnEffectiveness(h EffectivenessHandler) { e.bus.OnEffectiveness(h) }

// OnMissionSuggested registers a handler for missionSuggested events.
func (e *Engine) OnMissionSuggested(h MissionSuggestedHandler) { e.bus.OnMissionSuggested(h) }

// Lifecycle exposes the lifecycle manager for direct queries
// (Active/History/RecentCount/Cancel).
func (e *Engine) Lifecycle() *LifecycleManager { return e.lifecycle }

// Catalog returns the engine's catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Stats computes the diagnostic snapshot. O(tracked users), no caching.
func (e *Engine) Stats() EngineStats {
	total, active, withHistory := e.lifecycle.counts()
	return EngineStats{
		TotalInterventions:    total,
		ActiveInterventions:   active,
		StrategyCount:         e.catalog.StrategyCount(),
		MissionTemplateCount:  e.catalog.MissionTemplateCount(),
		TotalUsersWithHistory: withHistory,
		Events:                e.bus.Counts(),
	}
}
