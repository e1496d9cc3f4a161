package kairos

import "github.com/sirupsen/logrus"

// ──────────────────────────────────────────────
// Requirement predicates
// ──────────────────────────────────────────────

// RequirementFn evaluates a named mission requirement against a snapshot.
type RequirementFn func(s *UserStateSnapshot) bool

// DefaultRequirements returns the built-in requirement predicate registry.
// Extend or override via TriggerEvaluator.RegisterRequirement.
func DefaultRequirements() map[string]RequirementFn {
	return map[string]RequirementFn{
		"has_relationship_data": func(s *UserStateSnapshot) bool {
			return len(s.Relationships) > 0
		},
		"has_frequent_actions": func(s *UserStateSnapshot) bool {
			return len(s.UsagePatterns.FrequentActions) > 0
		},
		"non_neutral_emotion": func(s *UserStateSnapshot) bool {
			return s.EmotionalState != "" && s.EmotionalState != "neutral"
		},
		"attention_known": func(s *UserStateSnapshot) bool {
			return s.Attention != "" && s.Attention != AttentionUnknown
		},
	}
}

// Readiness gate bounds for mission eligibility. Missing fields default to
// the permissive neutral values (0.5 and focused).
const (
	gateMaxStress    = 0.7
	gateMinEnergy    = 0.4
	neutralLevel     = 0.5
	neutralAttention = AttentionFocused
)

// ──────────────────────────────────────────────
// TriggerEvaluator
// ──────────────────────────────────────────────

// ActiveQuery is the lifecycle-side query the mission path uses to avoid
// suggesting a mission the user is already running as an intervention.
type ActiveQuery interface {
	HasActiveOptionType(userID, optionType string) bool
}

// TriggerEvaluator decides which strategies and missions are currently
// eligible for a snapshot. It is stateless and safe for concurrent use once
// requirement registration is done.
type TriggerEvaluator struct {
	catalog      *Catalog
	threshold    float64
	requirements map[string]RequirementFn
	log          *logrus.Entry
}

// NewTriggerEvaluator creates an evaluator over a catalog.
func NewTriggerEvaluator(catalog *Catalog, cfg *Config) *TriggerEvaluator {
	cfg = cfg.normalized()
	return &TriggerEvaluator{
		catalog:      catalog,
		threshold:    cfg.TriggerThreshold,
		requirements: DefaultRequirements(),
		log:          cfg.component("TriggerEvaluator"),
	}
}

// RegisterRequirement adds or replaces a named requirement predicate.
// Not safe to call concurrently with evaluation.
func (e *TriggerEvaluator) RegisterRequirement(name string, fn RequirementFn) {
	e.requirements[name] = fn
}

// EligibleStrategies returns the keys of strategies whose trigger condition
// holds for the snapshot, in catalog order. A strategy fires when ANY of its
// trigger keys is present in the relationship mapping with strength above
// the threshold.
func (e *TriggerEvaluator) EligibleStrategies(s *UserStateSnapshot) []string {
	if s == nil {
		return nil
	}
	var keys []string
	for _, strat := range e.catalog.strategies {
		for _, tk := range strat.TriggerKeys {
			if sig, ok := s.Relationships[tk]; ok && sig.Strength > e.threshold {
				keys = append(keys, strat.Key)
				break
			}
		}
	}
	return keys
}

// ReadinessGate reports whether the user is in a state fit for a mission:
// stress below 0.7, energy above 0.4, attention focused. Missing fields
// default to the neutral values, deliberately permissive.
func (e *TriggerEvaluator) ReadinessGate(s *UserStateSnapshot) bool {
	return s.stressOr(neutralLevel) < gateMaxStress &&
		s.energyOr(neutralLevel) > gateMinEnergy &&
		s.attentionOr(neutralAttention) == AttentionFocused
}

// MeetsRequirements reports whether ALL of the template's requirement
// predicates hold. Unknown requirement keys default to true, which keeps old
// engines forward-compatible with newer catalogs at the cost of permissive
// behavior; unknown keys are logged at debug level.
func (e *TriggerEvaluator) MeetsRequirements(tpl MissionTemplate, s *UserStateSnapshot) bool {
	for _, name := range tpl.Requirements {
		fn, ok := e.requirements[name]
		if !ok {
			e.log.WithFields(logrus.Fields{"mission": tpl.Key, "requirement": name}).
				Debug("unknown requirement key, treating as satisfied")
			continue
		}
		if !fn(s) {
			return false
		}
	}
	return true
}

// EligibleMissions returns the keys of mission templates eligible for the
// snapshot, in catalog order. The readiness gate is evaluated once; if it
// fails, no missions are considered in this pass. The query, when non-nil,
// filters out templates the user is already running as an active
// intervention of the same option type.
func (e *TriggerEvaluator) EligibleMissions(userID string, s *UserStateSnapshot, q ActiveQuery) []string {
	if s == nil || !e.ReadinessGate(s) {
		return nil
	}
	var keys []string
	for _, tpl := range e.catalog.missions {
		if q != nil && q.HasActiveOptionType(userID, tpl.Key) {
			continue
		}
		if e.MeetsRequirements(tpl, s) {
			keys = append(keys, tpl.Key)
		}
	}
	return keys
}
