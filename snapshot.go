package kairos

import "time"

// ──────────────────────────────────────────────
// User state snapshot
// ──────────────────────────────────────────────

// AttentionLevel describes the user's current attention state.
type AttentionLevel string

const (
	AttentionDistracted   AttentionLevel = "distracted"
	AttentionFocused      AttentionLevel = "focused"
	AttentionHyperfocused AttentionLevel = "hyperfocused"
	AttentionUnknown      AttentionLevel = "unknown"
)

// RelationshipSignal is one entry in the snapshot's relationship mapping.
// Strength is normalized to 0..1 and acts as a trigger signal.
type RelationshipSignal struct {
	Strength float64 `json:"strength" yaml:"strength"`
}

// UsagePatterns captures observed behavioral patterns.
type UsagePatterns struct {
	FrequentActions []string `json:"frequent_actions" yaml:"frequent_actions"`
}

// UserStateSnapshot is a read-only view of a user's state at decision time.
// It is produced by the external state-model collaborator; the engine never
// mutates it, only reads it and clones it for later comparison.
//
// StressLevel and EnergyLevel use pointers so that a missing field is
// distinguishable from a zero value; effectiveness scoring excludes missing
// dimensions instead of treating them as zero.
type UserStateSnapshot struct {
	Relationships  map[string]RelationshipSignal `json:"relationships"`
	StressLevel    *float64                      `json:"stress_level,omitempty"`
	EnergyLevel    *float64                      `json:"energy_level,omitempty"`
	Attention      AttentionLevel                `json:"attention,omitempty"`
	EmotionalState string                        `json:"emotional_state,omitempty"`
	UsagePatterns  UsagePatterns                 `json:"usage_patterns"`
	CapturedAt     time.Time                     `json:"captured_at,omitempty"`
}

// Float is a convenience helper for building snapshots with optional fields.
func Float(v float64) *float64 { return &v }

// Clone returns a deep copy of the snapshot. The engine stores clones as
// "before" baselines so that later mutations by the state model cannot
// contaminate effectiveness scoring.
func (s *UserStateSnapshot) Clone() *UserStateSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Relationships != nil {
		c.Relationships = make(map[string]RelationshipSignal, len(s.Relationships))
		for k, v := range s.Relationships {
			c.Relationships[k] = v
		}
	}
	if s.StressLevel != nil {
		v := *s.StressLevel
		c.StressLevel = &v
	}
	if s.EnergyLevel != nil {
		v := *s.EnergyLevel
		c.EnergyLevel = &v
	}
	if s.UsagePatterns.FrequentActions != nil {
		c.UsagePatterns.FrequentActions = append([]string(nil), s.UsagePatterns.FrequentActions...)
	}
	return &c
}

// stressOr returns the stress level, or def when the field is missing.
func (s *UserStateSnapshot) stressOr(def float64) float64 {
	if s == nil || s.StressLevel == nil {
		return def
	}
	return *s.StressLevel
}

// energyOr returns the energy level, or def when the field is missing.
func (s *UserStateSnapshot) energyOr(def float64) float64 {
	if s == nil || s.EnergyLevel == nil {
		return def
	}
	return *s.EnergyLevel
}

// attentionOr returns the attention level, or def when the field is missing.
func (s *UserStateSnapshot) attentionOr(def AttentionLevel) AttentionLevel {
	if s == nil || s.Attention == "" {
		return def
	}
	return s.Attention
}

// ──────────────────────────────────────────────
// StateProvider
// ──────────────────────────────────────────────

// StateProvider is the interface to the external state-model collaborator.
// Snapshot returns the current snapshot for a user, or ok=false when the
// user is unknown (e.g. deleted). UserIDs lists every tracked user for the
// periodic monitor's re-evaluation pass.
type StateProvider interface {
	Snapshot(userID string) (*UserStateSnapshot, bool)
	UserIDs() []string
}
