package kairos

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ──────────────────────────────────────────────
// Catalog types
// ──────────────────────────────────────────────

// InterventionOption is one ranked intervention inside a strategy.
// The position in the strategy's list is its priority: index 0 is the
// first-ranked option and is the one selected by the default policy.
type InterventionOption struct {
	Type            string  `json:"type" yaml:"type"`
	Name            string  `json:"name" yaml:"name"`
	DurationSeconds int     `json:"duration_seconds" yaml:"duration_seconds"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
	Effectiveness   float64 `json:"effectiveness" yaml:"effectiveness"` // a priori weight, 0..1
}

// Duration returns the option's declared duration.
func (o InterventionOption) Duration() time.Duration {
	return time.Duration(o.DurationSeconds) * time.Second
}

// StrategyDefinition maps trigger signals to a ranked list of interventions.
// Immutable after catalog construction.
type StrategyDefinition struct {
	Key           string               `json:"key" yaml:"key"`
	Name          string               `json:"name" yaml:"name"`
	TriggerKeys   []string             `json:"trigger_keys" yaml:"trigger_keys"`
	Interventions []InterventionOption `json:"interventions" yaml:"interventions"`
}

// MissionTemplate defines a longer cognitive-training suggestion.
// Requirements lists named predicates evaluated against a snapshot; an empty
// list means the template is always eligible once the readiness gate passes.
type MissionTemplate struct {
	Key             string   `json:"key" yaml:"key"`
	Name            string   `json:"name" yaml:"name"`
	Description     string   `json:"description,omitempty" yaml:"description,omitempty"`
	Difficulty      string   `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	DurationSeconds int      `json:"duration_seconds" yaml:"duration_seconds"`
	Rewards         []string `json:"rewards,omitempty" yaml:"rewards,omitempty"`
	Requirements    []string `json:"requirements" yaml:"requirements"`
}

// ──────────────────────────────────────────────
// Catalog
// ──────────────────────────────────────────────

// CatalogError describes a malformed catalog entry. Catalog validation is
// fatal at startup only; a constructed Catalog never fails at runtime.
type CatalogError struct {
	Kind   string // "strategy" or "mission"
	Key    string
	Reason string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog: %s %q: %s", e.Kind, e.Key, e.Reason)
}

// Catalog is the immutable registry of strategies and mission templates.
// Read-only after construction; safe for concurrent use without locking.
type Catalog struct {
	strategies []StrategyDefinition
	missions   []MissionTemplate

	strategyByKey map[string]int
	missionByKey  map[string]int
}

// NewCatalog validates and builds a catalog. It fails fast on a strategy
// without interventions, a non-positive intervention duration, a duplicate
// key, or an empty requirement entry.
func NewCatalog(strategies []StrategyDefinition, missions []MissionTemplate) (*Catalog, error) {
	c := &Catalog{
		strategies:    append([]StrategyDefinition(nil), strategies...),
		missions:      append([]MissionTemplate(nil), missions...),
		strategyByKey: make(map[string]int, len(strategies)),
		missionByKey:  make(map[string]int, len(missions)),
	}

	for i, s := range c.strategies {
		if s.Key == "" {
			return nil, &CatalogError{Kind: "strategy", Key: s.Name, Reason: "missing key"}
		}
		if _, dup := c.strategyByKey[s.Key]; dup {
			return nil, &CatalogError{Kind: "strategy", Key: s.Key, Reason: "duplicate key"}
		}
		if len(s.Interventions) == 0 {
			return nil, &CatalogError{Kind: "strategy", Key: s.Key, Reason: "no interventions"}
		}
		for _, opt := range s.Interventions {
			if opt.DurationSeconds <= 0 {
				return nil, &CatalogError{Kind: "strategy", Key: s.Key,
					Reason: fmt.Sprintf("intervention %q has non-positive duration", opt.Name)}
			}
		}
		c.strategyByKey[s.Key] = i
	}

	for i, m := range c.missions {
		if m.Key == "" {
			return nil, &CatalogError{Kind: "mission", Key: m.Name, Reason: "missing key"}
		}
		if _, dup := c.missionByKey[m.Key]; dup {
			return nil, &CatalogError{Kind: "mission", Key: m.Key, Reason: "duplicate key"}
		}
		if m.DurationSeconds <= 0 {
			return nil, &CatalogError{Kind: "mission", Key: m.Key, Reason: "non-positive duration"}
		}
		for _, req := range m.Requirements {
			if req == "" {
				return nil, &CatalogError{Kind: "mission", Key: m.Key, Reason: "empty requirement entry"}
			}
		}
		c.missionByKey[m.Key] = i
	}

	return c, nil
}

// clone detaches the slice fields so callers cannot reach the catalog's
// internal state through a returned definition.
func (s StrategyDefinition) clone() StrategyDefinition {
	c := s
	c.TriggerKeys = append([]string(nil), s.TriggerKeys...)
	c.Interventions = append([]InterventionOption(nil), s.Interventions...)
	return c
}

func (m MissionTemplate) clone() MissionTemplate {
	c := m
	c.Rewards = append([]string(nil), m.Rewards...)
	c.Requirements = append([]string(nil), m.Requirements...)
	return c
}

// Strategies returns the ordered strategy list as detached copies.
func (c *Catalog) Strategies() []StrategyDefinition {
	out := make([]StrategyDefinition, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.clone()
	}
	return out
}

// MissionTemplates returns the ordered mission template list as detached
// copies.
func (c *Catalog) MissionTemplates() []MissionTemplate {
	out := make([]MissionTemplate, len(c.missions))
	for i, m := range c.missions {
		out[i] = m.clone()
	}
	return out
}

// Strategy looks up a strategy by key.
func (c *Catalog) Strategy(key string) (StrategyDefinition, bool) {
	i, ok := c.strategyByKey[key]
	if !ok {
		return StrategyDefinition{}, false
	}
	return c.strategies[i].clone(), true
}

// MissionTemplate looks up a template by key.
func (c *Catalog) MissionTemplate(key string) (MissionTemplate, bool) {
	i, ok := c.missionByKey[key]
	if !ok {
		return MissionTemplate{}, false
	}
	return c.missions[i].clone(), true
}

// StrategyCount returns the number of registered strategies.
func (c *Catalog) StrategyCount() int { return len(c.strategies) }

// MissionTemplateCount returns the number of registered templates.
func (c *Catalog) MissionTemplateCount() int { return len(c.missions) }

// ──────────────────────────────────────────────
// YAML loading
// ──────────────────────────────────────────────

type catalogFile struct {
	Strategies []StrategyDefinition `yaml:"strategies"`
	Missions   []MissionTemplate    `yaml:"missions"`
}

// LoadCatalogYAML parses a catalog from YAML and validates it.
func LoadCatalogYAML(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog yaml: %w", err)
	}
	return NewCatalog(f.Strategies, f.Missions)
}

// LoadCatalogFile reads a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return LoadCatalogYAML(data)
}

// ──────────────────────────────────────────────
// Default catalog data
// ──────────────────────────────────────────────

// DefaultStrategies returns the built-in intervention strategies.
// Override by constructing a Catalog from custom data or a YAML file.
func DefaultStrategies() []StrategyDefinition {
	return []StrategyDefinition{
		{
			Key:  "stress_management",
			Name: "Stress Management",
			TriggerKeys: []string{
				"high_stress_affects_attention",
				"stress_disrupts_sleep",
			},
			Interventions: []InterventionOption{
				{Type: "breathing", Name: "breathing_exercise", DurationSeconds: 300,
					Description: "Guided 4-7-8 breathing to lower acute stress", Effectiveness: 0.8},
				{Type: "break", Name: "micro_break", DurationSeconds: 180,
					Description: "Step away from the screen for three minutes", Effectiveness: 0.6},
			},
		},
		{
			Key:  "energy_boost",
			Name: "Energy Boost",
			TriggerKeys: []string{
				"low_energy_reduces_engagement",
				"fatigue_pattern_detected",
			},
			Interventions: []InterventionOption{
				{Type: "movement", Name: "stretch_break", DurationSeconds: 240,
					Description: "Light stretching to restore alertness", Effectiveness: 0.7},
				{Type: "hydration", Name: "hydration_reminder", DurationSeconds: 120,
					Description: "Drink a glass of water", Effectiveness: 0.5},
			},
		},
		{
			Key:  "focus_enhancement",
			Name: "Focus Enhancement",
			TriggerKeys: []string{
				"distraction_interrupts_tasks",
				"context_switching_overload",
			},
			Interventions: []InterventionOption{
				{Type: "focus", Name: "single_task_prompt", DurationSeconds: 600,
					Description: "Commit to one task for ten minutes", Effectiveness: 0.75},
				{Type: "environment", Name: "notification_pause", DurationSeconds: 900,
					Description: "Silence notifications for fifteen minutes", Effectiveness: 0.65},
			},
		},
	}
}

// DefaultMissionTemplates returns the built-in cognitive-training missions.
func DefaultMissionTemplates() []MissionTemplate {
	return []MissionTemplate{
		{
			Key:             "memory_recall",
			Name:            "Memory Recall Challenge",
			Description:     "Recall details from recent conversations",
			Difficulty:      "easy",
			DurationSeconds: 600,
			Rewards:         []string{"memory", "confidence"},
			Requirements:    []string{"has_relationship_data"},
		},
		{
			Key:             "pattern_recognition",
			Name:            "Pattern Recognition",
			Description:     "Spot recurring patterns in your own activity",
			Difficulty:      "medium",
			DurationSeconds: 900,
			Rewards:         []string{"attention", "insight"},
			Requirements:    []string{"has_frequent_actions", "attention_known"},
		},
		{
			Key:             "emotional_labeling",
			Name:            "Emotional Labeling",
			Description:     "Name and rate the emotions of the last hour",
			Difficulty:      "easy",
			DurationSeconds: 480,
			Rewards:         []string{"emotional_awareness"},
			Requirements:    []string{"non_neutral_emotion"},
		},
	}
}

// NewDefaultCatalog builds a catalog from the built-in data. The built-in
// data is known valid, so this never fails.
func NewDefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultStrategies(), DefaultMissionTemplates())
	if err != nil {
		panic(err) // unreachable: default data is validated by tests
	}
	return c
}
