package kairos

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ──────────────────────────────────────────────
// Mission suggestions
// ──────────────────────────────────────────────

// MissionSuggestion is an emitted cognitive-training suggestion. It has no
// further lifecycle in this engine; acceptance and completion belong to the
// dialogue collaborator.
type MissionSuggestion struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	MissionKey  string             `json:"mission_key"`
	Template    MissionTemplate    `json:"template"`
	SuggestedAt time.Time          `json:"suggested_at"`
	Snapshot    *UserStateSnapshot `json:"snapshot"`
}

// MissionAdvisor emits mission suggestions. It is stateless beyond
// delegating the active-instance check to the lifecycle query.
type MissionAdvisor struct {
	catalog   *Catalog
	evaluator *TriggerEvaluator
	active    ActiveQuery
	bus       *EventBus
	clock     Clock
	log       *logrus.Entry
}

// NewMissionAdvisor creates an advisor.
func NewMissionAdvisor(cfg *Config, catalog *Catalog, evaluator *TriggerEvaluator, active ActiveQuery, bus *EventBus) *MissionAdvisor {
	cfg = cfg.normalized()
	return &MissionAdvisor{
		catalog:   catalog,
		evaluator: evaluator,
		active:    active,
		bus:       bus,
		clock:     cfg.Clock,
		log:       cfg.component("MissionAdvisor"),
	}
}

// CanSuggest reports whether the mission may be suggested right now: the
// template exists, the user has no active intervention whose option type
// equals the mission key, the readiness gate passes, and every requirement
// predicate holds.
func (a *MissionAdvisor) CanSuggest(userID, missionKey string, snap *UserStateSnapshot) bool {
	if snap == nil {
		return false
	}
	tpl, ok := a.catalog.MissionTemplate(missionKey)
	if !ok {
		return false
	}
	if a.active != nil && a.active.HasActiveOptionType(userID, missionKey) {
		return false
	}
	return a.evaluator.ReadinessGate(snap) && a.evaluator.MeetsRequirements(tpl, snap)
}

// Suggest emits a missionSuggested event and returns the suggestion.
// Returns an error when CanSuggest declines.
func (a *MissionAdvisor) Suggest(userID, missionKey string, snap *UserStateSnapshot) (MissionSuggestion, error) {
	if !a.CanSuggest(userID, missionKey, snap) {
		return MissionSuggestion{}, fmt.Errorf("mission %q not suggestible for user %s", missionKey, userID)
	}
	tpl, _ := a.catalog.MissionTemplate(missionKey)

	s := MissionSuggestion{
		ID:          uuid.NewString(),
		UserID:      userID,
		MissionKey:  missionKey,
		Template:    tpl,
		SuggestedAt: a.clock.Now(),
		Snapshot:    snap.Clone(),
	}
	a.log.WithFields(logrus.Fields{"user": userID, "mission": missionKey}).Info("mission suggested")
	a.bus.publishMissionSuggested(s)
	return s, nil
}

// EvaluateUser suggests every currently eligible mission for the user.
// Used by the periodic monitor's mission pass.
func (a *MissionAdvisor) EvaluateUser(userID string, snap *UserStateSnapshot) []MissionSuggestion {
	var out []MissionSuggestion
	for _, key := range a.evaluator.EligibleMissions(userID, snap, a.active) {
		s, err := a.Suggest(userID, key, snap)
		if err != nil {
			// Eligibility can shift between the two checks; skip.
			a.log.WithError(err).WithField("user", userID).Debug("suggestion skipped")
			continue
		}
		out = append(out, s)
	}
	return out
}
