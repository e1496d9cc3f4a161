package kairos

// ──────────────────────────────────────────────
// Effectiveness scoring
// ──────────────────────────────────────────────

// EffectivenessResult holds per-dimension improvement deltas and their mean.
// A nil dimension was not computable (missing before or after data) and is
// excluded from Overall, not treated as zero. Deltas are clamped at 0: an
// intervention scores "no improvement", never "harm".
type EffectivenessResult struct {
	StressReduction      *float64 `json:"stress_reduction,omitempty"`
	EnergyImprovement    *float64 `json:"energy_improvement,omitempty"`
	AttentionImprovement *float64 `json:"attention_improvement,omitempty"`

	// Overall is the arithmetic mean of the computable dimensions.
	Overall float64 `json:"overall"`
	// Dimensions is the number of dimensions included in Overall.
	Dimensions int `json:"dimensions"`
}

// Computable reports whether at least one dimension could be scored.
func (r EffectivenessResult) Computable() bool { return r.Dimensions > 0 }

// EffectivenessScorer diffs a before snapshot against an after snapshot.
type EffectivenessScorer interface {
	Score(before, after *UserStateSnapshot) EffectivenessResult
}

// DefaultEffectivenessScorer implements the standard three-dimension diff:
// stress reduction, energy improvement, and attention improvement on an
// ordinal scale.
type DefaultEffectivenessScorer struct{}

// NewDefaultEffectivenessScorer creates the default scorer.
func NewDefaultEffectivenessScorer() *DefaultEffectivenessScorer {
	return &DefaultEffectivenessScorer{}
}

// attentionOrdinal maps attention levels to an ordinal score. Hyperfocus is
// rewarded above the nominal 1.0 maximum to signal "more than baseline
// good". Levels outside the table score the implicit midpoint 0.5.
func attentionOrdinal(a AttentionLevel) float64 {
	switch a {
	case AttentionDistracted:
		return 0
	case AttentionFocused:
		return 1
	case AttentionHyperfocused:
		return 1.2
	default:
		return 0.5
	}
}

// Score computes the effectiveness of the before→after transition.
// Either snapshot may be nil, in which case no dimension is computable;
// a degraded all-missing result is a normal outcome, not an error.
func (s *DefaultEffectivenessScorer) Score(before, after *UserStateSnapshot) EffectivenessResult {
	var r EffectivenessResult
	if before == nil || after == nil {
		return r
	}

	sum := 0.0

	if before.StressLevel != nil && after.StressLevel != nil {
		d := clampNonNegative(*before.StressLevel - *after.StressLevel)
		r.StressReduction = &d
		sum += d
		r.Dimensions++
	}
	if before.EnergyLevel != nil && after.EnergyLevel != nil {
		d := clampNonNegative(*after.EnergyLevel - *before.EnergyLevel)
		r.EnergyImprovement = &d
		sum += d
		r.Dimensions++
	}
	if before.Attention != "" && after.Attention != "" {
		d := clampNonNegative(attentionOrdinal(after.Attention) - attentionOrdinal(before.Attention))
		r.AttentionImprovement = &d
		sum += d
		r.Dimensions++
	}

	if r.Dimensions > 0 {
		r.Overall = sum / float64(r.Dimensions)
	}
	return r
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
