package session

// Evidence holds the deterministic signals behind a proposal's confidence.
// All rates are in [0,1]. An assistant may explain a proposal but never
// override the computed label.
type Evidence struct {
	PrefixCoverage       float64 `json:"prefix_coverage"`
	ExtensionConsistency float64 `json:"extension_consistency"`
	TokenOverlap         float64 `json:"token_overlap"`
	TagCollisionRate     float64 `json:"tag_collision_rate"`
}

// ConfidenceLabel is the categorical bucket of a score.
type ConfidenceLabel string

const (
	ConfidenceHigh   ConfidenceLabel = "high"
	ConfidenceMedium ConfidenceLabel = "medium"
	ConfidenceLow    ConfidenceLabel = "low"
)

// Score computes the confidence score: a fixed weighting of the evidence,
// with collisions counting against.
func (e Evidence) Score() float64 {
	score := 0.35*clamp01(e.PrefixCoverage) +
		0.25*clamp01(e.ExtensionConsistency) +
		0.25*clamp01(e.TokenOverlap) +
		0.15*(1-clamp01(e.TagCollisionRate))
	return score
}

// Label buckets the score.
func (e Evidence) Label() ConfidenceLabel {
	switch score := e.Score(); {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
