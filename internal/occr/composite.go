package occr

import (
	"fmt"
	"math"
)

// Tier is the letter grade derived from the composite probability.
type Tier string

const (
	TierA Tier = "A" // lowest risk
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D" // highest risk
)

// Index returns the on-chain tier encoding: A=0 through D=3.
func (t Tier) Index() uint8 {
	switch t {
	case TierA:
		return 0
	case TierB:
		return 1
	case TierC:
		return 2
	default:
		return 3
	}
}

// TierFromIndex is the inverse of Index.
func TierFromIndex(i uint8) (Tier, error) {
	switch i {
	case 0:
		return TierA, nil
	case 1:
		return TierB, nil
	case 2:
		return TierC, nil
	case 3:
		return TierD, nil
	}
	return "", fmt.Errorf("occr: tier index %d out of range", i)
}

// Thresholds are the inclusive upper probability bounds of tiers A, B and C.
type Thresholds struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

// DefaultThresholds are the standard tier cut-offs.
var DefaultThresholds = Thresholds{A: 0.15, B: 0.30, C: 0.60}

// Tier maps a probability to a letter grade.
func (th Thresholds) Tier(p float64) Tier {
	switch {
	case p <= th.A:
		return TierA
	case p <= th.B:
		return TierB
	case p <= th.C:
		return TierC
	default:
		return TierD
	}
}

// Weights of each subscore in the composite. Activity enters negatively and
// utilization inverted.
type Weights struct {
	Historical  float64 `json:"historical"`
	Current     float64 `json:"current"`
	Utilization float64 `json:"utilization"`
	Activity    float64 `json:"activity"`
	NewCredit   float64 `json:"newCredit"`
}

// CompositeWeights are fixed; persisted scores are only comparable under them.
var CompositeWeights = Weights{
	Historical:  0.35,
	Current:     0.25,
	Utilization: 0.15,
	Activity:    0.15,
	NewCredit:   0.10,
}

// Subscores are the five independent risk signals.
type Subscores struct {
	Historical  float64 `json:"historical"`  // s_h in [0,1]
	Current     float64 `json:"current"`     // s_c in [0,1]
	Utilization float64 `json:"utilization"` // s_cu in [0,1]
	Activity    float64 `json:"activity"`    // s_ct in [-1,1]
	NewCredit   float64 `json:"newCredit"`   // s_nc in [0,1]
}

// Result is the composite outcome of one scoring run.
type Result struct {
	Subscores   Subscores `json:"subscores"`
	Probability float64   `json:"probability"`
	Score       int       `json:"score"` // 0-1000, lower is better
	Tier        Tier      `json:"tier"`
}

// Composite combines subscores into a probability, integer score and tier.
func Composite(s Subscores, th Thresholds) Result {
	w := CompositeWeights
	// Each product is rounded on its own so no platform fuses it into FMA.
	p := Clamp01(float64(w.Historical*s.Historical) +
		float64(w.Current*s.Current) +
		float64(w.Utilization*(1-s.Utilization)) -
		float64(w.Activity*s.Activity) +
		float64(w.NewCredit*s.NewCredit))

	return Result{
		Subscores:   s,
		Probability: p,
		Score:       int(math.Round(p * 1000)),
		Tier:        th.Tier(p),
	}
}
