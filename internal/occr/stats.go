package occr

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/occr/internal/snapshot"
)

const (
	// recencySlope controls how sharply the logistic curve favors recent events.
	recencySlope = 10.0

	// epsilon floors denominators that would otherwise be zero.
	epsilon = 1e-9

	// defaultVolatility is used for collateral legs with no usable volatility.
	defaultVolatility = 0.6
)

// Clamp01 bounds x to [0,1]. NaN maps to 0.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func clampSigned(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(-1, math.Min(1, x))
}

// LogisticRecency maps t linearly onto [0,1] across [min,max] and applies a
// logistic curve centred at 0.5. A zero-width span returns exactly 0.5.
func LogisticRecency(t, min, max time.Time) float64 {
	span := max.Sub(min)
	if span <= 0 {
		return 0.5
	}
	x := float64(t.Sub(min)) / float64(span)
	return 1 / (1 + math.Exp(-(x-0.5)*recencySlope))
}

// CollateralRiskRatio is the USD-weighted average of each leg's volatility
// relative to the most volatile leg. Empty or zero-value sets return 0.5.
func CollateralRiskRatio(legs []snapshot.Collateral) float64 {
	if len(legs) == 0 {
		return 0.5
	}

	sigmaMax := epsilon
	var total float64
	for _, c := range legs {
		sigmaMax = math.Max(sigmaMax, legSigma(c))
		total += math.Max(0, c.AmountUSD)
	}
	if total <= 0 {
		return 0.5
	}

	var weighted float64
	for _, c := range legs {
		weighted += float64(math.Max(0, c.AmountUSD) * (legSigma(c) / sigmaMax))
	}
	return Clamp01(weighted / total)
}

func legSigma(c snapshot.Collateral) float64 {
	if math.IsNaN(c.Volatility) {
		return defaultVolatility
	}
	return math.Max(0, c.Volatility)
}

// timeSpan returns the earliest and latest of ts. ts must be non-empty.
func timeSpan(ts []time.Time) (time.Time, time.Time) {
	min, max := ts[0], ts[0]
	for _, t := range ts[1:] {
		if t.Before(min) {
			min = t
		}
		if t.After(max) {
			max = t
		}
	}
	return min, max
}

// -----------------------------------------------------------------------------
// Seeded normal draws
// -----------------------------------------------------------------------------

// splitmix64 is a 64-bit Weyl sequence passed through an xorshift-multiply
// finalizer. Every draw the engine makes comes from one of these.
type splitmix64 struct {
	state uint64
}

func (r *splitmix64) next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	return mix64(r.state)
}

// uniform returns a value strictly inside (0,1).
func (r *splitmix64) uniform() float64 {
	return (float64(r.next()>>11) + 0.5) / (1 << 53)
}

func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// SeededNormal returns a standard normal draw that depends only on seed.
func SeededNormal(seed uint64) float64 {
	r := splitmix64{state: seed}
	u := r.uniform()
	v := r.uniform()
	return math.Sqrt(-2*math.Log(u)) * math.Cos(2*math.Pi*v)
}

// drawSeed derives the seed for one (trial, position) cell of the simulation.
func drawSeed(base uint64, trial, position int) uint64 {
	return mix64(mix64(base^uint64(trial)) + uint64(position)*0x9e3779b97f4a7c15)
}

// SnapshotSeed derives the simulation seed from the wallet identity and a
// configured salt. Amounts never feed the seed, so draws stay fixed when a
// position's debt or collateral changes.
func SnapshotSeed(address string, salt uint64) uint64 {
	h := crypto.Keccak256([]byte(strings.ToLower(address)))
	return mix64(binary.BigEndian.Uint64(h[:8]) ^ salt)
}
