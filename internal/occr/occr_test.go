package occr

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/occr/internal/snapshot"
)

const testAddr = "0x1111111111111111111111111111111111111111"

var asOf = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(n float64) time.Time {
	return asOf.Add(-time.Duration(n * float64(day)))
}

// sampleSnapshot mirrors a realistic three-loan borrower.
func sampleSnapshot(t *testing.T) *snapshot.WalletSnapshot {
	t.Helper()
	in := &snapshot.Input{
		Address:     testAddr,
		AsOf:        &asOf,
		HoldingsUSD: 25000,
		LoanHistory: []snapshot.LoanInput{
			{ID: "L1", OpenedAt: daysAgo(120), AmountUSD: 5000, LTVAtOpen: 0.7,
				Collaterals:          []snapshot.CollateralInput{{Symbol: "ETH", AmountUSD: 8000, Volatility: snapshot.Float(0.8)}},
				LiquidatedProportion: snapshot.Float(0)},
			{ID: "L2", OpenedAt: daysAgo(60), AmountUSD: 7000, LTVAtOpen: 0.75, Liquidated: true,
				Collaterals: []snapshot.CollateralInput{
					{Symbol: "ETH", AmountUSD: 10000, Volatility: snapshot.Float(0.8)},
					{Symbol: "USDC", AmountUSD: 2000, Volatility: snapshot.Float(0.05)},
				},
				LiquidatedProportion: snapshot.Float(0.5)},
			{ID: "L3", OpenedAt: daysAgo(15), AmountUSD: 4000, LTVAtOpen: 0.8,
				Collaterals:          []snapshot.CollateralInput{{Symbol: "WBTC", AmountUSD: 7000, Volatility: snapshot.Float(0.6)}},
				LiquidatedProportion: snapshot.Float(0)},
		},
		CurrentPositions: []snapshot.PositionInput{
			{Symbol: "ETH", CollateralUSD: 12000, DebtUSD: 6000, Volatility: snapshot.Float(0.8), MaxLTV: snapshot.Float(0.78)},
			{Symbol: "WBTC", CollateralUSD: 9000, DebtUSD: 4500, Volatility: snapshot.Float(0.6), MaxLTV: snapshot.Float(0.75)},
		},
		Transactions: []snapshot.TransactionInput{
			{Timestamp: daysAgo(5), AmountUSD: 1500, Direction: snapshot.Credit},
			{Timestamp: daysAgo(3), AmountUSD: 800, Direction: snapshot.Debit},
			{Timestamp: daysAgo(1), AmountUSD: 2000, Direction: snapshot.Credit},
		},
	}
	snap, err := snapshot.NewBuilder(snapshot.DefaultDefaults()).Build(in)
	require.NoError(t, err)
	return snap
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultParams())
	require.NoError(t, err)
	return e
}

// -----------------------------------------------------------------------------
// Primitives
// -----------------------------------------------------------------------------

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 0.25, Clamp01(0.25))
	assert.Equal(t, 1.0, Clamp01(7))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestLogisticRecency(t *testing.T) {
	min, max := daysAgo(10), asOf

	assert.Equal(t, 0.5, LogisticRecency(asOf, asOf, asOf), "zero span")
	assert.InDelta(t, 0.5, LogisticRecency(daysAgo(5), min, max), 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(5)), LogisticRecency(min, min, max), 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(-5)), LogisticRecency(max, min, max), 1e-12)
	assert.Less(t, LogisticRecency(daysAgo(8), min, max), LogisticRecency(daysAgo(2), min, max))
}

func TestCollateralRiskRatio(t *testing.T) {
	assert.Equal(t, 0.5, CollateralRiskRatio(nil))
	assert.Equal(t, 0.5, CollateralRiskRatio([]snapshot.Collateral{{AmountUSD: 0, Volatility: 0.6}}))

	single := []snapshot.Collateral{{AmountUSD: 1000, Volatility: 0.6}}
	assert.Equal(t, 1.0, CollateralRiskRatio(single))

	mixed := []snapshot.Collateral{
		{AmountUSD: 1000, Volatility: 0.8},
		{AmountUSD: 1000, Volatility: 0.2},
	}
	// (1000*1 + 1000*0.25) / 2000
	assert.InDelta(t, 0.625, CollateralRiskRatio(mixed), 1e-12)

	zeroVol := []snapshot.Collateral{{AmountUSD: 10, Volatility: 0}}
	assert.Equal(t, 0.0, CollateralRiskRatio(zeroVol))
}

func TestSeededNormalDeterministic(t *testing.T) {
	for seed := uint64(0); seed < 100; seed++ {
		assert.Equal(t, SeededNormal(seed), SeededNormal(seed))
	}
	assert.NotEqual(t, SeededNormal(1), SeededNormal(2))
}

func TestSeededNormalMoments(t *testing.T) {
	const n = 50000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		z := SeededNormal(drawSeed(42, i, 0))
		require.False(t, math.IsNaN(z) || math.IsInf(z, 0))
		sum += z
		sumSq += z * z
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	assert.InDelta(t, 0, mean, 0.03)
	assert.InDelta(t, 1, variance, 0.05)
}

func TestSnapshotSeed(t *testing.T) {
	upper := "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"
	lower := "0xabcdef0123456789abcdef0123456789abcdef01"
	assert.Equal(t, SnapshotSeed(upper, 0), SnapshotSeed(lower, 0))
	assert.NotEqual(t, SnapshotSeed(lower, 0), SnapshotSeed(lower, 1))
	assert.NotEqual(t, SnapshotSeed(lower, 0), SnapshotSeed(testAddr, 0))
}

// -----------------------------------------------------------------------------
// Subscores
// -----------------------------------------------------------------------------

func TestHistorical(t *testing.T) {
	assert.Equal(t, 0.0, Historical(nil))

	loans := []snapshot.Loan{
		{OpenedAt: asOf, AmountUSD: 1000, Liquidated: true, LiquidatedProportion: 1},
		{OpenedAt: asOf, AmountUSD: 1000, LiquidatedProportion: 0.2},
	}
	// w1 = 1000*0.5*1*0.5, w2 = 1000*0.5*0.2*0.5
	assert.InDelta(t, 250.0/300.0, Historical(loans), 1e-12)
}

func TestHistoricalSingleLiquidatedLoan(t *testing.T) {
	loans := []snapshot.Loan{{
		OpenedAt:             asOf,
		AmountUSD:            1000,
		LTVAtOpen:            0.7,
		Collaterals:          []snapshot.Collateral{{AmountUSD: 1000, Volatility: 0.6}},
		Liquidated:           true,
		LiquidatedProportion: 1,
	}}
	require.Equal(t, 1.0, CollateralRiskRatio(loans[0].Collaterals))
	// Weight collapses to zero, so the zero-denominator default applies.
	assert.Equal(t, 0.0, Historical(loans))
}

func TestHistoricalMonotoneInLiquidation(t *testing.T) {
	snap := sampleSnapshot(t)
	loans := append([]snapshot.Loan(nil), snap.Loans...)
	// Give every loan non-zero weight.
	for i := range loans {
		loans[i].LiquidatedProportion = 0.3
		loans[i].Collaterals = nil
	}

	before := Historical(loans)
	for i := range loans {
		if loans[i].Liquidated {
			continue
		}
		loans[i].Liquidated = true
		after := Historical(loans)
		assert.GreaterOrEqual(t, after, before, "flipping loan %d", i)
		before = after
	}
	assert.Equal(t, 1.0, before)
}

func TestCurrentEmptyAndZeroVolatility(t *testing.T) {
	p := SimulationParams{Trials: 500, HorizonDays: 1, Workers: 4, Seed: 7}

	v, err := Current(context.Background(), nil, 100, p)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	positions := []snapshot.Position{{CollateralUSD: 1000, DebtUSD: 700, Volatility: 0, MaxLTV: 0.8}}
	v, err = Current(context.Background(), positions, 100, p)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestCurrentZeroHoldings(t *testing.T) {
	p := SimulationParams{Trials: 2000, HorizonDays: 1, Workers: 4, Seed: 3}

	for _, pos := range []snapshot.Position{
		{CollateralUSD: 1000, DebtUSD: 100, Volatility: 0.6, MaxLTV: 0.8},
		{CollateralUSD: 1000, DebtUSD: 700, Volatility: 0, MaxLTV: 0.8},
		{CollateralUSD: 500, DebtUSD: 0, Volatility: 1.2, MaxLTV: 0.8},
	} {
		v, err := Current(context.Background(), []snapshot.Position{pos}, 0, p)
		require.NoError(t, err)
		assert.Equal(t, 1.0, v, "zero holdings cover no loss: %+v", pos)
	}
}

func TestCurrentUnderwaterPosition(t *testing.T) {
	// Debt exceeds any plausible one-day collateral value.
	positions := []snapshot.Position{{CollateralUSD: 1000, DebtUSD: 5000, Volatility: 0.6, MaxLTV: 0.8}}
	p := SimulationParams{Trials: 200, HorizonDays: 1, Workers: 2, Seed: 1}

	v, err := Current(context.Background(), positions, 100, p)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	v, err = Current(context.Background(), positions, 1e9, p)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestCurrentMonotoneInDebt(t *testing.T) {
	p := SimulationParams{Trials: 2000, HorizonDays: 5, Workers: 4, Seed: SnapshotSeed(testAddr, 0)}
	prev := -1.0
	for debt := 700.0; debt <= 900; debt += 10 {
		positions := []snapshot.Position{{CollateralUSD: 1000, DebtUSD: debt, Volatility: 1.2, MaxLTV: 0.8}}
		v, err := Current(context.Background(), positions, 5, p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, prev, "debt %v", debt)
		prev = v
	}
	assert.Greater(t, prev, 0.0)
}

func TestCurrentWorkerCountInvariant(t *testing.T) {
	snap := sampleSnapshot(t)
	base := SimulationParams{Trials: 3001, HorizonDays: 10, Seed: SnapshotSeed(snap.Address, 0)}

	var results []float64
	for _, workers := range []int{1, 2, 3, 8, 64} {
		p := base
		p.Workers = workers
		v, err := Current(context.Background(), snap.Positions, 50, p)
		require.NoError(t, err)
		results = append(results, v)
	}
	for _, v := range results[1:] {
		assert.Equal(t, results[0], v)
	}
}

func TestCurrentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	positions := []snapshot.Position{{CollateralUSD: 1000, DebtUSD: 500, Volatility: 0.6, MaxLTV: 0.8}}
	_, err := Current(ctx, positions, 0, SimulationParams{Trials: 100, Workers: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUtilization(t *testing.T) {
	assert.InDelta(t, 1.0/3.0, Utilization(nil), 1e-15)

	coll := []snapshot.Collateral{{AmountUSD: 1000}}
	loans := []snapshot.Loan{
		{AmountUSD: 500, LTVAtOpen: 0.5, Collaterals: coll}, // fully used
		{AmountUSD: 250, LTVAtOpen: 0.5, Collaterals: coll}, // half used
	}
	assert.InDelta(t, 125.0/750.0, Utilization(loans), 1e-12)

	// A skipped loan drops its term but keeps its amount in the total.
	skipped := []snapshot.Loan{{AmountUSD: 1000, LTVAtOpen: 0.1, Collaterals: coll}}
	assert.Equal(t, 0.0, Utilization(skipped))

	// A glitched loan is skipped but its amount still counts.
	glitch := append(loans, snapshot.Loan{AmountUSD: 1000, LTVAtOpen: 1, Collaterals: []snapshot.Collateral{{AmountUSD: 100}}})
	assert.InDelta(t, 125.0/1750.0, Utilization(glitch), 1e-12)

	// Over-borrowed but below the glitch ratio clamps to zero.
	over := []snapshot.Loan{{AmountUSD: 200, LTVAtOpen: 0.5, Collaterals: []snapshot.Collateral{{AmountUSD: 100}}}}
	assert.Equal(t, 0.0, Utilization(over))
}

func TestActivity(t *testing.T) {
	assert.Equal(t, 0.0, Activity(nil, 1000, 0.02))

	txs := []snapshot.Transaction{
		{Timestamp: daysAgo(2), AmountUSD: 100, Direction: snapshot.Credit, RecencyWeight: snapshot.Float(1)},
		{Timestamp: daysAgo(1), AmountUSD: 100, Direction: snapshot.Debit, RecencyWeight: snapshot.Float(0.5)},
	}
	assert.InDelta(t, 0.25, Activity(txs, 1e6, 0.02), 1e-12)

	capped := []snapshot.Transaction{
		{Timestamp: asOf, AmountUSD: 100, Direction: snapshot.Credit, RecencyWeight: snapshot.Float(1)},
		{Timestamp: asOf, AmountUSD: 10, Direction: snapshot.Debit, RecencyWeight: snapshot.Float(1)},
	}
	// cap = 0.02 * 1000 = 20
	assert.InDelta(t, 10.0/30.0, Activity(capped, 1000, 0.02), 1e-12)

	zero := []snapshot.Transaction{{Timestamp: asOf, AmountUSD: 0, Direction: snapshot.Credit}}
	assert.Equal(t, 0.0, Activity(zero, 1000, 0.02))

	allDebit := []snapshot.Transaction{{Timestamp: asOf, AmountUSD: 5, Direction: snapshot.Debit, RecencyWeight: snapshot.Float(1)}}
	assert.Equal(t, -1.0, Activity(allDebit, 0, 0.02))
}

func TestNewCredit(t *testing.T) {
	assert.Equal(t, 0.0, NewCredit(nil, asOf, 30))

	loans := []snapshot.Loan{
		{ID: "a", OpenedAt: daysAgo(100), AmountUSD: 100},
		{ID: "b", OpenedAt: daysAgo(10), AmountUSD: 500},
		{ID: "c", OpenedAt: daysAgo(9), AmountUSD: 500},
		{ID: "d", OpenedAt: daysAgo(2), AmountUSD: 100},
	}
	// gaps 90, 1, 1, 7: mean 24.75; recent mean 366.67; b and c hit.
	assert.InDelta(t, 2.0/3.0, NewCredit(loans, asOf, 30), 1e-12)

	// Nothing in a 1-day window.
	assert.Equal(t, 0.0, NewCredit(loans, asOf, 1))

	// A lone recent loan has no neighbour and never hits.
	lone := []snapshot.Loan{{OpenedAt: daysAgo(1), AmountUSD: 100}}
	assert.Equal(t, 0.0, NewCredit(lone, asOf, 30))
}

func TestNearestGapsUnsorted(t *testing.T) {
	loans := []snapshot.Loan{
		{OpenedAt: daysAgo(1)},
		{OpenedAt: daysAgo(10)},
		{OpenedAt: daysAgo(4)},
	}
	gaps := nearestGaps(loans)
	assert.InDelta(t, 3, gaps[0], 1e-9)
	assert.InDelta(t, 6, gaps[1], 1e-9)
	assert.InDelta(t, 3, gaps[2], 1e-9)
}

// -----------------------------------------------------------------------------
// Composite
// -----------------------------------------------------------------------------

func TestTierBoundaries(t *testing.T) {
	th := DefaultThresholds
	tests := []struct {
		p    float64
		tier Tier
	}{
		{0, TierA},
		{0.15, TierA},
		{0.150001, TierB},
		{0.30, TierB},
		{0.30001, TierC},
		{0.60, TierC},
		{0.60001, TierD},
		{1, TierD},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tier, th.Tier(tt.p), "p=%v", tt.p)
	}
}

func TestTierIndex(t *testing.T) {
	for i, tier := range []Tier{TierA, TierB, TierC, TierD} {
		assert.Equal(t, uint8(i), tier.Index())
		back, err := TierFromIndex(uint8(i))
		require.NoError(t, err)
		assert.Equal(t, tier, back)
	}
	_, err := TierFromIndex(4)
	assert.Error(t, err)
}

func TestCompositeWeights(t *testing.T) {
	res := Composite(Subscores{Historical: 1, Current: 1, Utilization: 0, Activity: -1, NewCredit: 1}, DefaultThresholds)
	assert.InDelta(t, 1.0, res.Probability, 1e-12)
	assert.Equal(t, 1000, res.Score)
	assert.Equal(t, TierD, res.Tier)

	res = Composite(Subscores{Utilization: 1, Activity: 1}, DefaultThresholds)
	assert.Equal(t, 0.0, res.Probability)
	assert.Equal(t, 0, res.Score)

	res = Composite(Subscores{Historical: 0.4, Current: 0.2, Utilization: 0.5, Activity: 0.2, NewCredit: 0.5}, DefaultThresholds)
	// 0.14 + 0.05 + 0.075 - 0.03 + 0.05
	assert.InDelta(t, 0.285, res.Probability, 1e-12)
	assert.Equal(t, TierB, res.Tier)
}

func TestCompositeRoundsEachTerm(t *testing.T) {
	s := Subscores{Historical: 1.0 / 3, Current: 2.0 / 7, Utilization: 1.0 / 9, Activity: -1.0 / 11, NewCredit: 3.0 / 13}
	w := CompositeWeights

	want := Clamp01(float64(w.Historical*s.Historical) +
		float64(w.Current*s.Current) +
		float64(w.Utilization*(1-s.Utilization)) -
		float64(w.Activity*s.Activity) +
		float64(w.NewCredit*s.NewCredit))
	assert.Equal(t, want, Composite(s, DefaultThresholds).Probability, "must be exact on every GOARCH")
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

func TestEngineEmptySnapshot(t *testing.T) {
	snap, err := snapshot.NewBuilder(snapshot.DefaultDefaults()).Build(&snapshot.Input{Address: testAddr})
	require.NoError(t, err)

	res, err := newTestEngine(t).Score(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.Subscores.Historical)
	assert.Equal(t, 0.0, res.Subscores.Current)
	assert.InDelta(t, 1.0/3.0, res.Subscores.Utilization, 1e-15)
	assert.Equal(t, 0.0, res.Subscores.Activity)
	assert.Equal(t, 0.0, res.Subscores.NewCredit)
	assert.InDelta(t, 0.10, res.Probability, 1e-12)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, TierA, res.Tier)
}

func TestEngineDeterministic(t *testing.T) {
	snap := sampleSnapshot(t)
	e := newTestEngine(t)

	first, err := e.Score(context.Background(), snap)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Score(context.Background(), snap)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	p := DefaultParams()
	p.Workers = 1
	sequential, err := NewEngine(p)
	require.NoError(t, err)
	seqRes, err := sequential.Score(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, first, seqRes)
}

func TestEngineBounds(t *testing.T) {
	snap := sampleSnapshot(t)
	res, err := newTestEngine(t).Score(context.Background(), snap)
	require.NoError(t, err)

	s := res.Subscores
	for _, v := range []float64{s.Historical, s.Current, s.Utilization, s.NewCredit, res.Probability} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	assert.GreaterOrEqual(t, s.Activity, -1.0)
	assert.LessOrEqual(t, s.Activity, 1.0)
	assert.GreaterOrEqual(t, res.Score, 0)
	assert.LessOrEqual(t, res.Score, 1000)
	assert.Contains(t, []Tier{TierA, TierB, TierC, TierD}, res.Tier)

	// Only L2 has weight and it was liquidated.
	assert.Equal(t, 1.0, s.Historical)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	mutate := []func(*Params){
		func(p *Params) { p.Trials = 0 },
		func(p *Params) { p.HorizonDays = 0 },
		func(p *Params) { p.TxCapFraction = -1 },
		func(p *Params) { p.NewCreditWindowDays = -3 },
		func(p *Params) { p.Thresholds = Thresholds{A: 0.3, B: 0.15, C: 0.6} },
		func(p *Params) { p.Thresholds = Thresholds{A: 0.1, B: 0.2, C: 1.2} },
		func(p *Params) { p.Workers = -1 },
	}
	for i, m := range mutate {
		p := DefaultParams()
		m(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams, "case %d", i)
		_, err := NewEngine(p)
		assert.Error(t, err)
	}
}
