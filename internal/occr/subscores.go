package occr

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/occr/internal/snapshot"
)

const (
	// utilizationGlitchRatio skips loans whose amount exceeds this multiple
	// of their borrowing capacity.
	utilizationGlitchRatio = 5.0

	// neutralUtilization is returned when there is no loan volume at all.
	neutralUtilization = 1.0 / 3.0

	// fallbackGapDays is the mean gap used when no finite gap exists.
	fallbackGapDays = 30.0

	tradingDaysPerYear = 252.0
	day                = 24 * time.Hour

	// ctxCheckEvery is how many trials a worker runs between context checks.
	ctxCheckEvery = 256
)

// Historical computes s_h: the exposure-, collateral- and recency-weighted
// share of loan volume that ended in liquidation.
func Historical(loans []snapshot.Loan) float64 {
	if len(loans) == 0 {
		return 0
	}

	opened := make([]time.Time, len(loans))
	for i, l := range loans {
		opened[i] = l.OpenedAt
	}
	minOpened, maxOpened := timeSpan(opened)

	var num, den float64
	for _, l := range loans {
		// A liquidation on low-volatility collateral weighs more.
		w := float64(math.Max(0, l.AmountUSD) *
			(1 - CollateralRiskRatio(l.Collaterals)) *
			math.Max(0, l.LiquidatedProportion) *
			LogisticRecency(l.OpenedAt, minOpened, maxOpened))
		den += w
		if l.Liquidated {
			num += w
		}
	}
	if den <= 0 {
		return 0
	}
	return Clamp01(num / den)
}

// SimulationParams controls the Monte Carlo estimate of s_c.
type SimulationParams struct {
	Trials      int
	HorizonDays float64
	Workers     int
	Seed        uint64
}

// dt is the horizon in trading-year units.
func (p SimulationParams) dt() float64 {
	if p.HorizonDays <= 0 || math.IsNaN(p.HorizonDays) || math.IsInf(p.HorizonDays, 0) {
		return 1 / tradingDaysPerYear
	}
	return p.HorizonDays / tradingDaysPerYear
}

// Current computes s_c: the probability that the aggregate shortfall across
// all open positions after a lognormal price shock reaches current holdings.
//
// Trials are split into contiguous chunks, one per worker, and exceedances are
// summed as integers, so the result does not depend on the worker count.
func Current(ctx context.Context, positions []snapshot.Position, holdingsUSD float64, p SimulationParams) (float64, error) {
	if len(positions) == 0 || p.Trials <= 0 {
		return 0, nil
	}
	if holdingsUSD < 0 || math.IsNaN(holdingsUSD) {
		holdingsUSD = 0
	}

	sqrtDt := math.Sqrt(p.dt())
	steps := make([]float64, len(positions))
	for i, pos := range positions {
		steps[i] = math.Max(0, pos.Volatility) * sqrtDt
	}

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > p.Trials {
		workers = p.Trials
	}
	chunk := (p.Trials + workers - 1) / workers
	counts := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, p.Trials)
		if start >= end {
			continue
		}
		g.Go(func() error {
			for m := start; m < end; m++ {
				if (m-start)%ctxCheckEvery == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				var lar float64
				for i, pos := range positions {
					z := SeededNormal(drawSeed(p.Seed, m, i))
					// Explicit conversions keep the compiler from fusing into FMA.
					mult := math.Exp(float64(-0.5*steps[i]*steps[i]) + float64(steps[i]*z))
					newColl := math.Max(0, pos.CollateralUSD*mult)
					lar += math.Max(0, pos.DebtUSD-float64(newColl*Clamp01(pos.MaxLTV)))
				}
				// Zero holdings cover no loss at all.
				if lar >= holdingsUSD {
					counts[w]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var exceed int
	for _, c := range counts {
		exceed += c
	}
	return Clamp01(float64(exceed) / float64(p.Trials)), nil
}

// Utilization computes s_cu: volume-weighted unused borrowing capacity.
func Utilization(loans []snapshot.Loan) float64 {
	var total float64
	for _, l := range loans {
		total += math.Max(0, l.AmountUSD)
	}
	if total <= 0 {
		return neutralUtilization
	}

	var acc float64
	for _, l := range loans {
		amount := math.Max(0, l.AmountUSD)
		denom := math.Max(epsilon, math.Max(0, l.CollateralUSD())*Clamp01(l.LTVAtOpen))
		ratio := amount / denom
		if ratio > utilizationGlitchRatio {
			continue
		}
		acc += float64((1 - ratio) * amount)
	}
	return Clamp01(acc / total)
}

// Activity computes s_ct in [-1,1]: capped, recency-weighted net credit flow.
func Activity(txs []snapshot.Transaction, holdingsHintUSD, capFraction float64) float64 {
	if len(txs) == 0 {
		return 0
	}

	stamps := make([]time.Time, len(txs))
	for i, t := range txs {
		stamps[i] = t.Timestamp
	}
	minTs, maxTs := timeSpan(stamps)

	limit := capFraction * math.Max(1, holdingsHintUSD)

	var num, den float64
	for _, t := range txs {
		amount := math.Min(math.Max(0, t.AmountUSD), limit)
		w := LogisticRecency(t.Timestamp, minTs, maxTs)
		if t.RecencyWeight != nil {
			w = Clamp01(*t.RecencyWeight)
		}
		num += float64(t.Direction.Sign() * amount * w)
		den += amount
	}
	if den <= 0 {
		return 0
	}
	return clampSigned(num / den)
}

// NewCredit computes s_nc: the share of loans opened in the window that are
// both larger than the window's mean and closer than usual to a neighbour.
func NewCredit(loans []snapshot.Loan, asOf time.Time, windowDays float64) float64 {
	if len(loans) == 0 {
		return 0
	}

	cutoff := asOf.Add(-time.Duration(windowDays * float64(day)))
	var recent []int
	var sum float64
	for i, l := range loans {
		if !l.OpenedAt.Before(cutoff) {
			recent = append(recent, i)
			sum += math.Max(0, l.AmountUSD)
		}
	}
	if len(recent) == 0 {
		return 0
	}
	meanRecent := sum / float64(len(recent))

	gaps := nearestGaps(loans)
	var gapSum float64
	var finite int
	for _, g := range gaps {
		if !math.IsInf(g, 1) {
			gapSum += g
			finite++
		}
	}
	meanGap := fallbackGapDays
	if finite > 0 {
		meanGap = gapSum / float64(finite)
	}

	var hits int
	for _, i := range recent {
		if math.Max(0, loans[i].AmountUSD) >= meanRecent && gaps[i] <= meanGap {
			hits++
		}
	}
	return Clamp01(float64(hits) / float64(len(recent)))
}

// nearestGaps returns, indexed like loans, the distance in days from each
// loan to its closest chronological neighbour. Lone loans get +Inf.
func nearestGaps(loans []snapshot.Loan) []float64 {
	order := make([]int, len(loans))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return loans[order[a]].OpenedAt.Before(loans[order[b]].OpenedAt)
	})

	gaps := make([]float64, len(loans))
	for k, i := range order {
		gap := math.Inf(1)
		if k > 0 {
			gap = math.Min(gap, daysBetween(loans[order[k-1]].OpenedAt, loans[i].OpenedAt))
		}
		if k < len(order)-1 {
			gap = math.Min(gap, daysBetween(loans[i].OpenedAt, loans[order[k+1]].OpenedAt))
		}
		gaps[i] = gap
	}
	return gaps
}

func daysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24
}

// computeSubscores runs the five calculators concurrently. None depends on
// another, so the result equals a sequential evaluation.
func computeSubscores(ctx context.Context, snap *snapshot.WalletSnapshot, p Params) (Subscores, error) {
	var s Subscores
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Historical = Historical(snap.Loans)
		return nil
	})
	g.Go(func() error {
		v, err := Current(gctx, snap.Positions, snap.HoldingsUSD, p.simulation(snap.Address))
		s.Current = v
		return err
	})
	g.Go(func() error {
		s.Utilization = Utilization(snap.Loans)
		return nil
	})
	g.Go(func() error {
		s.Activity = Activity(snap.Transactions, snap.HoldingsUSD, p.TxCapFraction)
		return nil
	})
	g.Go(func() error {
		s.NewCredit = NewCredit(snap.Loans, snap.AsOf, p.NewCreditWindowDays)
		return nil
	})

	if err := g.Wait(); err != nil {
		return Subscores{}, err
	}
	return s, nil
}
