// Package occr implements the On-Chain Credit Risk scoring engine.
//
// A wallet snapshot is reduced to five independent subscores:
//   - Historical (s_h): weighted liquidation frequency of past loans
//   - Current (s_c): Monte Carlo loss-at-risk of open positions
//   - Utilization (s_cu): unused borrowing capacity
//   - Activity (s_ct): recency-weighted net transfer flow
//   - New credit (s_nc): bursts of large, closely spaced new loans
//
// The composite probability maps to a 0-1000 score and a tier A-D. Every
// calculator is a pure function of the snapshot and Params; identical inputs
// give bit-identical results regardless of scheduling. Products feeding a sum
// are wrapped in float64() so no architecture fuses them into FMA.
package occr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/mbd888/occr/internal/metrics"
	"github.com/mbd888/occr/internal/snapshot"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("occr: invalid parameters")

// Params configures the engine.
type Params struct {
	Trials              int        `json:"trials"`
	HorizonDays         float64    `json:"horizonDays"`
	TxCapFraction       float64    `json:"txCapFraction"`
	NewCreditWindowDays float64    `json:"newCreditWindowDays"`
	Thresholds          Thresholds `json:"thresholds"`
	Workers             int        `json:"-"`
	SeedSalt            uint64     `json:"seedSalt"`
}

// DefaultParams returns the standard engine configuration.
func DefaultParams() Params {
	return Params{
		Trials:              2000,
		HorizonDays:         1,
		TxCapFraction:       0.02,
		NewCreditWindowDays: 30,
		Thresholds:          DefaultThresholds,
		Workers:             runtime.GOMAXPROCS(0),
	}
}

// Validate fails fast on configurations the engine cannot use.
func (p Params) Validate() error {
	th := p.Thresholds
	switch {
	case p.Trials <= 0:
		return fmt.Errorf("%w: trials must be positive, got %d", ErrInvalidParams, p.Trials)
	case p.HorizonDays <= 0 || math.IsNaN(p.HorizonDays) || math.IsInf(p.HorizonDays, 0):
		return fmt.Errorf("%w: horizon days must be positive, got %v", ErrInvalidParams, p.HorizonDays)
	case p.TxCapFraction <= 0 || math.IsNaN(p.TxCapFraction):
		return fmt.Errorf("%w: tx cap fraction must be positive, got %v", ErrInvalidParams, p.TxCapFraction)
	case p.NewCreditWindowDays < 0 || math.IsNaN(p.NewCreditWindowDays):
		return fmt.Errorf("%w: new credit window must not be negative, got %v", ErrInvalidParams, p.NewCreditWindowDays)
	case !(0 < th.A && th.A < th.B && th.B < th.C && th.C <= 1):
		return fmt.Errorf("%w: tier thresholds must satisfy 0 < A < B < C <= 1, got %v/%v/%v",
			ErrInvalidParams, th.A, th.B, th.C)
	case p.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidParams, p.Workers)
	}
	return nil
}

func (p Params) simulation(address string) SimulationParams {
	return SimulationParams{
		Trials:      p.Trials,
		HorizonDays: p.HorizonDays,
		Workers:     p.Workers,
		Seed:        SnapshotSeed(address, p.SeedSalt),
	}
}

// Engine scores wallet snapshots.
type Engine struct {
	params Params
}

// NewEngine creates an engine. Params are validated here so the per-call path
// never has to.
func NewEngine(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: p}, nil
}

// Params returns the engine configuration.
func (e *Engine) Params() Params {
	return e.params
}

// Score computes the composite result for snap. The only error it returns is
// ctx cancellation during the simulation.
func (e *Engine) Score(ctx context.Context, snap *snapshot.WalletSnapshot) (Result, error) {
	start := time.Now()

	subs, err := computeSubscores(ctx, snap, e.params)
	if err != nil {
		return Result{}, err
	}
	res := Composite(subs, e.params.Thresholds)

	metrics.ScoreDuration.Observe(time.Since(start).Seconds())
	metrics.ScoresComputed.WithLabelValues(string(res.Tier)).Inc()
	if len(snap.Positions) > 0 {
		metrics.SimulationTrials.Add(float64(e.params.Trials))
	}
	return res, nil
}
