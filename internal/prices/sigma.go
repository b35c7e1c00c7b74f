package prices

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mbd888/occr/internal/circuitbreaker"
	"github.com/mbd888/occr/internal/metrics"
	"github.com/mbd888/occr/internal/retry"
)

const (
	tradingDaysPerYear = 252.0
	minSigma           = 0.05
	maxSigma           = 3.0
	minReturns         = 3
)

// AnnualizedSigma estimates annualized volatility from a price series that
// spans lookbackDays. Steps per day are inferred from the series length.
// Series with fewer than three usable log returns yield fallback.
func AnnualizedSigma(closes []float64, lookbackDays int, fallback float64) float64 {
	returns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		p0, p1 := closes[i-1], closes[i]
		if p0 > 0 && p1 > 0 {
			returns = append(returns, math.Log(p1/p0))
		}
	}
	if len(returns) < minReturns {
		return fallback
	}

	if lookbackDays < 1 {
		lookbackDays = 1
	}
	stepsPerDay := math.Max(1, math.Round(float64(len(closes))/float64(lookbackDays)))

	// stat.Variance is the unbiased (n-1) estimator.
	sigmaStep := math.Sqrt(stat.Variance(returns, nil))
	annual := sigmaStep * math.Sqrt(stepsPerDay) * math.Sqrt(tradingDaysPerYear)
	return math.Min(maxSigma, math.Max(minSigma, annual))
}

// HistorySource returns closing prices for a symbol over a time range.
type HistorySource interface {
	Closes(ctx context.Context, sym string, from, to time.Time) ([]float64, error)
}

// SigmaEstimator supplies per-asset volatility for the Monte Carlo
// simulation. Failures degrade to the fallback volatility rather than
// failing a score.
type SigmaEstimator struct {
	feeds        *FeedMap
	source       HistorySource
	cache        Cache
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	lookbackDays int
	fallback     float64
	ttl          time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewSigmaEstimator creates an estimator. cache may be shared with the Oracle.
func NewSigmaEstimator(feeds *FeedMap, source HistorySource, cache Cache, lookbackDays int, fallback float64, logger *slog.Logger) *SigmaEstimator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SigmaEstimator{
		feeds:        feeds,
		source:       source,
		cache:        cache,
		breaker:      circuitbreaker.New(5, time.Minute),
		policy:       retry.DefaultPolicy,
		lookbackDays: lookbackDays,
		fallback:     fallback,
		ttl:          time.Hour,
		now:          time.Now,
		logger:       logger,
	}
}

// Sigma returns the annualized volatility for sym.
func (e *SigmaEstimator) Sigma(ctx context.Context, sym string) float64 {
	canonical := e.feeds.Canonical(sym)
	if canonical == "" {
		return e.fallback
	}
	if _, err := e.feeds.Resolve(canonical); err != nil {
		// Only assets with a feed have history worth asking for.
		return e.fallback
	}

	key := "sigma:" + canonical
	if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			metrics.PriceCacheTotal.WithLabelValues("hit").Inc()
			return v
		}
	}
	metrics.PriceCacheTotal.WithLabelValues("miss").Inc()

	to := e.now()
	from := to.Add(-time.Duration(e.lookbackDays) * 24 * time.Hour)

	var closes []float64
	err := e.breaker.Do("benchmarks", func() error {
		return retry.Do(ctx, e.policy, func(ctx context.Context) error {
			var err error
			closes, err = e.source.Closes(ctx, canonical, from, to)
			return err
		})
	})
	if err != nil {
		metrics.PriceFetchesTotal.WithLabelValues("benchmarks", "error").Inc()
		e.logger.Warn("volatility history unavailable, using fallback",
			"symbol", canonical, "fallback", e.fallback, "error", err)
		return e.fallback
	}
	metrics.PriceFetchesTotal.WithLabelValues("benchmarks", "ok").Inc()

	sigma := AnnualizedSigma(closes, e.lookbackDays, e.fallback)
	if err := e.cache.Set(ctx, key, strconv.FormatFloat(sigma, 'g', -1, 64), e.ttl); err != nil {
		e.logger.Warn("sigma cache write failed", "symbol", canonical, "error", err)
	}
	return sigma
}
