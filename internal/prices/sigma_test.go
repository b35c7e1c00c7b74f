package prices

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/occr/internal/logging"
	"github.com/mbd888/occr/internal/retry"
)

func TestAnnualizedSigma(t *testing.T) {
	closes := []float64{100, 110, 100, 110, 100}
	r := math.Log(1.1)
	sampleVar := 4 * r * r / 3

	t.Run("daily steps", func(t *testing.T) {
		want := math.Sqrt(sampleVar) * math.Sqrt(252)
		assert.InDelta(t, want, AnnualizedSigma(closes, 5, 0.6), 1e-12)
	})

	t.Run("intraday steps scale up", func(t *testing.T) {
		// Five points over one day: five steps per day, clamped at the ceiling.
		assert.Equal(t, 3.0, AnnualizedSigma(closes, 1, 0.6))
	})

	t.Run("flat series hits the floor", func(t *testing.T) {
		assert.Equal(t, 0.05, AnnualizedSigma([]float64{10, 10, 10, 10, 10}, 4, 0.6))
	})

	t.Run("too few returns", func(t *testing.T) {
		assert.Equal(t, 0.6, AnnualizedSigma([]float64{100, 101, 102}, 30, 0.6))
		assert.Equal(t, 0.6, AnnualizedSigma(nil, 30, 0.6))
	})

	t.Run("non-positive closes are skipped", func(t *testing.T) {
		// Only 100->110 and 110->100 survive.
		assert.Equal(t, 0.6, AnnualizedSigma([]float64{0, 100, 110, 100, -1}, 30, 0.6))
	})
}

type fakeHistory struct {
	closes []float64
	err    error
	calls  int
	syms   []string
}

func (f *fakeHistory) Closes(_ context.Context, sym string, from, to time.Time) ([]float64, error) {
	f.calls++
	f.syms = append(f.syms, sym)
	return f.closes, f.err
}

func newTestEstimator(h *fakeHistory) *SigmaEstimator {
	e := NewSigmaEstimator(DefaultFeedMap(), h, NewMemoryCache(), 5, 0.6, logging.Discard())
	e.policy = retry.Policy{Attempts: 1}
	return e
}

func TestSigmaEstimator_FetchesAndCaches(t *testing.T) {
	h := &fakeHistory{closes: []float64{100, 110, 100, 110, 100}}
	e := newTestEstimator(h)

	got := e.Sigma(context.Background(), "weth")
	want := AnnualizedSigma(h.closes, 5, 0.6)
	assert.InDelta(t, want, got, 1e-12)

	again := e.Sigma(context.Background(), "ETH")
	assert.InDelta(t, want, again, 1e-12)
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, []string{"ETH"}, h.syms)
}

func TestSigmaEstimator_Fallbacks(t *testing.T) {
	t.Run("unknown symbol", func(t *testing.T) {
		h := &fakeHistory{}
		assert.Equal(t, 0.6, newTestEstimator(h).Sigma(context.Background(), "PEPE"))
		assert.Zero(t, h.calls)
	})

	t.Run("upstream error", func(t *testing.T) {
		h := &fakeHistory{err: errors.New("timeout")}
		assert.Equal(t, 0.6, newTestEstimator(h).Sigma(context.Background(), "BTC"))
	})

	t.Run("no data", func(t *testing.T) {
		h := &fakeHistory{}
		assert.Equal(t, 0.6, newTestEstimator(h).Sigma(context.Background(), "BTC"))
	})
}

func TestSigmaEstimator_CachedValue(t *testing.T) {
	h := &fakeHistory{}
	e := newTestEstimator(h)
	require.NoError(t, e.cache.Set(context.Background(), "sigma:BTC", "0.42", time.Hour))

	assert.Equal(t, 0.42, e.Sigma(context.Background(), "wbtc"))
	assert.Zero(t, h.calls)
}
