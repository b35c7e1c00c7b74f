package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/occr/internal/logging"
	"github.com/mbd888/occr/internal/snapshot"
)

const wallet = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

type staticLedger struct {
	in  *snapshot.Input
	err error
}

func (l staticLedger) Load(context.Context, string) (*snapshot.Input, error) {
	if l.err != nil {
		return nil, l.err
	}
	cp := *l.in
	return &cp, nil
}

type fakeHoldings struct {
	usd float64
	err error
}

func (h fakeHoldings) HoldingsUSD(context.Context, string) (float64, error) {
	return h.usd, h.err
}

type fakeSigmas struct {
	mu    sync.Mutex
	vals  map[string]float64
	asked []string
}

func (s *fakeSigmas) Sigma(_ context.Context, sym string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, sym)
	if v, ok := s.vals[sym]; ok {
		return v
	}
	return 0.6
}

func sampleInput() *snapshot.Input {
	opened := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	return &snapshot.Input{
		HoldingsUSD: 500,
		LoanHistory: []snapshot.LoanInput{{
			ID:        "aave-1",
			OpenedAt:  opened,
			AmountUSD: 1000,
			LTVAtOpen: 0.5,
			Collaterals: []snapshot.CollateralInput{
				{Symbol: "weth", AmountUSD: 2000},
				{Symbol: "USDC", AmountUSD: 100, Volatility: snapshot.Float(0.01)},
			},
		}},
		CurrentPositions: []snapshot.PositionInput{
			{Protocol: "compound", Symbol: "cbBTC", CollateralUSD: 3000, DebtUSD: 1000},
			{Protocol: "compound", CollateralUSD: 10, DebtUSD: 1},
		},
	}
}

func TestCollector_Collect(t *testing.T) {
	sigmas := &fakeSigmas{vals: map[string]float64{"WETH": 0.7, "CBBTC": 0.5}}
	c := New(staticLedger{in: sampleInput()}, snapshot.NewBuilder(snapshot.DefaultDefaults()),
		WithHoldings(fakeHoldings{usd: 12345.6}),
		WithVolatility(sigmas),
		WithLogger(logging.Discard()),
	)

	snap, err := c.Collect(context.Background(), wallet)
	require.NoError(t, err)

	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", snap.Address)
	assert.Equal(t, 12345.6, snap.HoldingsUSD, "chain holdings override the ledger")

	require.Len(t, snap.Loans, 1)
	assert.Equal(t, 0.7, snap.Loans[0].Collaterals[0].Volatility)
	assert.Equal(t, 0.01, snap.Loans[0].Collaterals[1].Volatility, "explicit volatility is kept")

	require.Len(t, snap.Positions, 2)
	assert.Equal(t, 0.5, snap.Positions[0].Volatility)
	assert.Equal(t, 0.6, snap.Positions[1].Volatility, "symbol-less position takes the default")

	assert.ElementsMatch(t, []string{"WETH", "CBBTC"}, sigmas.asked)
}

func TestCollector_HoldingsFailureKeepsLedgerValue(t *testing.T) {
	c := New(staticLedger{in: sampleInput()}, snapshot.NewBuilder(snapshot.DefaultDefaults()),
		WithHoldings(fakeHoldings{err: errors.New("rpc timeout")}),
		WithLogger(logging.Discard()),
	)

	snap, err := c.Collect(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, 500.0, snap.HoldingsUSD)
	assert.Equal(t, 0.6, snap.Loans[0].Collaterals[0].Volatility)
}

func TestCollector_Errors(t *testing.T) {
	builder := snapshot.NewBuilder(snapshot.DefaultDefaults())

	_, err := New(staticLedger{in: sampleInput()}, builder).Collect(context.Background(), "0x123")
	assert.ErrorIs(t, err, snapshot.ErrInvalidAddress)

	_, err = New(staticLedger{err: errors.New("disk gone")}, builder).Collect(context.Background(), wallet)
	assert.ErrorContains(t, err, "disk gone")

	bad := sampleInput()
	bad.Transactions = []snapshot.TransactionInput{{Timestamp: time.Now(), AmountUSD: 1, Direction: "sideways"}}
	_, err = New(staticLedger{in: bad}, builder).Collect(context.Background(), wallet)
	assert.ErrorIs(t, err, snapshot.ErrInvalidDirection)
}

func TestCollector_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(staticLedger{in: sampleInput()}, snapshot.NewBuilder(snapshot.DefaultDefaults()),
		WithVolatility(&fakeSigmas{}))
	_, err := c.Collect(ctx, wallet)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileLedger_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wallets")
	l := NewFileLedger(dir)
	ctx := context.Background()

	in, err := l.Load(ctx, wallet)
	require.NoError(t, err, "missing file means no history")
	assert.Empty(t, in.LoanHistory)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", in.Address)

	want := sampleInput()
	want.Address = wallet
	require.NoError(t, l.Save(ctx, want))

	_, err = os.Stat(filepath.Join(dir, "0xabcdef0123456789abcdef0123456789abcdef01.json"))
	require.NoError(t, err)

	got, err := l.Load(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, got.LoanHistory, 1)
	assert.Equal(t, "aave-1", got.LoanHistory[0].ID)
	assert.Equal(t, 500.0, got.HoldingsUSD)
	assert.Nil(t, got.LoanHistory[0].Collaterals[0].Volatility)
}

func TestFileLedger_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	addr := "0xabcdef0123456789abcdef0123456789abcdef01"
	require.NoError(t, os.WriteFile(filepath.Join(dir, addr+".json"), []byte("{"), 0o600))

	_, err := NewFileLedger(dir).Load(context.Background(), wallet)
	assert.Error(t, err)
}
