package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/occr/internal/snapshot"
	"github.com/mbd888/occr/internal/traces"
)

// HoldingsSource values a wallet's liquid balances in USD.
type HoldingsSource interface {
	HoldingsUSD(ctx context.Context, address string) (float64, error)
}

// VolatilitySource returns annualized volatility for an asset symbol.
type VolatilitySource interface {
	Sigma(ctx context.Context, sym string) float64
}

// maxSigmaLookups bounds concurrent volatility requests per wallet.
const maxSigmaLookups = 4

// Collector builds strict snapshots for a wallet.
type Collector struct {
	ledger   Ledger
	holdings HoldingsSource
	sigmas   VolatilitySource
	builder  *snapshot.Builder
	logger   *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithHoldings makes on-chain holdings override the ledger's figure.
func WithHoldings(h HoldingsSource) Option {
	return func(c *Collector) { c.holdings = h }
}

// WithVolatility fills missing collateral volatility from market data.
func WithVolatility(v VolatilitySource) Option {
	return func(c *Collector) { c.sigmas = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New creates a collector over ledger.
func New(ledger Ledger, builder *snapshot.Builder, opts ...Option) *Collector {
	c := &Collector{ledger: ledger, builder: builder, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Assemble returns the wallet's input with holdings and volatility filled
// in, before defaults are applied.
func (c *Collector) Assemble(ctx context.Context, address string) (*snapshot.Input, error) {
	addr, err := snapshot.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "collector.assemble", traces.Wallet(addr))
	defer span.End()

	var (
		in       *snapshot.Input
		holdings float64
		haveHold bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loaded, err := c.ledger.Load(gctx, addr)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		in = loaded
		return nil
	})
	if c.holdings != nil {
		g.Go(func() error {
			usd, err := c.holdings.HoldingsUSD(gctx, addr)
			if err != nil {
				// Keep the ledger figure.
				c.logger.Warn("holdings read failed, using ledger value", "address", addr, "error", err)
				return nil
			}
			holdings, haveHold = usd, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	in.Address = addr
	if haveHold {
		in.HoldingsUSD = holdings
	}

	if c.sigmas != nil {
		if err := c.fillVolatility(ctx, in); err != nil {
			traces.RecordError(span, err)
			return nil, err
		}
	}
	return in, nil
}

// Collect assembles and builds the wallet's snapshot.
func (c *Collector) Collect(ctx context.Context, address string) (*snapshot.WalletSnapshot, error) {
	in, err := c.Assemble(ctx, address)
	if err != nil {
		return nil, err
	}
	snap, err := c.builder.Build(in)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	return snap, nil
}

func (c *Collector) fillVolatility(ctx context.Context, in *snapshot.Input) error {
	wanted := missingVolatility(in)
	if len(wanted) == 0 {
		return nil
	}

	var mu sync.Mutex
	sigmas := make(map[string]float64, len(wanted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSigmaLookups)
	for _, sym := range wanted {
		g.Go(func() error {
			v := c.sigmas.Sigma(gctx, sym)
			mu.Lock()
			sigmas[sym] = v
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range in.LoanHistory {
		for j := range in.LoanHistory[i].Collaterals {
			leg := &in.LoanHistory[i].Collaterals[j]
			if leg.Volatility == nil {
				if v, ok := sigmas[symbolKey(leg.Symbol)]; ok {
					leg.Volatility = snapshot.Float(v)
				}
			}
		}
	}
	for i := range in.CurrentPositions {
		p := &in.CurrentPositions[i]
		if p.Volatility == nil {
			if v, ok := sigmas[symbolKey(p.Symbol)]; ok {
				p.Volatility = snapshot.Float(v)
			}
		}
	}
	return nil
}

// missingVolatility lists the symbols that carry no volatility of their own.
func missingVolatility(in *snapshot.Input) []string {
	set := make(map[string]bool)
	add := func(sym string, vol *float64) {
		sym = symbolKey(sym)
		if vol == nil && sym != "" {
			set[sym] = true
		}
	}
	for _, loan := range in.LoanHistory {
		for _, leg := range loan.Collaterals {
			add(leg.Symbol, leg.Volatility)
		}
	}
	for _, p := range in.CurrentPositions {
		add(p.Symbol, p.Volatility)
	}

	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func symbolKey(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}
