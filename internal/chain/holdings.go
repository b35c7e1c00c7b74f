package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/occr/internal/traces"
)

const nativeDecimals = 18

// PriceSource values assets in USD. Results are keyed by the requested
// symbol, upper-cased; unpriceable symbols are absent.
type PriceSource interface {
	PricesUSD(ctx context.Context, syms []string) (map[string]decimal.Decimal, error)
}

// Holding is one valued balance.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	PriceUSD decimal.Decimal `json:"priceUsd"`
	ValueUSD decimal.Decimal `json:"valueUsd"`
	Priced   bool            `json:"priced"`
}

// Holdings is a wallet's valued balances.
type Holdings struct {
	Address  string          `json:"address"`
	TotalUSD decimal.Decimal `json:"totalUsd"`
	Items    []Holding       `json:"items"`
}

// HoldingsReader reads the native balance and a configured list of ERC20
// balances and values them through a PriceSource.
type HoldingsReader struct {
	client       EthClient
	tokens       []Token
	prices       PriceSource
	nativeSymbol string
	logger       *slog.Logger
}

// NewHoldingsReader creates a reader. The native asset is priced as ETH.
func NewHoldingsReader(client EthClient, tokens []Token, prices PriceSource, logger *slog.Logger) *HoldingsReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HoldingsReader{
		client:       client,
		tokens:       tokens,
		prices:       prices,
		nativeSymbol: "ETH",
		logger:       logger,
	}
}

// Read returns the wallet's valued balances. Balances that cannot be priced
// contribute nothing to the total.
func (r *HoldingsReader) Read(ctx context.Context, address string) (*Holdings, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "chain.read_holdings", traces.Wallet(address))
	defer span.End()

	amounts := make([]decimal.Decimal, len(r.tokens)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wei, err := r.client.BalanceAt(gctx, addr, nil)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		amounts[0] = decimal.NewFromBigInt(wei, -nativeDecimals)
		return nil
	})
	for i, tok := range r.tokens {
		g.Go(func() error {
			raw, err := r.balanceOf(gctx, common.HexToAddress(tok.Address), addr)
			if err != nil {
				return fmt.Errorf("%s balance: %w", tok.Symbol, err)
			}
			amounts[i+1] = decimal.NewFromBigInt(raw, -tok.Decimals)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	syms := make([]string, 0, len(amounts))
	syms = append(syms, r.nativeSymbol)
	for _, tok := range r.tokens {
		syms = append(syms, tok.Symbol)
	}

	var prices map[string]decimal.Decimal
	if r.prices != nil {
		prices, err = r.prices.PricesUSD(ctx, syms)
		if err != nil {
			traces.RecordError(span, err)
			return nil, fmt.Errorf("price holdings: %w", err)
		}
	}

	out := &Holdings{Address: addr.Hex(), TotalUSD: decimal.Zero, Items: make([]Holding, 0, len(syms))}
	for i, sym := range syms {
		h := Holding{Symbol: sym, Amount: amounts[i]}
		if p, ok := prices[sym]; ok {
			h.Priced = true
			h.PriceUSD = p
			h.ValueUSD = amounts[i].Mul(p)
			out.TotalUSD = out.TotalUSD.Add(h.ValueUSD)
		} else if amounts[i].IsPositive() {
			r.logger.Warn("holding has no price, excluded from total", "symbol", sym, "address", out.Address)
		}
		out.Items = append(out.Items, h)
	}
	return out, nil
}

// HoldingsUSD returns only the total USD value.
func (r *HoldingsReader) HoldingsUSD(ctx context.Context, address string) (float64, error) {
	h, err := r.Read(ctx, address)
	if err != nil {
		return 0, err
	}
	return h.TotalUSD.InexactFloat64(), nil
}

func (r *HoldingsReader) balanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	out, err := erc20.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty balanceOf result")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}
