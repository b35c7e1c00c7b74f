package snapshot

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Defaults are the values filled in for absent optional fields.
type Defaults struct {
	Volatility float64 // per-asset annualized volatility proxy
	MaxLTV     float64 // position liquidation threshold
	// Exposure used for loans that were not liquidated and carry no
	// explicit proportion. Liquidated loans default to 1.0.
	NonLiquidatedExposure float64
}

// DefaultDefaults returns the standard fill values.
func DefaultDefaults() Defaults {
	return Defaults{
		Volatility:            0.6,
		MaxLTV:                0.8,
		NonLiquidatedExposure: 0.2,
	}
}

// Validate checks that the fill values are usable.
func (d Defaults) Validate() error {
	switch {
	case d.Volatility < 0 || math.IsNaN(d.Volatility):
		return fmt.Errorf("%w: volatility %v", ErrInvalidDefaults, d.Volatility)
	case d.MaxLTV <= 0 || d.MaxLTV > 1:
		return fmt.Errorf("%w: max ltv %v", ErrInvalidDefaults, d.MaxLTV)
	case d.NonLiquidatedExposure < 0 || d.NonLiquidatedExposure > 1:
		return fmt.Errorf("%w: exposure %v", ErrInvalidDefaults, d.NonLiquidatedExposure)
	}
	return nil
}

// Builder turns Inputs into strict snapshots.
type Builder struct {
	defaults Defaults
	now      func() time.Time
}

// NewBuilder creates a builder with the given defaults.
func NewBuilder(d Defaults) *Builder {
	return &Builder{defaults: d, now: time.Now}
}

// WithClock overrides the clock used to stamp AsOf when the input has none.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Defaults returns the fill values in use.
func (b *Builder) Defaults() Defaults {
	return b.defaults
}

// NormalizeAddress validates an EVM address and returns its lowercase form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// Build validates in and fills every optional field. Out-of-range numbers are
// clamped rather than rejected; only structurally malformed inputs fail.
func (b *Builder) Build(in *Input) (*WalletSnapshot, error) {
	addr, err := NormalizeAddress(in.Address)
	if err != nil {
		return nil, err
	}

	snap := &WalletSnapshot{
		Address:      addr,
		HoldingsUSD:  nonNegative(in.HoldingsUSD),
		Loans:        make([]Loan, 0, len(in.LoanHistory)),
		Positions:    make([]Position, 0, len(in.CurrentPositions)),
		Transactions: make([]Transaction, 0, len(in.Transactions)),
	}
	if in.AsOf != nil && !in.AsOf.IsZero() {
		snap.AsOf = in.AsOf.UTC()
	} else {
		snap.AsOf = b.now().UTC()
	}

	for i, li := range in.LoanHistory {
		if li.OpenedAt.IsZero() {
			return nil, fmt.Errorf("%w: loan %d (%s) openedAt", ErrMissingTimestamp, i, li.ID)
		}
		loan := Loan{
			ID:          li.ID,
			OpenedAt:    li.OpenedAt.UTC(),
			AmountUSD:   nonNegative(li.AmountUSD),
			LTVAtOpen:   unit(li.LTVAtOpen),
			Liquidated:  li.Liquidated,
			Collaterals: make([]Collateral, 0, len(li.Collaterals)),
		}
		if loan.ID == "" {
			loan.ID = fmt.Sprintf("loan-%d", i)
		}
		if li.ClosedAt != nil && !li.ClosedAt.IsZero() {
			closed := li.ClosedAt.UTC()
			loan.ClosedAt = &closed
		}
		for _, ci := range li.Collaterals {
			loan.Collaterals = append(loan.Collaterals, Collateral{
				Symbol:     strings.ToUpper(ci.Symbol),
				AmountUSD:  nonNegative(ci.AmountUSD),
				Volatility: b.volatility(ci.Volatility),
			})
		}
		switch {
		case li.LiquidatedProportion != nil:
			loan.LiquidatedProportion = unit(*li.LiquidatedProportion)
		case li.Liquidated:
			loan.LiquidatedProportion = 1.0
		default:
			loan.LiquidatedProportion = b.defaults.NonLiquidatedExposure
		}
		snap.Loans = append(snap.Loans, loan)
	}

	for _, pi := range in.CurrentPositions {
		maxLTV := b.defaults.MaxLTV
		if pi.MaxLTV != nil {
			maxLTV = unit(*pi.MaxLTV)
		}
		snap.Positions = append(snap.Positions, Position{
			Protocol:      pi.Protocol,
			Symbol:        strings.ToUpper(pi.Symbol),
			CollateralUSD: nonNegative(pi.CollateralUSD),
			DebtUSD:       nonNegative(pi.DebtUSD),
			Volatility:    b.volatility(pi.Volatility),
			MaxLTV:        maxLTV,
		})
	}

	for i, ti := range in.Transactions {
		if ti.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: transaction %d", ErrMissingTimestamp, i)
		}
		dir := Direction(strings.ToLower(string(ti.Direction)))
		if !dir.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, ti.Direction)
		}
		tx := Transaction{
			Timestamp: ti.Timestamp.UTC(),
			AmountUSD: nonNegative(ti.AmountUSD),
			Direction: dir,
		}
		if ti.RecencyWeight != nil {
			w := unit(*ti.RecencyWeight)
			tx.RecencyWeight = &w
		}
		snap.Transactions = append(snap.Transactions, tx)
	}

	return snap, nil
}

func (b *Builder) volatility(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return b.defaults.Volatility
	}
	return nonNegative(*v)
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func unit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
