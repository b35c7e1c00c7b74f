// Package snapshot defines the canonical wallet snapshot consumed by the
// OCCR scoring engine.
//
// A WalletSnapshot is strict: every optional field of the wire format has
// already been defaulted by Builder, so calculators never have to guess.
// Snapshots are immutable once built and are discarded after scoring.
package snapshot

import (
	"errors"
	"time"
)

var (
	ErrInvalidAddress   = errors.New("snapshot: invalid wallet address")
	ErrInvalidDirection = errors.New("snapshot: invalid transaction direction")
	ErrMissingTimestamp = errors.New("snapshot: missing timestamp")
	ErrInvalidDefaults  = errors.New("snapshot: invalid defaults")
)

// Direction of a wallet transfer.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Sign returns +1 for credits and -1 for debits.
func (d Direction) Sign() float64 {
	if d == Debit {
		return -1
	}
	return 1
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Credit || d == Debit
}

// Collateral is one leg of collateral backing a loan.
type Collateral struct {
	Symbol     string  `json:"symbol"`
	AmountUSD  float64 `json:"amountUsd"`
	Volatility float64 `json:"volatility"` // annualized
}

// Loan is one historical or currently-open credit line.
type Loan struct {
	ID                   string       `json:"id"`
	OpenedAt             time.Time    `json:"openedAt"`
	ClosedAt             *time.Time   `json:"closedAt,omitempty"`
	AmountUSD            float64      `json:"amountUsd"`
	LTVAtOpen            float64      `json:"ltvAtOpen"`
	Collaterals          []Collateral `json:"collaterals"`
	Liquidated           bool         `json:"liquidated"`
	LiquidatedProportion float64      `json:"liquidatedProportion"`
}

// CollateralUSD sums the USD value of all collateral legs.
func (l Loan) CollateralUSD() float64 {
	var total float64
	for _, c := range l.Collaterals {
		total += c.AmountUSD
	}
	return total
}

// Open reports whether the loan has no close time.
func (l Loan) Open() bool {
	return l.ClosedAt == nil
}

// Position is an open collateral/debt pair.
type Position struct {
	Protocol      string  `json:"protocol,omitempty"`
	Symbol        string  `json:"symbol,omitempty"`
	CollateralUSD float64 `json:"collateralUsd"`
	DebtUSD       float64 `json:"debtUsd"`
	Volatility    float64 `json:"volatility"`
	MaxLTV        float64 `json:"maxLtv"` // liquidation threshold
}

// Transaction is an on-chain transfer into or out of the wallet.
type Transaction struct {
	Timestamp     time.Time `json:"timestamp"`
	AmountUSD     float64   `json:"amountUsd"`
	Direction     Direction `json:"direction"`
	RecencyWeight *float64  `json:"recencyWeight,omitempty"`
}

// WalletSnapshot is the unit of input to the scoring engine.
type WalletSnapshot struct {
	Address      string        `json:"address"`
	AsOf         time.Time     `json:"asOf"`
	Loans        []Loan        `json:"loanHistory"`
	Positions    []Position    `json:"currentPositions"`
	Transactions []Transaction `json:"transactions"`
	HoldingsUSD  float64       `json:"holdingsUsd"`
}

// Empty reports whether the snapshot carries no activity at all.
func (s *WalletSnapshot) Empty() bool {
	return len(s.Loans) == 0 && len(s.Positions) == 0 && len(s.Transactions) == 0 && s.HoldingsUSD == 0
}

// Symbols returns the distinct collateral and position symbols, in first-seen order.
func (s *WalletSnapshot) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(sym string) {
		if sym == "" || seen[sym] {
			return
		}
		seen[sym] = true
		out = append(out, sym)
	}
	for _, l := range s.Loans {
		for _, c := range l.Collaterals {
			add(c.Symbol)
		}
	}
	for _, p := range s.Positions {
		add(p.Symbol)
	}
	return out
}
