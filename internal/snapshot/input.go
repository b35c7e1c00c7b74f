package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Input is the loosely-populated wire form of a snapshot. Pointer fields are
// optional; Builder fills them from Defaults.
type Input struct {
	Address          string             `json:"address"`
	AsOf             *time.Time         `json:"asOf,omitempty"`
	LoanHistory      []LoanInput        `json:"loanHistory"`
	CurrentPositions []PositionInput    `json:"currentPositions"`
	Transactions     []TransactionInput `json:"transactions"`
	HoldingsUSD      float64            `json:"holdingsUsd"`
}

// CollateralInput is the wire form of a collateral leg.
type CollateralInput struct {
	Symbol     string   `json:"symbol"`
	AmountUSD  float64  `json:"amountUsd"`
	Volatility *float64 `json:"volatility,omitempty"`
}

// LoanInput is the wire form of a loan event.
type LoanInput struct {
	ID                   string            `json:"id"`
	OpenedAt             time.Time         `json:"openedAt"`
	ClosedAt             *time.Time        `json:"closedAt,omitempty"`
	AmountUSD            float64           `json:"amountUsd"`
	LTVAtOpen            float64           `json:"ltvAtOpen"`
	Collaterals          []CollateralInput `json:"collaterals"`
	Liquidated           bool              `json:"liquidated"`
	LiquidatedProportion *float64          `json:"liquidatedProportion,omitempty"`
}

// PositionInput is the wire form of an open position.
type PositionInput struct {
	Protocol      string   `json:"protocol,omitempty"`
	Symbol        string   `json:"symbol,omitempty"`
	CollateralUSD float64  `json:"collateralUsd"`
	DebtUSD       float64  `json:"debtUsd"`
	Volatility    *float64 `json:"volatility,omitempty"`
	MaxLTV        *float64 `json:"maxLtv,omitempty"`
}

// TransactionInput is the wire form of a transfer.
type TransactionInput struct {
	Timestamp     time.Time `json:"timestamp"`
	AmountUSD     float64   `json:"amountUsd"`
	Direction     Direction `json:"direction"`
	RecencyWeight *float64  `json:"recencyWeight,omitempty"`
}

// Float returns a pointer to v. Handy for optional fields in literals.
func Float(v float64) *float64 { return &v }

// LoadFile decodes an Input from a JSON file.
func LoadFile(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &in, nil
}
