// Package scores runs the scoring pipeline for wallets and keeps the history
// of results: collect a snapshot, score it, persist it, optionally push it on
// chain, and notify listeners.
package scores

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/pagination"
	"github.com/mbd888/occr/internal/snapshot"
)

var (
	ErrNotFound      = errors.New("scores: no score for wallet")
	ErrChainDisabled = errors.New("scores: on-chain scorer not configured")
	ErrPublish       = errors.New("scores: on-chain publish failed")
)

// Record is one persisted scoring run.
type Record struct {
	ID          string         `json:"id"`
	Address     string         `json:"address"`
	Score       int            `json:"score"`
	Tier        occr.Tier      `json:"tier"`
	Probability float64        `json:"probability"`
	Subscores   occr.Subscores `json:"subscores"`
	Trials      int            `json:"trials"`
	Loans       int            `json:"loans"`
	Positions   int            `json:"positions"`
	HoldingsUSD float64        `json:"holdingsUsd"`
	AsOf        time.Time      `json:"asOf"`
	TxHash      string         `json:"txHash,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// NewRecord captures an engine result for snap.
func NewRecord(snap *snapshot.WalletSnapshot, res occr.Result, p occr.Params, now time.Time) *Record {
	return &Record{
		ID:          uuid.NewString(),
		Address:     snap.Address,
		Score:       res.Score,
		Tier:        res.Tier,
		Probability: res.Probability,
		Subscores:   res.Subscores,
		Trials:      p.Trials,
		Loans:       len(snap.Loans),
		Positions:   len(snap.Positions),
		HoldingsUSD: snap.HoldingsUSD,
		AsOf:        snap.AsOf,
		CreatedAt:   now.UTC(),
	}
}

// Store persists score records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	// Latest returns the newest record for address, or ErrNotFound.
	Latest(ctx context.Context, address string) (*Record, error)
	// History returns up to limit records for address strictly older than
	// before (nil for the newest), ordered by (created_at, id) descending.
	History(ctx context.Context, address string, limit int, before *pagination.Cursor) ([]*Record, error)
	// Addresses lists every wallet with at least one record.
	Addresses(ctx context.Context) ([]string, error)
}

const (
	defaultHistoryLimit = 50
	maxPageSize         = 500
	maxHistoryLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
