package scores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the occr_scores table if it doesn't exist. The goose
// migration in migrations/ is the canonical schema; this keeps dev setups
// without a migrate step working.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createScoresTable)
	return err
}

const createScoresTable = `
	CREATE TABLE IF NOT EXISTS occr_scores (
		id            UUID PRIMARY KEY,
		address       VARCHAR(42) NOT NULL,
		score         INTEGER NOT NULL CHECK (score BETWEEN 0 AND 1000),
		tier          CHAR(1) NOT NULL,
		probability   DOUBLE PRECISION NOT NULL,
		s_historical  DOUBLE PRECISION NOT NULL,
		s_current     DOUBLE PRECISION NOT NULL,
		s_utilization DOUBLE PRECISION NOT NULL,
		s_activity    DOUBLE PRECISION NOT NULL,
		s_new_credit  DOUBLE PRECISION NOT NULL,
		trials        INTEGER NOT NULL,
		loans         INTEGER NOT NULL DEFAULT 0,
		positions     INTEGER NOT NULL DEFAULT 0,
		holdings_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
		as_of         TIMESTAMPTZ NOT NULL,
		tx_hash       VARCHAR(66),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_occr_scores_address_created ON occr_scores(address, created_at DESC);
`

const selectColumns = `
	SELECT id, address, score, tier, probability,
		s_historical, s_current, s_utilization, s_activity, s_new_credit,
		trials, loans, positions, holdings_usd, as_of, tx_hash, created_at
	FROM occr_scores`

// Save inserts rec.
func (p *PostgresStore) Save(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO occr_scores (
			id, address, score, tier, probability,
			s_historical, s_current, s_utilization, s_activity, s_new_credit,
			trials, loans, positions, holdings_usd, as_of, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		rec.ID, strings.ToLower(rec.Address), rec.Score, string(rec.Tier), rec.Probability,
		rec.Subscores.Historical, rec.Subscores.Current, rec.Subscores.Utilization,
		rec.Subscores.Activity, rec.Subscores.NewCredit,
		rec.Trials, rec.Loans, rec.Positions, rec.HoldingsUSD,
		rec.AsOf, nullString(rec.TxHash), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// Latest returns the newest record for address.
func (p *PostgresStore) Latest(ctx context.Context, address string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+`
		WHERE address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, strings.ToLower(address))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest score: %w", err)
	}
	return rec, nil
}

// History returns up to limit records older than before, newest first.
func (p *PostgresStore) History(ctx context.Context, address string, limit int, before *pagination.Cursor) ([]*Record, error) {
	query := selectColumns + ` WHERE address = $1`
	args := []interface{}{strings.ToLower(address), clampLimit(limit)}
	if before != nil {
		query += ` AND (created_at, id) < ($3, $4::uuid)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("score history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Addresses lists scored wallets.
func (p *PostgresStore) Addresses(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT address FROM occr_scores ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var tier string
	var txHash sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Address, &rec.Score, &tier, &rec.Probability,
		&rec.Subscores.Historical, &rec.Subscores.Current, &rec.Subscores.Utilization,
		&rec.Subscores.Activity, &rec.Subscores.NewCredit,
		&rec.Trials, &rec.Loans, &rec.Positions, &rec.HoldingsUSD,
		&rec.AsOf, &txHash, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Tier = occr.Tier(strings.TrimSpace(tier))
	rec.TxHash = txHash.String
	rec.AsOf = rec.AsOf.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
