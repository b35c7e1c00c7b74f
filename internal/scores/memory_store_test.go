package scores

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/occr/internal/occr"
	"github.com/mbd888/occr/internal/pagination"
)

func testRecord(addr string, offset time.Duration) *Record {
	return &Record{
		ID:          uuid.NewString(),
		Address:     addr,
		Score:       220,
		Tier:        occr.TierB,
		Probability: 0.22,
		Subscores: occr.Subscores{
			Historical:  0.1,
			Current:     0.3,
			Utilization: 0.5,
			Activity:    -0.25,
			NewCredit:   0.05,
		},
		Trials:      2000,
		Loans:       2,
		Positions:   1,
		HoldingsUSD: 1234.5,
		AsOf:        fixedNow,
		CreatedAt:   fixedNow.Add(offset),
	}
}

func TestMemoryStore_LatestAndHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Saved out of order on purpose.
	for _, off := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		require.NoError(t, store.Save(ctx, testRecord(walletA, off)))
	}

	latest, err := store.Latest(ctx, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(2*time.Minute), latest.CreatedAt)

	hist, err := store.History(ctx, walletA, 0, nil)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, fixedNow.Add(2*time.Minute), hist[0].CreatedAt)
	assert.Equal(t, fixedNow, hist[2].CreatedAt)

	hist, err = store.History(ctx, walletA, 1, nil)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// Older than the newest record.
	before := &pagination.Cursor{CreatedAt: hist[0].CreatedAt, ID: hist[0].ID}
	hist, err = store.History(ctx, walletA, 10, before)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, fixedNow.Add(time.Minute), hist[0].CreatedAt)
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Latest(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrNotFound)

	hist, err := store.History(context.Background(), walletA, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := testRecord(walletA, 0)
	require.NoError(t, store.Save(ctx, rec))

	rec.Score = 999
	got, err := store.Latest(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, 220, got.Score)

	got.Score = 1
	again, _ := store.Latest(ctx, walletA)
	assert.Equal(t, 220, again.Score)
}

func TestMemoryStore_Addresses(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testRecord(walletB, 0)))
	require.NoError(t, store.Save(ctx, testRecord(walletA, 0)))
	require.NoError(t, store.Save(ctx, testRecord(walletA, time.Minute)))

	addrs, err := store.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{walletA, walletB}, addrs)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultHistoryLimit, clampLimit(0))
	assert.Equal(t, defaultHistoryLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, maxHistoryLimit, clampLimit(5000))
}
