package prices

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "price:ETH", "3450.12", 30*time.Second))

	v, ok, err := c.Get(ctx, "price:ETH")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3450.12", v)

	now = now.Add(30 * time.Second)
	_, ok, err = c.Get(ctx, "price:ETH")
	require.NoError(t, err)
	assert.False(t, ok, "entry expires at its deadline")

	_, ok, _ = c.Get(ctx, "price:BTC")
	assert.False(t, ok)
}

func TestRedisCache_Get(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewRedisCacheFromClient(db)

	mock.ExpectGet("occr:price:ETH").SetVal("3450.12")
	mock.ExpectGet("occr:price:BTC").RedisNil()
	mock.ExpectGet("occr:price:USDC").SetErr(redis.TxFailedErr)

	v, ok, err := c.Get(ctx, "price:ETH")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3450.12", v)

	_, ok, err = c.Get(ctx, "price:BTC")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.Get(ctx, "price:USDC")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_Set(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewRedisCacheFromClient(db)

	mock.ExpectSet("occr:sigma:ETH", "0.62", time.Hour).SetVal("OK")
	mock.ExpectSet("occr:sigma:BTC", "0.5", time.Hour).SetErr(redis.TxFailedErr)

	require.NoError(t, c.Set(ctx, "sigma:ETH", "0.62", time.Hour))
	assert.Error(t, c.Set(ctx, "sigma:BTC", "0.5", time.Hour))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_Ping(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisCacheFromClient(db)

	mock.ExpectPing().SetVal("PONG")
	assert.NoError(t, c.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}
