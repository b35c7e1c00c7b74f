// Package syncutil provides per-wallet locking for the scoring pipeline.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

const walletShards = 256

// WalletLocks serializes work per wallet address over a fixed pool of
// channel-based mutexes, so memory stays bounded however many wallets are
// seen. Two wallets may share a shard. Addresses are compared
// case-insensitively.
type WalletLocks struct {
	shards [walletShards]chan struct{}
}

// NewWalletLocks creates an unlocked pool.
func NewWalletLocks() *WalletLocks {
	l := &WalletLocks{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock blocks until the wallet's lock is held or ctx is done. On success
// the caller must call the returned unlock function exactly once.
func (l *WalletLocks) Lock(ctx context.Context, address string) (func(), error) {
	shard := l.shards[shardOf(address)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(address string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(address))))
	return h.Sum32() % walletShards
}
