package scores

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/occr/internal/pagination"
)

// MemoryStore keeps records in process. Used when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	byAddr map[string][]*Record // oldest first
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAddr: make(map[string][]*Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.Address = strings.ToLower(cp.Address)
	recs := append(m.byAddr[cp.Address], &cp)
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	m.byAddr[cp.Address] = recs
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, address string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.byAddr[strings.ToLower(address)]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, address string, limit int, before *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.byAddr[strings.ToLower(address)]
	limit = clampLimit(limit)
	out := make([]*Record, 0, min(limit, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		if !before.Admits(recs[i].CreatedAt, recs[i].ID) {
			continue
		}
		cp := *recs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Addresses(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byAddr))
	for addr := range m.byAddr {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}
