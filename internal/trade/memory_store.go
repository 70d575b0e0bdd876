package trade

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades map[string]*Trade
	byKey  map[string]string // tradeKey -> id
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same uniqueness the trades table enforces: primary key and trade key.
	if _, ok := m.trades[t.ID]; ok {
		return ErrTradeExists
	}
	if _, ok := m.byKey[t.TradeKey]; ok {
		return ErrTradeExists
	}

	cp := *t
	m.trades[t.ID] = &cp
	m.byKey[t.TradeKey] = t.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, tradeKey string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[strings.ToLower(tradeKey)]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *m.trades[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if existing.TradeKey != t.TradeKey {
		return ErrTradeKeyChanged
	}
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a := strings.ToLower(addr)
	var result []*Trade
	for _, t := range m.sorted() {
		if t.SellerAddr == a || t.BuyerAddr == a {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPage(ctx context.Context, f ListFilter, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	party := strings.ToLower(f.Party)
	var result []*Trade
	for _, t := range m.sorted() {
		if f.CursorCreatedAt != nil {
			// Page entries strictly after the cursor in (created_at DESC, id DESC) order.
			if t.CreatedAt.After(*f.CursorCreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(*f.CursorCreatedAt) && t.ID >= f.CursorID {
				continue
			}
		}
		if party != "" && t.SellerAddr != party && t.BuyerAddr != party {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ChainID != 0 && t.ChainID != f.ChainID {
			continue
		}
		cp := *t
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.sorted() {
		if !t.IsTerminal() {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// sorted returns trades in (created_at DESC, id DESC) order so listings
// match the Postgres store. Caller must hold at least a read lock.
func (m *MemoryStore) sorted() []*Trade {
	all := make([]*Trade, 0, len(m.trades))
	for _, t := range m.trades {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return all
}
