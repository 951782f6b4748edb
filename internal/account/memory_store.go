package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存账户与订单，主要用于开发和测试。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	orders   map[string]Order
	now      func() time.Time
}

var (
	_ AccountStore = (*MemoryStore)(nil)
	_ OrderStore   = (*MemoryStore)(nil)
	_ Writer       = (*MemoryStore)(nil)
)

// NewMemoryStore 使用种子账户创建存储。
func NewMemoryStore(accounts ...Account) *MemoryStore {
	s := &MemoryStore{
		accounts: make(map[string]Account, len(accounts)),
		orders:   make(map[string]Order),
		now:      time.Now,
	}
	for _, acc := range accounts {
		s.accounts[acc.UserID] = acc
	}
	return s
}

// PutAccount 新增或覆盖账户。
func (s *MemoryStore) PutAccount(_ context.Context, acc Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.UserID] = acc
	return nil
}

// Account 实现 AccountStore。
func (s *MemoryStore) Account(_ context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

// RecentOrders 实现 OrderStore。
func (s *MemoryStore) RecentOrders(_ context.Context, userID string, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, order := range s.orders {
		if order.UserID == userID {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderDate.Equal(out[j].OrderDate) {
			return out[i].OrderNumber > out[j].OrderNumber
		}
		return out[i].OrderDate.After(out[j].OrderDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PlaceOrder 实现 OrderStore。
func (s *MemoryStore) PlaceOrder(_ context.Context, order Order) (*Order, bool, error) {
	if err := order.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.OrderNumber]; ok {
		clone := cloneOrder(existing)
		return &clone, false, nil
	}
	if order.OrderDate.IsZero() {
		order.OrderDate = s.now().UTC()
	}
	if order.Status == "" {
		order.Status = StatusPlaced
	}
	if order.TotalPrice == 0 {
		for _, item := range order.LineItems {
			order.TotalPrice += item.Total
		}
	}
	stored := cloneOrder(order)
	s.orders[order.OrderNumber] = stored
	clone := cloneOrder(stored)
	return &clone, true, nil
}
