package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[string]Order
	byExternal map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]Order),
		byExternal: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ExternalID != "" {
		key := externalKey(o.UserID, o.ExternalID)
		if _, ok := s.byExternal[key]; ok {
			return ErrDuplicateOrder
		}
		s.byExternal[key] = o.ID
	}
	if o.Version == 0 {
		o.Version = 1
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, userID, externalID string) (Order, error) {
	s.mu.RLock()
	id, ok := s.byExternal[externalKey(userID, externalID)]
	s.mu.RUnlock()
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return s.Get(ctx, id)
}

func externalKey(userID, externalID string) string { return userID + "\x00" + externalID }

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Order, 0)
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Order{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return ErrVersionConflict
	}
	o.Version++
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) FindExpired(_ context.Context, createdBefore time.Time, limit int) ([]Order, error) {
	return s.scan(limit, func(o Order) bool {
		return o.Status == StatusPending && !o.IsPaid && o.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStore) FindReminderDue(_ context.Context, from, to time.Time, limit int) ([]Order, error) {
	return s.scan(limit, func(o Order) bool {
		return o.Status == StatusPending && !o.IsPaid && !o.ReminderSent &&
			!o.CreatedAt.Before(from) && o.CreatedAt.Before(to)
	}), nil
}

func (s *MemoryStore) scan(limit int, match func(Order) bool) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Order, 0)
	for _, o := range s.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
