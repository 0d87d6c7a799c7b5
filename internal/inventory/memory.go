package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is the in-process ledger used by tests and local runs.
type MemoryLedger struct {
	mu       sync.Mutex
	products map[string]Product
}

func NewMemoryLedger(products ...Product) *MemoryLedger {
	l := &MemoryLedger{products: make(map[string]Product, len(products))}
	for _, p := range products {
		l.Seed(p)
	}
	return l
}

// Seed inserts or replaces a product record.
func (l *MemoryLedger) Seed(p Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	l.products[p.ID] = p
}

// Stock returns the current available quantity, -1 when the product is unknown.
func (l *MemoryLedger) Stock(productID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return -1
	}
	return p.Stock
}

func (l *MemoryLedger) Reserve(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	if p.Stock < qty {
		return ErrInsufficientStock
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now().UTC()
	l.products[productID] = p
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock += qty
	p.UpdatedAt = time.Now().UTC()
	l.products[productID] = p
	return nil
}

func (l *MemoryLedger) GetProduct(_ context.Context, id string) (Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (l *MemoryLedger) ListProducts(_ context.Context) ([]Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Product, 0, len(l.products))
	for _, p := range l.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}
