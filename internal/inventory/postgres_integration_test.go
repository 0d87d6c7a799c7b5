//go:build integration

package inventory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/postgres/pgtest"
)

// ids of the seeded catalogue
const (
	tshirt = "8b6a2f1e-3c55-4f0e-9d5e-1f7f0c2a0001"
	poster = "8b6a2f1e-3c55-4f0e-9d5e-1f7f0c2a0003"
)

func TestPostgresLedger(t *testing.T) {
	ctx := context.Background()
	l := inventory.NewPostgresLedger(pgtest.Start(t))

	p, err := l.GetProduct(ctx, tshirt)
	require.NoError(t, err)
	require.Equal(t, "SKU-TSHIRT", p.SKU)
	start := p.Stock

	require.NoError(t, l.Reserve(ctx, tshirt, 3))
	require.ErrorIs(t, l.Reserve(ctx, tshirt, start), inventory.ErrInsufficientStock)
	require.ErrorIs(t, l.Reserve(ctx, "00000000-0000-0000-0000-00000000ffff", 1), inventory.ErrProductNotFound)
	require.ErrorIs(t, l.Reserve(ctx, tshirt, 0), inventory.ErrInvalidQuantity)

	require.NoError(t, l.Release(ctx, tshirt, 3))
	p, err = l.GetProduct(ctx, tshirt)
	require.NoError(t, err)
	require.Equal(t, start, p.Stock)

	_, err = l.GetProduct(ctx, "00000000-0000-0000-0000-00000000ffff")
	require.ErrorIs(t, err, inventory.ErrProductNotFound)

	ps, err := l.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 3)
}

func TestPostgresLedger_LastUnitUnderContention(t *testing.T) {
	ctx := context.Background()
	l := inventory.NewPostgresLedger(pgtest.Start(t))

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, poster, 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(9), short.Load())

	p, err := l.GetProduct(ctx, poster)
	require.NoError(t, err)
	require.Zero(t, p.Stock)
}
