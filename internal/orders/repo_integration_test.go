//go:build integration

package orders_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/postgres/pgtest"
)

const mug = "8b6a2f1e-3c55-4f0e-9d5e-1f7f0c2a0002"

func newOrder(id string, created time.Time) orders.Order {
	items := []orders.LineItem{{ProductID: mug, Name: "Ceramic Mug", Qty: 2, PriceCents: 899}}
	return orders.Order{
		ID:       id,
		UserID:   "u-1",
		Items:    items,
		Shipping: orders.ShippingAddress{Address: "1 Main St", City: "Jakarta", PostalCode: "10110", Country: "ID"},
		Totals:   orders.CalcTotals(items),
		Status:   orders.StatusPending,
		Version:  1,
		// postgres keeps microseconds
		CreatedAt: created.Truncate(time.Microsecond),
		UpdatedAt: created.Truncate(time.Microsecond),
	}
}

func TestRepo_CRUDAndCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := orders.NewRepo(pgtest.Start(t))
	now := time.Now().UTC()

	o := newOrder("o-1", now)
	o.ExternalID = "cart-1"
	require.NoError(t, repo.Create(ctx, o))

	dup := newOrder("o-2", now)
	dup.ExternalID = "cart-1"
	require.ErrorIs(t, repo.Create(ctx, dup), orders.ErrDuplicateOrder)

	// the same key from another user is a different order
	other := newOrder("o-3", now)
	other.UserID = "u-2"
	other.ExternalID = "cart-1"
	require.NoError(t, repo.Create(ctx, other))

	got, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, o.Items, got.Items)
	require.Equal(t, o.Shipping, got.Shipping)
	require.Equal(t, o.Totals, got.Totals)
	require.Nil(t, got.Payment)

	byExt, err := repo.GetByExternalID(ctx, "u-1", "cart-1")
	require.NoError(t, err)
	require.Equal(t, "o-1", byExt.ID)

	byExt, err = repo.GetByExternalID(ctx, "u-2", "cart-1")
	require.NoError(t, err)
	require.Equal(t, "o-3", byExt.ID)

	_, err = repo.GetByExternalID(ctx, "u-3", "cart-1")
	require.ErrorIs(t, err, orders.ErrOrderNotFound)

	paidAt := now.Add(time.Minute).Truncate(time.Microsecond)
	got.IsPaid = true
	got.PaidAt = &paidAt
	got.Payment = &orders.PaymentResult{ID: "pay-1", Status: "COMPLETED", CapturedAmountCents: got.Totals.TotalCents}
	got.Status = orders.StatusProcessing
	require.NoError(t, repo.Update(ctx, got))

	// the same stale version must lose
	require.ErrorIs(t, repo.Update(ctx, got), orders.ErrVersionConflict)

	ghost := newOrder("ghost", now)
	require.ErrorIs(t, repo.Update(ctx, ghost), orders.ErrOrderNotFound)

	after, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 2, after.Version)
	require.Equal(t, orders.StatusProcessing, after.Status)
	require.Equal(t, "pay-1", after.Payment.ID)
	require.True(t, after.PaidAt.Equal(paidAt))

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestRepo_ListAndScans(t *testing.T) {
	ctx := context.Background()
	repo := orders.NewRepo(pgtest.Start(t))
	now := time.Now().UTC()

	old := newOrder("old", now.Add(-25*time.Hour))
	remind := newOrder("remind", now.Add(-13*time.Hour-30*time.Minute))
	fresh := newOrder("fresh", now.Add(-time.Hour))
	fresh.UserID = "u-2"
	for _, o := range []orders.Order{old, remind, fresh} {
		require.NoError(t, repo.Create(ctx, o))
	}

	expired, err := repo.FindExpired(ctx, orders.ExpiryCutoff(now), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "old", expired[0].ID)

	from, to := orders.ReminderWindow(now)
	due, err := repo.FindReminderDue(ctx, from, to, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "remind", due[0].ID)

	// a non-positive limit means no limit, not an empty page
	all, err := repo.FindExpired(ctx, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "old", all[0].ID, "oldest first")

	all, err = repo.FindReminderDue(ctx, now.Add(-48*time.Hour), now, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)

	mine, err := repo.List(ctx, orders.ListFilter{UserID: "u-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, "remind", mine[0].ID, "newest first")

	page, err := repo.List(ctx, orders.ListFilter{Status: orders.StatusPending, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "remind", page[0].ID)
}

func TestService_OnPostgres(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t)
	ledger := inventory.NewPostgresLedger(pool)
	svc := orders.NewService(orders.NewRepo(pool), ledger, ledger, nil, zap.NewNop())

	before, err := ledger.GetProduct(ctx, mug)
	require.NoError(t, err)

	o, _, err := svc.CreateOrder(ctx, orders.CreateOrderInput{
		UserID: "u-1",
		Items:  []orders.ItemInput{{ProductID: mug, Qty: 5}},
	})
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, o.ID, "")
	require.NoError(t, err)
	_, err = svc.CancelOrder(ctx, o.ID, "")
	require.NoError(t, err)

	after, err := ledger.GetProduct(ctx, mug)
	require.NoError(t, err)
	require.Equal(t, before.Stock, after.Stock)
}
