package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

type memCache struct {
	mu sync.Mutex
	m  map[string]redisx.OrderStatus
}

func (c *memCache) Get(_ context.Context, id string) (redisx.OrderStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.m[id]
	return st, ok, nil
}

func (c *memCache) Put(_ context.Context, o orders.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[o.ID]; ok && cur.Version >= o.Version {
		return nil
	}
	c.m[o.ID] = redisx.StatusOf(o)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testAPI struct {
	srv    *httptest.Server
	svc    *orders.Service
	ledger *inventory.MemoryLedger
	cache  *memCache
	clock  *clock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ledger := inventory.NewMemoryLedger(
		inventory.Product{ID: "p-1", SKU: "SKU-TSHIRT", Name: "T-Shirt", PriceCents: 1999, Stock: 2},
		inventory.Product{ID: "p-2", SKU: "SKU-MUG", Name: "Mug", PriceCents: 899, Stock: 10},
	)
	cache := &memCache{m: map[string]redisx.OrderStatus{}}
	clk := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := orders.NewService(orders.NewMemoryStore(), ledger, ledger, nil, zap.NewNop(),
		orders.WithClock(clk.Now),
		orders.WithStatusSink(cache),
	)

	r := NewRouter(zap.NewNop())
	(&OrdersHandler{Orders: svc, Catalog: ledger, Cache: cache, Logger: zap.NewNop()}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, svc: svc, ledger: ledger, cache: cache, clock: clk}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&raw)
	return resp.StatusCode, raw
}

func (a *testAPI) createOrder(t *testing.T, body string) orders.Order {
	t.Helper()
	code, raw := a.do(t, http.MethodPost, "/orders", body)
	require.Equal(t, http.StatusCreated, code, string(raw))
	var resp CreateOrderResp
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp.Order
}

func errorOf(t *testing.T, raw []byte) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	return body["error"]
}

func TestCreateOrder_HTTP(t *testing.T) {
	a := newTestAPI(t)
	body := `{"external_id":"cart-1","user_id":"u-1","user_email":"u1@shop.test","items":[{"product_id":"p-1","qty":1}]}`

	o := a.createOrder(t, body)
	require.Equal(t, orders.StatusPending, o.Status)
	require.Equal(t, int64(1999+300+1000), o.Totals.TotalCents)

	code, raw := a.do(t, http.MethodPost, "/orders", body)
	require.Equal(t, http.StatusOK, code)
	var replay CreateOrderResp
	require.NoError(t, json.Unmarshal(raw, &replay))
	require.True(t, replay.Idempotent)
	require.Equal(t, o.ID, replay.Order.ID)
	require.Equal(t, 1, a.ledger.Stock("p-1"))
}

func TestCreateOrder_HTTPErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "invalid json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "missing items", body: `{"user_id":"u-1"}`, wantCode: http.StatusBadRequest},
		{name: "out of stock", body: `{"user_id":"u-1","items":[{"product_id":"p-1","qty":3}]}`, wantCode: http.StatusConflict},
		{name: "unknown product", body: `{"user_id":"u-1","items":[{"product_id":"p-9","qty":1}]}`, wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t)
			code, raw := a.do(t, http.MethodPost, "/orders", tt.body)
			require.Equal(t, tt.wantCode, code)
			require.NotEmpty(t, errorOf(t, raw))
			require.Equal(t, 2, a.ledger.Stock("p-1"))
		})
	}
}

func TestOrderLifecycle_HTTP(t *testing.T) {
	a := newTestAPI(t)
	o := a.createOrder(t, `{"user_id":"u-1","items":[{"product_id":"p-2","qty":2}]}`)
	base := "/orders/" + o.ID

	code, _ := a.do(t, http.MethodPost, base+"/pay", `{"id":"pay-1","status":"PENDING"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = a.do(t, http.MethodPut, base+"/status", `{"status":"SHIPPED"}`)
	require.Equal(t, http.StatusConflict, code, "pending order cannot ship")

	code, _ = a.do(t, http.MethodPost, base+"/pay", `{"id":"pay-1","status":"COMPLETED","captured_amount_cents":3058}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPost, base+"/pay", `{"id":"pay-1","status":"COMPLETED"}`)
	require.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodPut, base+"/status", `{"status":"LOST"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, raw := a.do(t, http.MethodPut, base+"/status", `{"status":"SHIPPED","tracking_number":"TRK-9"}`)
	require.Equal(t, http.StatusOK, code)
	var shipped orders.Order
	require.NoError(t, json.Unmarshal(raw, &shipped))
	require.Equal(t, "TRK-9", shipped.TrackingNumber)

	code, raw = a.do(t, http.MethodGet, base+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var st redisx.OrderStatus
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, "SHIPPED", st.Status)
	require.True(t, st.IsPaid)

	code, _ = a.do(t, http.MethodPost, base+"/cancel", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 10, a.ledger.Stock("p-2"))

	code, raw = a.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, code)
	var got orders.Order
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, orders.StatusCancelled, got.Status)
}

func TestGetOrderStatus_ServedFromCache(t *testing.T) {
	a := newTestAPI(t)
	a.cache.m["cached-only"] = redisx.OrderStatus{OrderID: "cached-only", Status: "PROCESSING"}

	code, raw := a.do(t, http.MethodGet, "/orders/cached-only/status", "")
	require.Equal(t, http.StatusOK, code)
	var st redisx.OrderStatus
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, "PROCESSING", st.Status)

	code, _ = a.do(t, http.MethodGet, "/orders/missing/status", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestGetOrderStatus_ReflectsChangesOutsideHTTP(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	o := a.createOrder(t, `{"user_id":"u-1","items":[{"product_id":"p-2","qty":1}]}`)
	statusPath := "/orders/" + o.ID + "/status"

	code, raw := a.do(t, http.MethodGet, statusPath, "")
	require.Equal(t, http.StatusOK, code)
	var st redisx.OrderStatus
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, "PENDING", st.Status)

	// the reconciler expires the order without going through HTTP
	a.clock.Advance(25 * time.Hour)
	_, cancelled, err := a.svc.CancelExpired(ctx, o)
	require.NoError(t, err)
	require.True(t, cancelled)

	code, raw = a.do(t, http.MethodGet, statusPath, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, "CANCELLED", st.Status)
	require.Equal(t, 2, st.Version)

	// a late fill carrying the version read before the cancel is ignored
	require.NoError(t, a.cache.Put(ctx, o))
	code, raw = a.do(t, http.MethodGet, statusPath, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, "CANCELLED", st.Status)
}

func TestListEndpoints_HTTP(t *testing.T) {
	a := newTestAPI(t)
	a.createOrder(t, `{"user_id":"u-1","items":[{"product_id":"p-2","qty":1}]}`)
	a.createOrder(t, `{"user_id":"u-2","items":[{"product_id":"p-2","qty":1}]}`)

	code, raw := a.do(t, http.MethodGet, "/users/u-1/orders", "")
	require.Equal(t, http.StatusOK, code)
	var mine []orders.Order
	require.NoError(t, json.Unmarshal(raw, &mine))
	require.Len(t, mine, 1)

	code, raw = a.do(t, http.MethodGet, "/orders?status=PENDING", "")
	require.Equal(t, http.StatusOK, code)
	var all []orders.Order
	require.NoError(t, json.Unmarshal(raw, &all))
	require.Len(t, all, 2)

	code, _ = a.do(t, http.MethodGet, "/orders?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/orders?status=LOST", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, raw = a.do(t, http.MethodGet, "/products", "")
	require.Equal(t, http.StatusOK, code)
	var ps []inventory.Product
	require.NoError(t, json.Unmarshal(raw, &ps))
	require.Len(t, ps, 2)
	require.Equal(t, "SKU-MUG", ps[0].SKU)
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	resp, err := a.srv.Client().Get(a.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
