package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketplace/backend/internal/cache"
	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/inventory"
	"marketplace/backend/internal/jobs"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/store/memory"
)

var (
	admin       = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	customer    = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	stranger    = domain.Actor{ID: "cust-2", Role: domain.RoleCustomer}
	vendor      = domain.Actor{ID: "vendor-1", Role: domain.RoleVendor}
	otherVendor = domain.Actor{ID: "vendor-2", Role: domain.RoleVendor}
)

type harness struct {
	svc   *Service
	repo  *memory.Store
	queue *jobs.MemoryQueue
}

func newHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	repo := memory.New()
	return newHarnessWithRepo(t, repo, repo, opts...)
}

func newHarnessWithRepo(t *testing.T, mem *memory.Store, repo store.Repository, opts ...Option) harness {
	t.Helper()
	queue := jobs.NewMemoryQueue(256)
	t.Cleanup(func() { _ = queue.Close() })
	return harness{svc: New(repo, queue, opts...), repo: mem, queue: queue}
}

func (h harness) product(t *testing.T, sku string, price string, stock int, threshold int) *domain.Product {
	t.Helper()
	product, err := h.repo.CreateProduct(context.Background(), domain.Product{
		VendorID:          vendor.ID,
		SKU:               sku,
		Name:              "Product " + sku,
		Price:             decimal.RequireFromString(price),
		LowStockThreshold: threshold,
		TrackInventory:    true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if stock > 0 {
		if _, err := h.svc.ReceiveStock(context.Background(), admin, StockChangeRequest{ProductID: product.ID, Quantity: stock}); err != nil {
			t.Fatalf("receive stock: %v", err)
		}
	}
	return product
}

func (h harness) balance(t *testing.T, productID string, variantID string) int {
	t.Helper()
	rec, err := h.svc.ReconcileStock(context.Background(), admin, productID, variantID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent() {
		t.Fatalf("stock %d drifted from ledger sum %d", rec.Stock, rec.LedgerSum)
	}
	return rec.Stock
}

// drain empties the queue and returns the tasks in dispatch order.
func (h harness) drain(t *testing.T) []jobs.Task {
	t.Helper()
	var tasks []jobs.Task
	for h.queue.Len() > 0 {
		task, err := h.queue.Receive(context.Background())
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func countKind(tasks []jobs.Task, kind jobs.Kind) int {
	n := 0
	for _, task := range tasks {
		if task.Kind == kind {
			n++
		}
	}
	return n
}

func orderFor(items ...domain.ItemRequest) CreateOrderRequest {
	return CreateOrderRequest{
		Items:         items,
		PaymentMethod: "card",
		Shipping:      domain.ShippingInfo{Name: "Dewi", AddressLine1: "Jl. Melati 1", City: "Bandung", Country: "ID"},
	}
}

type hookRepo struct {
	store.Repository
	beforeTx func()
	wrapTx   func(store.Tx) store.Tx
}

func (r *hookRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if r.beforeTx != nil {
		hook := r.beforeTx
		r.beforeTx = nil
		hook()
	}
	return r.Repository.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if r.wrapTx != nil {
			tx = r.wrapTx(tx)
		}
		return fn(ctx, tx)
	})
}

type failingLedgerTx struct {
	store.Tx
}

func (failingLedgerTx) InsertLedgerEntry(context.Context, domain.LedgerEntry) error {
	return errors.New("disk I/O error")
}

// vanishingProductTx behaves as if the product row was deleted after the
// advisory check.
type vanishingProductTx struct {
	store.Tx
}

func (vanishingProductTx) LockProduct(context.Context, string) (*domain.Product, error) {
	return nil, store.ErrNotFound
}

func TestCreateOrderPricingScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kettle := h.product(t, "KET-01", "200", 5, 0)
	mug := h.product(t, "MUG-01", "75", 5, 0)

	req := orderFor(
		domain.ItemRequest{ProductID: kettle.ID, Quantity: 1},
		domain.ItemRequest{ProductID: mug.ID, Quantity: 2},
	)
	req.CustomerID = customer.ID
	discount := decimal.NewFromInt(10)
	req.Discount = &discount

	order, err := h.svc.CreateOrder(ctx, admin, req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	want := map[string]string{
		"subtotal": "350.00",
		"tax":      "35.00",
		"shipping": "15.00",
		"discount": "10.00",
		"total":    "390.00",
	}
	got := map[string]string{
		"subtotal": order.Subtotal.StringFixed(2),
		"tax":      order.Tax.StringFixed(2),
		"shipping": order.ShippingCost.StringFixed(2),
		"discount": order.Discount.StringFixed(2),
		"total":    order.Total.StringFixed(2),
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("expected %s %s, got %s", key, value, got[key])
		}
	}
	if order.Status != domain.OrderPending || order.PaymentStatus != domain.PaymentPending {
		t.Fatalf("expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if err := order.CheckTotals(); err != nil {
		t.Fatalf("totals invariant: %v", err)
	}
	if h.balance(t, kettle.ID, "") != 4 || h.balance(t, mug.ID, "") != 3 {
		t.Fatalf("expected stock deducted")
	}

	entries, err := h.svc.LedgerHistory(ctx, admin, mug.ID, "", 10)
	if err != nil {
		t.Fatalf("ledger history: %v", err)
	}
	if entries[0].Type != domain.TxSale || entries[0].Quantity != -2 || entries[0].OrderID != order.ID {
		t.Fatalf("expected sale entry linked to order, got %+v", entries[0])
	}

	tasks := h.drain(t)
	if countKind(tasks, jobs.KindOrderNotify) != 1 || countKind(tasks, jobs.KindInvoiceGenerate) != 1 {
		t.Fatalf("expected notify and invoice tasks after commit, got %+v", tasks)
	}

	history, err := h.svc.OrderHistory(ctx, customer, order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].FromStatus != "" || history[0].ToStatus != string(domain.OrderPending) {
		t.Fatalf("expected initial status change, got %+v", history)
	}
}

func TestCreateOrderUsesSalePriceAndVariantOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product, err := h.repo.CreateProduct(ctx, domain.Product{
		VendorID:       vendor.ID,
		SKU:            "TEE-01",
		Name:           "Tee",
		Price:          decimal.RequireFromString("20"),
		SalePrice:      decimal.NewNullDecimal(decimal.RequireFromString("15")),
		TrackInventory: true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	large, err := h.repo.CreateVariant(ctx, domain.ProductVariant{
		ProductID: product.ID,
		SKU:       "TEE-01-XL",
		Name:      "XL",
		Price:     decimal.NewNullDecimal(decimal.RequireFromString("22.50")),
	})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}
	if _, err := h.svc.ReceiveStock(ctx, admin, StockChangeRequest{ProductID: product.ID, Quantity: 3}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := h.svc.ReceiveStock(ctx, admin, StockChangeRequest{ProductID: product.ID, VariantID: large.ID, Quantity: 3}); err != nil {
		t.Fatalf("receive variant: %v", err)
	}

	order, err := h.svc.CreateOrder(ctx, customer, orderFor(
		domain.ItemRequest{ProductID: product.ID, Quantity: 1},
		domain.ItemRequest{ProductID: product.ID, VariantID: large.ID, Quantity: 2},
	))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.CustomerID != customer.ID {
		t.Fatalf("expected customer id from actor, got %s", order.CustomerID)
	}
	if order.Subtotal.StringFixed(2) != "60.00" {
		t.Fatalf("expected 15 + 2*22.50 = 60.00, got %s", order.Subtotal.StringFixed(2))
	}
	if h.balance(t, product.ID, "") != 2 || h.balance(t, product.ID, large.ID) != 1 {
		t.Fatalf("expected product and variant stock deducted separately")
	}
}

func TestCreateOrderShortfallIsAtomic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plenty := h.product(t, "PEN-01", "2", 50, 0)
	scarce := h.product(t, "INK-01", "9", 1, 0)

	_, err := h.svc.CreateOrder(ctx, customer, orderFor(
		domain.ItemRequest{ProductID: plenty.ID, Quantity: 5},
		domain.ItemRequest{ProductID: scarce.ID, Quantity: 2},
	))
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) || len(stockErr.Shortfalls) != 1 || stockErr.Shortfalls[0].ProductID != scarce.ID {
		t.Fatalf("expected one shortfall for the scarce product, got %v", err)
	}

	if h.balance(t, plenty.ID, "") != 50 || h.balance(t, scarce.ID, "") != 1 {
		t.Fatalf("expected stock untouched")
	}
	orders, err := h.svc.ListCustomerOrders(ctx, customer, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no order, got %d", len(orders))
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestCreateOrderRechecksInsideTransaction(t *testing.T) {
	mem := memory.New()
	hook := &hookRepo{Repository: mem}
	h := newHarnessWithRepo(t, mem, hook)
	ctx := context.Background()
	product := h.product(t, "LAST-01", "10", 1, 0)

	// Another buyer takes the last unit between the advisory check and the
	// order transaction.
	hook.beforeTx = func() {
		ledger := inventory.NewLedger(mem, nil, nil)
		if _, err := ledger.Post(ctx, inventory.PostRequest{ProductID: product.ID, Type: domain.TxSale, Quantity: -1}); err != nil {
			t.Errorf("competing sale: %v", err)
		}
	}

	_, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock from the locked re-check, got %v", err)
	}
	if h.balance(t, product.ID, "") != 0 {
		t.Fatalf("expected balance 0")
	}
}

func TestConcurrentBuyersForLastUnit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "RARE-01", "99", 1, 0)

	const buyers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || short != buyers-1 {
		t.Fatalf("expected exactly one winner, got %d winners and %d shortfalls", succeeded, short)
	}
	if h.balance(t, product.ID, "") != 0 {
		t.Fatalf("expected balance 0")
	}
}

func TestCreateOrderLowStockAlert(t *testing.T) {
	h := newHarness(t)
	product := h.product(t, "LAMP-01", "40", 10, 5)

	_, err := h.svc.CreateOrder(context.Background(), customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 6}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if h.balance(t, product.ID, "") != 4 {
		t.Fatalf("expected balance 4")
	}

	tasks := h.drain(t)
	if countKind(tasks, jobs.KindStockLow) != 1 {
		t.Fatalf("expected one low stock alert, got %+v", tasks)
	}
	for _, task := range tasks {
		if task.Kind == jobs.KindStockLow && (task.LowStock.Balance != 4 || task.LowStock.Threshold != 5) {
			t.Fatalf("unexpected alert payload %+v", task.LowStock)
		}
	}
}

func TestCreateOrderSkipsUntrackedProducts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ebook, err := h.repo.CreateProduct(ctx, domain.Product{VendorID: vendor.ID, SKU: "EBOOK-01", Name: "E-book", Price: decimal.NewFromInt(12)})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: ebook.ID, Quantity: 3}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	entries, err := h.svc.LedgerHistory(ctx, admin, ebook.ID, "", 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries for untracked product, got %d", len(entries))
	}

	if _, err := h.svc.CancelOrder(ctx, customer, order.ID, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	entries, _ = h.svc.LedgerHistory(ctx, admin, ebook.ID, "", 10)
	if len(entries) != 0 {
		t.Fatalf("expected cancel to leave untracked stock alone")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	product := h.product(t, "CUP-01", "5", 10, 0)
	negative := decimal.NewFromInt(-1)
	huge := decimal.NewFromInt(1000)

	cases := []struct {
		name  string
		actor domain.Actor
		req   CreateOrderRequest
		want  error
	}{
		{"no items", customer, orderFor(), domain.ErrValidation},
		{"zero quantity", customer, orderFor(domain.ItemRequest{ProductID: product.ID}), domain.ErrValidation},
		{"unknown product", customer, orderFor(domain.ItemRequest{ProductID: "missing", Quantity: 1}), domain.ErrValidation},
		{"unknown variant", customer, orderFor(domain.ItemRequest{ProductID: product.ID, VariantID: "missing", Quantity: 1}), domain.ErrValidation},
		{"bad payment method", customer, func() CreateOrderRequest {
			r := orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1})
			r.PaymentMethod = "barter"
			return r
		}(), domain.ErrValidation},
		{"order for someone else", customer, func() CreateOrderRequest {
			r := orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1})
			r.CustomerID = stranger.ID
			return r
		}(), domain.ErrForbidden},
		{"customer override", customer, func() CreateOrderRequest {
			r := orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1})
			r.Discount = &huge
			return r
		}(), domain.ErrForbidden},
		{"vendor", vendor, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}), domain.ErrForbidden},
		{"admin without customer", admin, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}), domain.ErrValidation},
		{"negative tax", admin, func() CreateOrderRequest {
			r := orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1})
			r.CustomerID = customer.ID
			r.Tax = &negative
			return r
		}(), domain.ErrValidation},
		{"discount above total", admin, func() CreateOrderRequest {
			r := orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1})
			r.CustomerID = customer.ID
			r.Discount = &huge
			return r
		}(), domain.ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateOrder(context.Background(), tc.actor, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if h.balance(t, product.ID, "") != 10 {
		t.Fatalf("expected no stock movement")
	}
}

func TestCreateOrderUnknownItemIsValidationError(t *testing.T) {
	mem := memory.New()
	hook := &hookRepo{Repository: mem}
	h := newHarnessWithRepo(t, mem, hook)
	ctx := context.Background()
	product := h.product(t, "GONE-01", "10", 5, 0)

	_, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: "missing", Quantity: 1}))
	var invalid *domain.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "items.product_id" {
		t.Fatalf("expected validation error on items.product_id, got %v", err)
	}
	if errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("unknown order item must not surface as not found")
	}

	_, err = h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, VariantID: "missing", Quantity: 1}))
	if !errors.As(err, &invalid) || invalid.Field != "items.variant_id" {
		t.Fatalf("expected validation error on items.variant_id, got %v", err)
	}

	hook.wrapTx = func(tx store.Tx) store.Tx { return vanishingProductTx{Tx: tx} }
	_, err = h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if !errors.As(err, &invalid) || invalid.Field != "items.product_id" {
		t.Fatalf("expected in-transaction lookup failure as validation error, got %v", err)
	}
	hook.wrapTx = nil

	if h.balance(t, product.ID, "") != 5 {
		t.Fatalf("expected no stock movement")
	}
}

func TestCreateOrderPersistenceFailureRollsBack(t *testing.T) {
	mem := memory.New()
	hook := &hookRepo{Repository: mem}
	h := newHarnessWithRepo(t, mem, hook)
	ctx := context.Background()
	product := h.product(t, "DISK-01", "10", 5, 0)

	hook.wrapTx = func(tx store.Tx) store.Tx { return failingLedgerTx{Tx: tx} }
	_, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 2}))
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if domain.IsBusiness(err) {
		t.Fatalf("persistence failure must not look like a business error")
	}
	hook.wrapTx = nil

	orders, err := h.svc.ListCustomerOrders(ctx, customer, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no order after rollback")
	}
	if h.balance(t, product.ID, "") != 5 {
		t.Fatalf("expected stock untouched")
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestCreateOrderRetriesOrderNumberCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "DUP-01", "10", 10, 0)

	numbers := []string{"ORD-20260101-AAAAAA", "ORD-20260101-AAAAAA", "ORD-20260101-BBBBBB"}
	var mu sync.Mutex
	h.svc.numberFn = func(time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		next := numbers[0]
		if len(numbers) > 1 {
			numbers = numbers[1:]
		}
		return next
	}

	first, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("first order: %v", err)
	}
	second, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("second order: %v", err)
	}
	if first.OrderNumber == second.OrderNumber {
		t.Fatalf("expected distinct order numbers")
	}
	if h.balance(t, product.ID, "") != 8 {
		t.Fatalf("expected exactly two units deducted")
	}

	h.svc.numberFn = func(time.Time) string { return first.OrderNumber }
	_, err = h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence failure after repeated collisions, got %v", err)
	}
	if h.balance(t, product.ID, "") != 8 {
		t.Fatalf("expected failed attempts to roll back")
	}
}

func TestCancelRestoresStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "BOWL-01", "12", 10, 0)

	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 3}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.balance(t, product.ID, "") != 7 {
		t.Fatalf("expected balance 7")
	}

	if _, err := h.svc.CancelOrder(ctx, stranger, order.ID, "not mine"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for another customer, got %v", err)
	}
	if _, err := h.svc.CancelOrder(ctx, vendor, order.ID, ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for vendor, got %v", err)
	}

	cancelled, err := h.svc.CancelOrder(ctx, customer, order.ID, "ordered twice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderCancelled || cancelled.CancelledAt == nil || cancelled.CancelReason != "ordered twice" {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if h.balance(t, product.ID, "") != 10 {
		t.Fatalf("expected balance restored to 10")
	}

	entries, err := h.svc.LedgerHistory(ctx, vendor, product.ID, "", 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 3 || entries[0].Type != domain.TxReturn || entries[0].Quantity != 3 {
		t.Fatalf("expected purchase, sale, return; got %+v", entries)
	}

	_, err = h.svc.CancelOrder(ctx, customer, order.ID, "again")
	var cannot *domain.CannotCancelError
	if !errors.As(err, &cannot) || cannot.Status != domain.OrderCancelled {
		t.Fatalf("expected cannot cancel in status cancelled, got %v", err)
	}
	if _, err := h.svc.CancelOrder(ctx, customer, "missing", ""); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestCancelShippedOrderFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "VASE-01", "30", 4, 0)
	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, status := range []domain.OrderStatus{domain.OrderProcessing, domain.OrderShipped} {
		if _, err := h.svc.UpdateOrderStatus(ctx, vendor, order.ID, status, ""); err != nil {
			t.Fatalf("move to %s: %v", status, err)
		}
	}

	_, err = h.svc.CancelOrder(ctx, customer, order.ID, "too late")
	if !errors.Is(err, domain.ErrCannotCancel) {
		t.Fatalf("expected cannot cancel, got %v", err)
	}
	if h.balance(t, product.ID, "") != 3 {
		t.Fatalf("expected stock still deducted")
	}
}

func TestReturnRestoresStockAndShippedEnqueuesInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "DESK-01", "150", 2, 0)
	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 2}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.drain(t)

	for _, status := range []domain.OrderStatus{domain.OrderProcessing, domain.OrderShipped} {
		if _, err := h.svc.UpdateOrderStatus(ctx, admin, order.ID, status, "warehouse"); err != nil {
			t.Fatalf("move to %s: %v", status, err)
		}
	}
	tasks := h.drain(t)
	if countKind(tasks, jobs.KindInvoiceGenerate) != 1 {
		t.Fatalf("expected shipped to enqueue invoice, got %+v", tasks)
	}

	delivered, err := h.svc.UpdateOrderStatus(ctx, admin, order.ID, domain.OrderDelivered, "")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.ShippedAt == nil || delivered.DeliveredAt == nil {
		t.Fatalf("expected shipped and delivered timestamps")
	}
	if _, err := h.svc.UpdateOrderStatus(ctx, admin, order.ID, domain.OrderReturned, "damaged"); err != nil {
		t.Fatalf("return: %v", err)
	}
	if h.balance(t, product.ID, "") != 2 {
		t.Fatalf("expected returned stock back on hand")
	}

	history, err := h.svc.OrderHistory(ctx, admin, order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 || history[4].FromStatus != string(domain.OrderDelivered) || history[4].ToStatus != string(domain.OrderReturned) {
		t.Fatalf("unexpected audit trail %+v", history)
	}
}

func TestUpdateOrderStatusRoleMatrix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "CHAIR-01", "80", 20, 0)

	newOrder := func() domain.Order {
		order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return order
	}

	cases := []struct {
		name  string
		actor domain.Actor
		to    domain.OrderStatus
		want  error
	}{
		{"vendor processing", vendor, domain.OrderProcessing, nil},
		{"vendor cancels", vendor, domain.OrderCancelled, domain.ErrForbidden},
		{"vendor delivers", vendor, domain.OrderDelivered, domain.ErrForbidden},
		{"other vendor", otherVendor, domain.OrderProcessing, domain.ErrForbidden},
		{"customer", customer, domain.OrderCancelled, domain.ErrForbidden},
		{"admin cancels", admin, domain.OrderCancelled, nil},
		{"system processing", domain.SystemActor(), domain.OrderProcessing, nil},
		{"admin skips ahead", admin, domain.OrderDelivered, domain.ErrInvalidTransition},
		{"vendor skips ahead", vendor, domain.OrderShipped, domain.ErrInvalidTransition},
		{"unknown status", admin, "lost", domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := newOrder()
			updated, err := h.svc.UpdateOrderStatus(ctx, tc.actor, order.ID, tc.to, "")
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if updated.Status != tc.to {
					t.Fatalf("expected %s, got %s", tc.to, updated.Status)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			current, err := h.svc.GetOrder(ctx, order.ID)
			if err != nil || current.Status != domain.OrderPending {
				t.Fatalf("expected order to stay pending, got %+v (%v)", current, err)
			}
		})
	}

	if _, err := h.svc.UpdateOrderStatus(ctx, admin, "missing", domain.OrderProcessing, ""); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestUpdatePaymentStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "SOFA-01", "500", 1, 0)
	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.drain(t)

	if _, err := h.svc.UpdatePaymentStatus(ctx, customer, order.ID, domain.PaymentPaid, "tx-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for customer, got %v", err)
	}
	if _, err := h.svc.UpdatePaymentStatus(ctx, admin, "missing", domain.PaymentPaid, ""); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}

	paid, err := h.svc.UpdatePaymentStatus(ctx, admin, order.ID, domain.PaymentPaid, "tx-1")
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.PaidAt == nil || paid.PaymentTransactionID != "tx-1" || paid.Status != domain.OrderPending {
		t.Fatalf("unexpected paid order %+v", paid)
	}
	tasks := h.drain(t)
	if countKind(tasks, jobs.KindInvoiceGenerate) != 1 {
		t.Fatalf("expected invoice task on paid, got %+v", tasks)
	}

	again, err := h.svc.UpdatePaymentStatus(ctx, admin, order.ID, domain.PaymentPaid, "tx-2")
	if err != nil {
		t.Fatalf("repeat pay: %v", err)
	}
	if again.PaymentTransactionID != "tx-1" || h.queue.Len() != 0 {
		t.Fatalf("expected repeated payment to be a no-op")
	}

	if _, err := h.svc.UpdatePaymentStatus(ctx, admin, order.ID, domain.PaymentFailed, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition paid -> failed, got %v", err)
	}
	if h.balance(t, product.ID, "") != 0 {
		t.Fatalf("payment must not touch stock")
	}
}

// lateReadRepo lets a commit land between a reader loading an order row and
// the reader filling the cache with it.
type lateReadRepo struct {
	store.Repository
	afterLoad func()
}

func (r *lateReadRepo) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := r.Repository.GetOrder(ctx, orderID)
	if r.afterLoad != nil {
		hook := r.afterLoad
		r.afterLoad = nil
		hook()
	}
	return order, err
}

func TestGetOrderReadsThroughCache(t *testing.T) {
	orders := cache.NewMemoryOrderCache()
	h := newHarness(t, WithOrderCache(orders, time.Minute))
	ctx := context.Background()
	product := h.product(t, "RUG-01", "60", 3, 0)

	missing, err := h.svc.GetOrder(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for a missing order, got %v, %v", missing, err)
	}

	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Version != 1 {
		t.Fatalf("expected version 1 on placement, got %d", order.Version)
	}
	if _, ok, _ := orders.Get(ctx, order.ID); !ok {
		t.Fatalf("expected placed order cached after commit")
	}

	if err := orders.Delete(ctx, order.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.GetOrder(ctx, order.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok, _ := orders.Get(ctx, order.ID); !ok {
		t.Fatalf("expected order cached after read")
	}

	if _, err := h.svc.UpdateOrderStatus(ctx, vendor, order.ID, domain.OrderProcessing, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	cached, ok, _ := orders.Get(ctx, order.ID)
	if !ok || cached.Status != domain.OrderProcessing || cached.Version != 2 {
		t.Fatalf("expected committed order written through, got %+v", cached)
	}
	fresh, err := h.svc.GetOrder(ctx, order.ID)
	if err != nil || fresh.Status != domain.OrderProcessing {
		t.Fatalf("expected fresh status processing, got %+v (%v)", fresh, err)
	}
}

func TestGetOrderLateFillKeepsNewerCommit(t *testing.T) {
	mem := memory.New()
	repo := &lateReadRepo{Repository: mem}
	orders := cache.NewMemoryOrderCache()
	h := newHarnessWithRepo(t, mem, repo, WithOrderCache(orders, time.Minute))
	ctx := context.Background()
	product := h.product(t, "VASE-02", "40", 3, 0)

	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := orders.Delete(ctx, order.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The reader loads the pending row; the transition commits before the
	// reader stores it.
	repo.afterLoad = func() {
		if _, err := h.svc.UpdateOrderStatus(ctx, admin, order.ID, domain.OrderProcessing, ""); err != nil {
			t.Errorf("update: %v", err)
		}
	}
	stale, err := h.svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stale.Status != domain.OrderPending {
		t.Fatalf("expected the late reader to have loaded the pending row, got %s", stale.Status)
	}

	cached, ok, _ := orders.Get(ctx, order.ID)
	if !ok || cached.Status != domain.OrderProcessing {
		t.Fatalf("expected cache to keep the committed processing order, got %+v", cached)
	}
	again, err := h.svc.GetOrder(ctx, order.ID)
	if err != nil || again.Status != domain.OrderProcessing {
		t.Fatalf("expected processing on the next read, got %+v (%v)", again, err)
	}
}

func TestOrderVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "LAMP-09", "25", 5, 0)
	order, err := h.svc.CreateOrder(ctx, customer, orderFor(domain.ItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, actor := range []domain.Actor{customer, vendor, admin} {
		if _, err := h.svc.ViewOrder(ctx, actor, order.ID); err != nil {
			t.Fatalf("expected %s to see the order: %v", actor.Role, err)
		}
	}
	for _, actor := range []domain.Actor{stranger, otherVendor} {
		if _, err := h.svc.ViewOrder(ctx, actor, order.ID); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("expected %s to be forbidden, got %v", actor.ID, err)
		}
	}

	vendorOrders, err := h.svc.ListVendorOrders(ctx, vendor, "", 10)
	if err != nil || len(vendorOrders) != 1 {
		t.Fatalf("expected one vendor order, got %d (%v)", len(vendorOrders), err)
	}
	if _, err := h.svc.ListVendorOrders(ctx, vendor, otherVendor.ID, 10); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden listing another vendor, got %v", err)
	}
	if _, err := h.svc.ListCustomerOrders(ctx, customer, stranger.ID, 10); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden listing another customer, got %v", err)
	}
	adminView, err := h.svc.ListCustomerOrders(ctx, admin, customer.ID, 10)
	if err != nil || len(adminView) != 1 {
		t.Fatalf("expected admin to list customer orders, got %d (%v)", len(adminView), err)
	}
}

func TestStockOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := h.product(t, "JAR-01", "7", 0, 2)

	entry, err := h.svc.ReceiveStock(ctx, vendor, StockChangeRequest{ProductID: product.ID, Quantity: 12, Reference: "PO-77"})
	if err != nil {
		t.Fatalf("vendor receive: %v", err)
	}
	if entry.Type != domain.TxPurchase || entry.BalanceAfter != 12 || entry.ActorID != vendor.ID {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if _, err := h.svc.ReceiveStock(ctx, otherVendor, StockChangeRequest{ProductID: product.ID, Quantity: 1}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for another vendor, got %v", err)
	}
	if _, err := h.svc.ReceiveStock(ctx, customer, StockChangeRequest{ProductID: product.ID, Quantity: 1}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for customer, got %v", err)
	}
	if _, err := h.svc.ReceiveStock(ctx, admin, StockChangeRequest{ProductID: product.ID, Quantity: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for negative receipt, got %v", err)
	}
	if _, err := h.svc.AdjustStock(ctx, admin, StockChangeRequest{ProductID: product.ID, Quantity: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected adjustments to require notes, got %v", err)
	}
	if _, err := h.svc.AdjustStock(ctx, admin, StockChangeRequest{ProductID: product.ID, Quantity: -20, Notes: "count"}); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := h.svc.AdjustStock(ctx, admin, StockChangeRequest{ProductID: "missing", Quantity: 1, Notes: "count"}); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected entity not found, got %v", err)
	}

	adjusted, err := h.svc.AdjustStock(ctx, admin, StockChangeRequest{ProductID: product.ID, Quantity: -10, Notes: "breakage"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adjusted.BalanceAfter != 2 {
		t.Fatalf("expected balance 2, got %d", adjusted.BalanceAfter)
	}
	tasks := h.drain(t)
	if countKind(tasks, jobs.KindStockLow) != 1 {
		t.Fatalf("expected low stock alert after adjustment, got %+v", tasks)
	}

	shortfalls, err := h.svc.CheckAvailability(ctx, []domain.ItemRequest{{ProductID: product.ID, Quantity: 3}})
	if err != nil || len(shortfalls) != 1 || shortfalls[0].Available != 2 {
		t.Fatalf("expected shortfall of 3 vs 2, got %+v (%v)", shortfalls, err)
	}

	if _, err := h.svc.ReconcileStock(ctx, vendor, product.ID, ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected reconcile to require admin, got %v", err)
	}
	if _, err := h.svc.LedgerHistory(ctx, otherVendor, product.ID, "", 10); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ledger history hidden from other vendors, got %v", err)
	}
	if h.balance(t, product.ID, "") != 2 {
		t.Fatalf("expected ledger and balance to agree at 2")
	}
}

func TestFlatPricingRounds(t *testing.T) {
	policy := FlatPricing{TaxRate: decimal.RequireFromString("0.11"), ShippingCost: decimal.RequireFromString("9.999")}
	quote := policy.Quote(decimal.RequireFromString("10.05"), nil)
	if quote.Tax.StringFixed(2) != "1.11" {
		t.Fatalf("expected tax 1.11, got %s", quote.Tax.StringFixed(2))
	}
	if quote.ShippingCost.StringFixed(2) != "10.00" {
		t.Fatalf("expected shipping 10.00, got %s", quote.ShippingCost.StringFixed(2))
	}
}
