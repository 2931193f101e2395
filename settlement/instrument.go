package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/elruby/settlement-engine/settlement"

// boundedStore gives every port call its own deadline and span. A call that
// runs out of time fails like any other persistence error and so triggers the
// same compensation.
type boundedStore struct {
	next    Store
	timeout time.Duration
	tracer  trace.Tracer
}

// Bounded wraps store so each call is limited to timeout (0 disables the
// limit) and traced with tracer (nil uses the global provider).
func Bounded(store Store, timeout time.Duration, tracer trace.Tracer) Store {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &boundedStore{next: store, timeout: timeout, tracer: tracer}
}

func (s *boundedStore) begin(ctx context.Context, step Step, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "store."+string(step), trace.WithAttributes(attrs...))
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func(err error) {
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// guard runs fn unless ctx is already done. A call that completed is never
// reported as failed, or its effect would escape compensation.
func guard(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (s *boundedStore) GetProduct(ctx context.Context, id ProductID) (p Product, err error) {
	ctx, end := s.begin(ctx, StepGetProduct, attribute.String("product_id", string(id)))
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { p, e = s.next.GetProduct(ctx, id); return })
	return p, err
}

func (s *boundedStore) UpdateProductStock(ctx context.Context, id ProductID, from, to int) (err error) {
	ctx, end := s.begin(ctx, StepUpdateProductStock,
		attribute.String("product_id", string(id)), attribute.Int("from", from), attribute.Int("to", to))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.UpdateProductStock(ctx, id, from, to) })
}

func (s *boundedStore) InsertInventoryTransaction(ctx context.Context, tx InventoryTransaction) (err error) {
	ctx, end := s.begin(ctx, StepInsertInventoryTransaction, attribute.String("product_id", string(tx.ProductID)))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.InsertInventoryTransaction(ctx, tx) })
}

func (s *boundedStore) ListInventoryTransactions(ctx context.Context, f InventoryFilter) (rows []InventoryTransaction, err error) {
	ctx, end := s.begin(ctx, StepListInventoryTransactions)
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { rows, e = s.next.ListInventoryTransactions(ctx, f); return })
	return rows, err
}

func (s *boundedStore) GetCustomer(ctx context.Context, id CustomerID) (c Customer, err error) {
	ctx, end := s.begin(ctx, StepGetCustomer, attribute.String("customer_id", string(id)))
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { c, e = s.next.GetCustomer(ctx, id); return })
	return c, err
}

func (s *boundedStore) UpdateCustomerBalance(ctx context.Context, id CustomerID, from, to decimal.Decimal) (err error) {
	ctx, end := s.begin(ctx, StepUpdateCustomerBalance,
		attribute.String("customer_id", string(id)), attribute.String("from", from.String()), attribute.String("to", to.String()))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.UpdateCustomerBalance(ctx, id, from, to) })
}

func (s *boundedStore) InsertCustomerTransaction(ctx context.Context, tx CustomerTransaction) (err error) {
	ctx, end := s.begin(ctx, StepInsertCustomerTransaction, attribute.String("customer_id", string(tx.CustomerID)))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.InsertCustomerTransaction(ctx, tx) })
}

func (s *boundedStore) ListCustomerTransactions(ctx context.Context, f CustomerTxFilter) (rows []CustomerTransaction, err error) {
	ctx, end := s.begin(ctx, StepListCustomerTransactions)
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { rows, e = s.next.ListCustomerTransactions(ctx, f); return })
	return rows, err
}

func (s *boundedStore) NextOrderNumber(ctx context.Context) (n string, err error) {
	ctx, end := s.begin(ctx, StepNextOrderNumber)
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { n, e = s.next.NextOrderNumber(ctx); return })
	return n, err
}

func (s *boundedStore) InsertOrder(ctx context.Context, o Order) (err error) {
	ctx, end := s.begin(ctx, StepInsertOrder, attribute.String("order_id", string(o.ID)))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.InsertOrder(ctx, o) })
}

func (s *boundedStore) GetOrder(ctx context.Context, id OrderID) (o Order, err error) {
	ctx, end := s.begin(ctx, StepGetOrder, attribute.String("order_id", string(id)))
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { o, e = s.next.GetOrder(ctx, id); return })
	return o, err
}

func (s *boundedStore) InsertOrderItems(ctx context.Context, items []OrderItem) (err error) {
	ctx, end := s.begin(ctx, StepInsertOrderItems, attribute.Int("count", len(items)))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.InsertOrderItems(ctx, items) })
}

func (s *boundedStore) ListOrderItems(ctx context.Context, id OrderID) (items []OrderItem, err error) {
	ctx, end := s.begin(ctx, StepListOrderItems, attribute.String("order_id", string(id)))
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { items, e = s.next.ListOrderItems(ctx, id); return })
	return items, err
}

func (s *boundedStore) InsertPayments(ctx context.Context, payments []Payment) (err error) {
	ctx, end := s.begin(ctx, StepInsertPayments, attribute.Int("count", len(payments)))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.InsertPayments(ctx, payments) })
}

func (s *boundedStore) ListPayments(ctx context.Context, id OrderID) (payments []Payment, err error) {
	ctx, end := s.begin(ctx, StepListPayments, attribute.String("order_id", string(id)))
	defer func() { end(err) }()
	err = guard(ctx, func() (e error) { payments, e = s.next.ListPayments(ctx, id); return })
	return payments, err
}

func (s *boundedStore) DeleteOrderCascade(ctx context.Context, id OrderID) (err error) {
	ctx, end := s.begin(ctx, StepDeleteOrderCascade, attribute.String("order_id", string(id)))
	defer func() { end(err) }()
	return guard(ctx, func() error { return s.next.DeleteOrderCascade(ctx, id) })
}
