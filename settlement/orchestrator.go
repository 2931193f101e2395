/*
orchestrator.go - Order Settlement Orchestrator

PURPOSE:
  Composes the Stock Ledger, Payment Allocator and Balance Reconciler into one
  logical settlement, and implements its exact inverse (deletion).

STATE MACHINE (linear, no branching back):
  Validating -> StockReserved -> PaymentsAllocated -> BalanceReconciled -> Persisted
  Any failure ends in Failed, with FailedAt naming the phase being entered.

CREATION:
  1. Pre-flight (pure reads, no mutation): products exist, quantities positive,
     cumulative stock sufficient per product, customer exists, payments valid,
     credit policy satisfied. The order number is reserved last.
  2. Reserve stock per item.
  3. Adopt the allocation computed in pre-flight.
  4. Customer orders: apply the balance change, append the customer ledger row.
  5. Persist the order, its items and its non-zero payments.
  Every completed step registers its inverse; a failure anywhere after
  pre-flight runs the inverses newest first, on a context detached from the
  caller's cancellation.

DELETION:
  Read order, items and payments (refuse if any read fails), lock, recompute
  the allocation from stored payments, reverse the balance, restore stock per
  item, then cascade-delete. Each step is idempotent, so a failed deletion can
  simply be run again.

SERIALIZATION:
  Settle and Delete hold Locker keys for the order, the customer and every
  product involved. CAS writes in the Store catch anyone bypassing the Locker.

SEE ALSO:
  - saga.go: Compensation runner
  - instrument.go: Per-call deadlines and spans
*/
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStepTimeout         = 10 * time.Second
	DefaultCompensationTimeout = 30 * time.Second
)

// =============================================================================
// STATES, REQUESTS, RESULTS
// =============================================================================

type State string

const (
	StateValidating        State = "validating"
	StateStockReserved     State = "stock_reserved"
	StatePaymentsAllocated State = "payments_allocated"
	StateBalanceReconciled State = "balance_reconciled"
	StatePersisted         State = "persisted"
	StateFailed            State = "failed"
)

// OrderRequest is a requested sale. CustomerID == WalkIn for walk-in orders.
// OrderID is optional; when set it must never have been used before.
type OrderRequest struct {
	OrderID    OrderID
	CustomerID CustomerID
	Items      []ItemRequest
	Payments   []PaymentRequest
	Notes      string
}

// ItemRequest is one order line. A nil UnitPrice takes the product's list price.
type ItemRequest struct {
	ProductID ProductID
	Quantity  int
	UnitPrice *decimal.Decimal
}

type PaymentRequest struct {
	Method    PaymentMethod
	Amount    decimal.Decimal
	Reference string
}

// Settlement is the outcome of Settle or Preview.
type Settlement struct {
	Order                 Order
	Items                 []OrderItem
	Payments              []Payment
	Allocation            Allocation
	BalanceBefore         decimal.Decimal
	BalanceAfter          decimal.Decimal
	CustomerTransaction   *CustomerTransaction
	InventoryTransactions []InventoryTransaction
	State                 State
	FailedAt              State
	Warnings              []Warning
}

// OrderDetail is an order with its dependents.
type OrderDetail struct {
	Order    Order
	Items    []OrderItem
	Payments []Payment
}

// Reversal is the outcome of Delete.
type Reversal struct {
	OrderDetail
	Allocation          Allocation
	BalanceBefore       decimal.Decimal
	BalanceAfter        decimal.Decimal
	CustomerTransaction *CustomerTransaction
	RestoredStock       []InventoryTransaction
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Options struct {
	Locker              Locker
	Credit              CreditPolicy
	Allocator           Allocator
	StepTimeout         time.Duration
	CompensationTimeout time.Duration
	Logger              logrus.FieldLogger
	Tracer              trace.Tracer
	Now                 func() time.Time
	NewID               func() string
}

type Orchestrator struct {
	store       Store
	stock       *StockLedger
	balances    *BalanceReconciler
	allocator   Allocator
	credit      CreditPolicy
	locker      Locker
	compTimeout time.Duration
	log         logrus.FieldLogger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

func NewOrchestrator(store Store, opts Options) *Orchestrator {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Credit == nil {
		opts.Credit = UnlimitedCredit{}
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.CompensationTimeout == 0 {
		opts.CompensationTimeout = DefaultCompensationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	bounded := Bounded(store, opts.StepTimeout, opts.Tracer)
	return &Orchestrator{
		store:       bounded,
		stock:       &StockLedger{Store: bounded, Now: opts.Now, NewID: opts.NewID},
		balances:    &BalanceReconciler{Store: bounded, Now: opts.Now, NewID: opts.NewID},
		allocator:   opts.Allocator,
		credit:      opts.Credit,
		locker:      opts.Locker,
		compTimeout: opts.CompensationTimeout,
		log:         opts.Logger,
		tracer:      opts.Tracer,
		now:         opts.Now,
		newID:       opts.NewID,
	}
}

func (o *Orchestrator) Stock() *StockLedger { return o.stock }

func (o *Orchestrator) Balances() *BalanceReconciler { return o.balances }

// =============================================================================
// SETTLE
// =============================================================================

// Settle runs a full settlement. On failure the returned Settlement has State
// StateFailed and every committed step has been compensated, unless the error
// is a CompensationError.
func (o *Orchestrator) Settle(ctx context.Context, req OrderRequest) (*Settlement, error) {
	orderID := req.OrderID
	if orderID == "" {
		orderID = OrderID(o.newID())
	}
	ctx, span := o.tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("order_id", string(orderID)),
		attribute.String("customer_id", string(req.CustomerID)),
		attribute.Int("items", len(req.Items)),
	))
	defer span.End()
	log := o.log.WithFields(logrus.Fields{
		"module":   "settlement",
		"funcName": "Settle",
		"order_id": orderID,
	})
	st := &Settlement{State: StateValidating}

	// ----- Validating -----
	unlock, err := o.locker.Lock(ctx, settleKeys(orderID, req)...)
	if err != nil {
		return o.fail(span, log, st, StateValidating, stepError(StepLock, err))
	}
	defer unlock()

	if req.OrderID != "" {
		if err := o.checkUnused(ctx, orderID); err != nil {
			return o.fail(span, log, st, StateValidating, err)
		}
	}
	p, err := o.prepare(ctx, orderID, req)
	if err != nil {
		return o.fail(span, log, st, StateValidating, err)
	}
	number, err := o.store.NextOrderNumber(ctx)
	if err != nil {
		return o.fail(span, log, st, StateValidating, stepError(StepNextOrderNumber, err))
	}
	ref := LedgerRef{OrderID: orderID, OrderNumber: number}
	saleNote := fmt.Sprintf("Sale - Order %s", number)

	sg := newSaga(log, o.compTimeout)
	// The cascade removes the ledger row and the order rows alike, so it is
	// registered once, by whichever of those writes comes first.
	removeOrder := o.removeOrder(orderID)
	abort := func(phase State, err error) (*Settlement, error) {
		if cerr := sg.compensate(ctx, err); cerr != nil {
			err = cerr
		}
		return o.fail(span, log, st, phase, err)
	}

	// ----- StockReserved -----
	for i, item := range p.items {
		err := sg.do(ctx, StepReserveStock,
			func(ctx context.Context) error {
				tx, err := o.stock.Reserve(ctx, Reservation{
					ProductID:   item.ProductID,
					Quantity:    item.Quantity,
					UnitPrice:   item.UnitPrice,
					ReferenceID: string(orderID),
					Notes:       saleNote,
				})
				if err != nil {
					return &ItemError{Index: i, ProductID: item.ProductID, Err: err}
				}
				st.InventoryTransactions = append(st.InventoryTransactions, tx)
				return nil
			},
			func(ctx context.Context) error {
				_, err := o.stock.Restore(ctx, item.ProductID, item.Quantity, string(orderID))
				return err
			})
		if err != nil {
			return abort(StateStockReserved, err)
		}
	}
	st.State = StateStockReserved
	span.AddEvent(string(StateStockReserved))

	// ----- PaymentsAllocated -----
	st.Allocation = p.alloc
	st.Warnings = p.alloc.Warnings
	st.State = StatePaymentsAllocated

	// ----- BalanceReconciled -----
	st.BalanceBefore = p.balance
	st.BalanceAfter = p.balance
	if p.customer != nil {
		rec := o.balances.Compute(p.customer.ID, p.customer.Balance, p.alloc, ref)
		revert := func(ctx context.Context) error { return o.balances.Revert(ctx, rec) }
		err := sg.do(ctx, StepApplyBalance,
			func(ctx context.Context) error { return o.balances.Apply(ctx, rec) },
			revert)
		if err != nil {
			if o.balanceMayHaveMoved(ctx, rec) {
				sg.register(StepApplyBalance, revert)
			}
			return abort(StateBalanceReconciled, err)
		}
		err = sg.attempt(ctx, StepRecordLedger,
			func(ctx context.Context) error { return o.balances.Record(ctx, rec) },
			removeOrder)
		removeOrder = nil
		if err != nil {
			return abort(StateBalanceReconciled, err)
		}
		st.BalanceAfter = rec.BalanceAfter
		st.CustomerTransaction = &rec.Transaction
	}
	st.State = StateBalanceReconciled
	span.AddEvent(string(StateBalanceReconciled))

	// ----- Persisted -----
	order := Order{
		ID:          orderID,
		OrderNumber: number,
		CustomerID:  req.CustomerID,
		TotalAmount: p.total,
		PaidAmount:  p.alloc.TotalPaid,
		Notes:       req.Notes,
		CreatedAt:   o.now(),
	}
	if err := sg.attempt(ctx, StepInsertOrder,
		func(ctx context.Context) error {
			return stepError(StepInsertOrder, o.store.InsertOrder(ctx, order))
		},
		removeOrder); err != nil {
		return abort(StatePersisted, err)
	}
	// Items and payments are covered by the order's cascade.
	if err := sg.do(ctx, StepInsertOrderItems,
		func(ctx context.Context) error {
			return stepError(StepInsertOrderItems, o.store.InsertOrderItems(ctx, p.items))
		}, nil); err != nil {
		return abort(StatePersisted, err)
	}
	paid := nonZeroPayments(p.payments)
	if len(paid) > 0 {
		if err := sg.do(ctx, StepInsertPayments,
			func(ctx context.Context) error {
				return stepError(StepInsertPayments, o.store.InsertPayments(ctx, paid))
			}, nil); err != nil {
			return abort(StatePersisted, err)
		}
	}

	st.Order = order
	st.Items = p.items
	st.Payments = paid
	st.State = StatePersisted

	entry := log.WithFields(logrus.Fields{
		"order_number":  number,
		"total":         p.total.StringFixed(2),
		"total_paid":    p.alloc.TotalPaid.StringFixed(2),
		"balance_after": st.BalanceAfter.StringFixed(2),
	})
	if p.alloc.HasWarning(WarningNegativeBalance) {
		entry.Warn("order settled with negative customer balance")
	} else {
		entry.Info("order settled")
	}
	return st, nil
}

// Preview runs the pre-flight pass only and reports the projected outcome.
// Nothing is locked, reserved or written.
func (o *Orchestrator) Preview(ctx context.Context, req OrderRequest) (*Settlement, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.Preview")
	defer span.End()

	p, err := o.prepare(ctx, req.OrderID, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Settlement{
		Order: Order{
			ID:          req.OrderID,
			CustomerID:  req.CustomerID,
			TotalAmount: p.total,
			PaidAmount:  p.alloc.TotalPaid,
			Notes:       req.Notes,
		},
		Items:         p.items,
		Payments:      nonZeroPayments(p.payments),
		Allocation:    p.alloc,
		BalanceBefore: p.balance,
		BalanceAfter:  projectedBalance(p),
		State:         StateValidating,
		Warnings:      p.alloc.Warnings,
	}, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete reverses a settled order: balance, then stock, then the order's rows.
// It refuses to start unless the order, its items and its payments can all be read.
func (o *Orchestrator) Delete(ctx context.Context, id OrderID) (*Reversal, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.Delete", trace.WithAttributes(
		attribute.String("order_id", string(id)),
	))
	defer span.End()
	log := o.log.WithFields(logrus.Fields{
		"module":   "settlement",
		"funcName": "Delete",
		"order_id": id,
	})
	failed := func(err error) (*Reversal, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logFailure(log, err, "order deletion failed")
		return nil, err
	}

	detail, err := o.Order(ctx, id)
	if err != nil {
		return failed(err)
	}
	unlock, err := o.locker.Lock(ctx, deleteKeys(detail)...)
	if err != nil {
		return failed(stepError(StepLock, err))
	}
	defer unlock()
	// Re-read under the lock.
	if detail, err = o.Order(ctx, id); err != nil {
		return failed(err)
	}

	rev := &Reversal{OrderDetail: *detail}
	order := detail.Order
	rev.Allocation = o.allocator.Recompute(order.TotalAmount, detail.Payments)

	if !order.IsWalkIn() {
		rec, err := o.balances.Reverse(ctx, order.CustomerID, rev.Allocation,
			LedgerRef{OrderID: id, OrderNumber: order.OrderNumber})
		if err != nil {
			return failed(err)
		}
		if rec != nil {
			rev.BalanceBefore = rec.BalanceBefore
			rev.BalanceAfter = rec.BalanceAfter
			rev.CustomerTransaction = &rec.Transaction
		}
	}

	for i, item := range detail.Items {
		tx, err := o.stock.Restore(ctx, item.ProductID, item.Quantity, string(id))
		if err != nil {
			return failed(&ItemError{Index: i, ProductID: item.ProductID, Err: err})
		}
		if tx != nil {
			rev.RestoredStock = append(rev.RestoredStock, *tx)
		}
	}

	if err := o.store.DeleteOrderCascade(ctx, id); err != nil {
		return failed(stepError(StepDeleteOrderCascade, err))
	}

	log.WithFields(logrus.Fields{
		"order_number":  order.OrderNumber,
		"balance_after": rev.BalanceAfter.StringFixed(2),
		"restored":      len(rev.RestoredStock),
	}).Info("order deleted")
	return rev, nil
}

// Cancel is Delete: once stock has moved, cancellation takes the reversal path.
func (o *Orchestrator) Cancel(ctx context.Context, id OrderID) (*Reversal, error) {
	return o.Delete(ctx, id)
}

// Order loads an order with its items and payments.
func (o *Orchestrator) Order(ctx context.Context, id OrderID) (*OrderDetail, error) {
	order, err := o.store.GetOrder(ctx, id)
	if err != nil {
		return nil, stepError(StepGetOrder, err)
	}
	items, err := o.store.ListOrderItems(ctx, id)
	if err != nil {
		return nil, stepError(StepListOrderItems, err)
	}
	payments, err := o.store.ListPayments(ctx, id)
	if err != nil {
		return nil, stepError(StepListPayments, err)
	}
	return &OrderDetail{Order: order, Items: items, Payments: payments}, nil
}

// AdjustStock applies a manual stock correction under the product's lock.
func (o *Orchestrator) AdjustStock(ctx context.Context, id ProductID, delta int, notes string) (InventoryTransaction, error) {
	unlock, err := o.locker.Lock(ctx, ProductLockKey(id))
	if err != nil {
		return InventoryTransaction{}, stepError(StepLock, err)
	}
	defer unlock()
	return o.stock.Adjust(ctx, id, delta, notes)
}

// =============================================================================
// PRE-FLIGHT
// =============================================================================

type plan struct {
	customer *Customer
	balance  decimal.Decimal
	items    []OrderItem
	payments []Payment
	total    decimal.Decimal
	alloc    Allocation
}

func (o *Orchestrator) prepare(ctx context.Context, orderID OrderID, req OrderRequest) (*plan, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	p := &plan{balance: decimal.Zero, total: decimal.Zero}

	products := make(map[ProductID]Product)
	running := make(map[ProductID]int)
	for i, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, &ItemError{Index: i, ProductID: it.ProductID, Err: ErrInvalidQuantity}
		}
		prod, ok := products[it.ProductID]
		if !ok {
			got, err := o.store.GetProduct(ctx, it.ProductID)
			if err != nil {
				return nil, &ItemError{Index: i, ProductID: it.ProductID, Err: stepError(StepGetProduct, err)}
			}
			prod = got
			products[it.ProductID] = prod
			running[it.ProductID] = prod.StockQuantity
		}

		price := prod.Price
		if it.UnitPrice != nil {
			price = *it.UnitPrice
		}
		if price.IsNegative() {
			return nil, &ItemError{Index: i, ProductID: it.ProductID, Err: ErrInvalidPrice}
		}

		// Earlier lines of the same product have already claimed stock.
		avail := prod
		avail.StockQuantity = running[it.ProductID]
		if err := CheckAvailability(avail, it.Quantity); err != nil {
			return nil, &ItemError{Index: i, ProductID: it.ProductID, Err: err}
		}
		running[it.ProductID] -= it.Quantity

		line := LineTotal(it.Quantity, price)
		p.items = append(p.items, OrderItem{
			ID:         o.newID(),
			OrderID:    orderID,
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			UnitPrice:  price,
			TotalPrice: line,
		})
		p.total = p.total.Add(line)
	}

	walkIn := req.CustomerID == WalkIn
	if !walkIn {
		c, err := o.store.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return nil, stepError(StepGetCustomer, err)
		}
		p.customer = &c
		p.balance = c.Balance
	}

	now := o.now()
	for _, pr := range req.Payments {
		p.payments = append(p.payments, Payment{
			ID:         TransactionID(o.newID()),
			OrderID:    orderID,
			CustomerID: req.CustomerID,
			Amount:     pr.Amount,
			Method:     pr.Method,
			Reference:  pr.Reference,
			CreatedAt:  now,
		})
	}

	alloc, err := o.allocator.Allocate(p.total, p.payments, p.balance, walkIn)
	if err != nil {
		return nil, err
	}
	if p.customer != nil {
		if err := o.credit.CheckCredit(*p.customer, alloc); err != nil {
			return nil, err
		}
	}
	p.alloc = alloc
	return p, nil
}

// checkUnused rejects a caller-supplied order id that already exists or that
// a previous, failed attempt left ledger rows under.
func (o *Orchestrator) checkUnused(ctx context.Context, id OrderID) error {
	_, err := o.store.GetOrder(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrOrderIDReused, id)
	case !IsNotFound(err):
		return stepError(StepGetOrder, err)
	}
	rows, err := o.store.ListInventoryTransactions(ctx, InventoryFilter{ReferenceID: string(id)})
	if err != nil {
		return stepError(StepListInventoryTransactions, err)
	}
	if len(rows) > 0 {
		return fmt.Errorf("%w: %s", ErrOrderIDReused, id)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) removeOrder(id OrderID) func(context.Context) error {
	return func(ctx context.Context) error {
		return stepError(StepDeleteOrderCascade, o.store.DeleteOrderCascade(ctx, id))
	}
}

// balanceMayHaveMoved reports whether a failed Apply could still have
// committed: the stored balance already equals the target, or it cannot be read.
func (o *Orchestrator) balanceMayHaveMoved(ctx context.Context, rec Reconciliation) bool {
	if rec.BalanceAfter.Equal(rec.BalanceBefore) {
		return false
	}
	c, err := o.store.GetCustomer(context.WithoutCancel(ctx), rec.CustomerID)
	if err != nil {
		return true
	}
	return c.Balance.Equal(rec.BalanceAfter)
}

func (o *Orchestrator) fail(span trace.Span, log logrus.FieldLogger, st *Settlement, phase State, err error) (*Settlement, error) {
	st.State = StateFailed
	st.FailedAt = phase
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logFailure(log.WithField("phase", phase), err, "settlement failed")
	return st, err
}

func logFailure(log logrus.FieldLogger, err error, msg string) {
	entry := log.WithField("error", err.Error())
	switch {
	case IsCompensationFailure(err):
		entry.Error(msg + ": state left partially applied")
	case IsClientError(err), IsNotFound(err):
		entry.Info(msg)
	default:
		entry.Warn(msg)
	}
}

func settleKeys(id OrderID, req OrderRequest) []string {
	keys := []string{OrderLockKey(id)}
	if req.CustomerID != WalkIn {
		keys = append(keys, CustomerLockKey(req.CustomerID))
	}
	for _, it := range req.Items {
		keys = append(keys, ProductLockKey(it.ProductID))
	}
	return keys
}

func deleteKeys(d *OrderDetail) []string {
	keys := []string{OrderLockKey(d.Order.ID)}
	if !d.Order.IsWalkIn() {
		keys = append(keys, CustomerLockKey(d.Order.CustomerID))
	}
	for _, it := range d.Items {
		keys = append(keys, ProductLockKey(it.ProductID))
	}
	return keys
}

func nonZeroPayments(payments []Payment) []Payment {
	var out []Payment
	for _, p := range payments {
		if !p.Amount.IsZero() {
			out = append(out, p)
		}
	}
	return out
}

func projectedBalance(p *plan) decimal.Decimal {
	if p.customer == nil {
		return p.balance
	}
	return p.alloc.BalanceAfter(p.balance)
}
