// Package store provides an in-memory settlement.Store with fault injection.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elruby/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements settlement.Store and settlement.Catalog. Every call is
// checked against the injected faults and delays for its step first; a failed
// or timed-out call never mutates state.
type Memory struct {
	mu          sync.RWMutex
	products    map[settlement.ProductID]settlement.Product
	customers   map[settlement.CustomerID]settlement.Customer
	orders      map[settlement.OrderID]settlement.Order
	orderSeq    []settlement.OrderID
	items       map[settlement.OrderID][]settlement.OrderItem
	payments    map[settlement.OrderID][]settlement.Payment
	inventory   []settlement.InventoryTransaction
	customerTxs []settlement.CustomerTransaction
	lastNumber  int

	faultMu sync.Mutex
	faults  map[settlement.Step]*fault
	delays  map[settlement.Step]time.Duration
	calls   map[settlement.Step]int
}

type fault struct {
	after  int
	err    error
	always bool
}

func NewMemory() *Memory {
	return &Memory{
		products:  make(map[settlement.ProductID]settlement.Product),
		customers: make(map[settlement.CustomerID]settlement.Customer),
		orders:    make(map[settlement.OrderID]settlement.Order),
		items:     make(map[settlement.OrderID][]settlement.OrderItem),
		payments:  make(map[settlement.OrderID][]settlement.Payment),
		faults:    make(map[settlement.Step]*fault),
		delays:    make(map[settlement.Step]time.Duration),
		calls:     make(map[settlement.Step]int),
	}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// FailNext makes the next call of step return err.
func (m *Memory) FailNext(step settlement.Step, err error) { m.FailAfter(step, 0, err) }

// FailAfter lets n calls of step succeed, then fails the following one with err.
func (m *Memory) FailAfter(step settlement.Step, n int, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults[step] = &fault{after: n, err: err}
}

// FailAlways makes every call of step return err until Heal.
func (m *Memory) FailAlways(step settlement.Step, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults[step] = &fault{err: err, always: true}
}

// Delay makes every call of step wait d, or until its context is done.
func (m *Memory) Delay(step settlement.Step, d time.Duration) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.delays[step] = d
}

// Heal removes all faults and delays.
func (m *Memory) Heal() {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults = make(map[settlement.Step]*fault)
	m.delays = make(map[settlement.Step]time.Duration)
}

// Calls returns how many times step was invoked, failed calls included.
func (m *Memory) Calls(step settlement.Step) int {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	return m.calls[step]
}

func (m *Memory) enter(ctx context.Context, step settlement.Step) error {
	m.faultMu.Lock()
	m.calls[step]++
	d := m.delays[step]
	var err error
	if f, ok := m.faults[step]; ok {
		if f.after > 0 {
			f.after--
		} else {
			err = f.err
			if !f.always {
				delete(m.faults, step)
			}
		}
	}
	m.faultMu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// =============================================================================
// PRODUCTS & INVENTORY LEDGER
// =============================================================================

func (m *Memory) GetProduct(ctx context.Context, id settlement.ProductID) (settlement.Product, error) {
	if err := m.enter(ctx, settlement.StepGetProduct); err != nil {
		return settlement.Product{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return settlement.Product{}, fmt.Errorf("%w: %s", settlement.ErrProductNotFound, id)
	}
	return p, nil
}

func (m *Memory) UpdateProductStock(ctx context.Context, id settlement.ProductID, from, to int) error {
	if err := m.enter(ctx, settlement.StepUpdateProductStock); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return fmt.Errorf("%w: %s", settlement.ErrProductNotFound, id)
	}
	if p.StockQuantity != from {
		return fmt.Errorf("%w: product %s stock is %d, expected %d",
			settlement.ErrConcurrentModification, id, p.StockQuantity, from)
	}
	p.StockQuantity = to
	m.products[id] = p
	return nil
}

func (m *Memory) InsertInventoryTransaction(ctx context.Context, tx settlement.InventoryTransaction) error {
	if err := m.enter(ctx, settlement.StepInsertInventoryTransaction); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory = append(m.inventory, tx)
	return nil
}

func (m *Memory) ListInventoryTransactions(ctx context.Context, f settlement.InventoryFilter) ([]settlement.InventoryTransaction, error) {
	if err := m.enter(ctx, settlement.StepListInventoryTransactions); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.InventoryTransaction
	for _, tx := range m.inventory {
		if f.ProductID != "" && tx.ProductID != f.ProductID {
			continue
		}
		if f.ReferenceID != "" && tx.ReferenceID != f.ReferenceID {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// =============================================================================
// CUSTOMERS & CUSTOMER LEDGER
// =============================================================================

func (m *Memory) GetCustomer(ctx context.Context, id settlement.CustomerID) (settlement.Customer, error) {
	if err := m.enter(ctx, settlement.StepGetCustomer); err != nil {
		return settlement.Customer{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return settlement.Customer{}, fmt.Errorf("%w: %s", settlement.ErrCustomerNotFound, id)
	}
	return c, nil
}

func (m *Memory) UpdateCustomerBalance(ctx context.Context, id settlement.CustomerID, from, to decimal.Decimal) error {
	if err := m.enter(ctx, settlement.StepUpdateCustomerBalance); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return fmt.Errorf("%w: %s", settlement.ErrCustomerNotFound, id)
	}
	if !c.Balance.Equal(from) {
		return fmt.Errorf("%w: customer %s balance is %s, expected %s",
			settlement.ErrConcurrentModification, id, c.Balance, from)
	}
	c.Balance = to
	m.customers[id] = c
	return nil
}

func (m *Memory) InsertCustomerTransaction(ctx context.Context, tx settlement.CustomerTransaction) error {
	if err := m.enter(ctx, settlement.StepInsertCustomerTransaction); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customerTxs = append(m.customerTxs, tx)
	return nil
}

func (m *Memory) ListCustomerTransactions(ctx context.Context, f settlement.CustomerTxFilter) ([]settlement.CustomerTransaction, error) {
	if err := m.enter(ctx, settlement.StepListCustomerTransactions); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.CustomerTransaction
	for _, tx := range m.customerTxs {
		if f.CustomerID != "" && tx.CustomerID != f.CustomerID {
			continue
		}
		if f.OrderID != "" && tx.OrderID != f.OrderID {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// =============================================================================
// ORDERS
// =============================================================================

func (m *Memory) NextOrderNumber(ctx context.Context) (string, error) {
	if err := m.enter(ctx, settlement.StepNextOrderNumber); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastNumber++
	return fmt.Sprintf("ORD-%06d", m.lastNumber), nil
}

func (m *Memory) InsertOrder(ctx context.Context, o settlement.Order) error {
	if err := m.enter(ctx, settlement.StepInsertOrder); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", settlement.ErrOrderIDReused, o.ID)
	}
	m.orders[o.ID] = o
	m.orderSeq = append(m.orderSeq, o.ID)
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id settlement.OrderID) (settlement.Order, error) {
	if err := m.enter(ctx, settlement.StepGetOrder); err != nil {
		return settlement.Order{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return settlement.Order{}, fmt.Errorf("%w: %s", settlement.ErrOrderNotFound, id)
	}
	return o, nil
}

func (m *Memory) InsertOrderItems(ctx context.Context, items []settlement.OrderItem) error {
	if err := m.enter(ctx, settlement.StepInsertOrderItems); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.OrderID] = append(m.items[it.OrderID], it)
	}
	return nil
}

func (m *Memory) ListOrderItems(ctx context.Context, id settlement.OrderID) ([]settlement.OrderItem, error) {
	if err := m.enter(ctx, settlement.StepListOrderItems); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]settlement.OrderItem(nil), m.items[id]...), nil
}

func (m *Memory) InsertPayments(ctx context.Context, payments []settlement.Payment) error {
	if err := m.enter(ctx, settlement.StepInsertPayments); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range payments {
		m.payments[p.OrderID] = append(m.payments[p.OrderID], p)
	}
	return nil
}

func (m *Memory) ListPayments(ctx context.Context, id settlement.OrderID) ([]settlement.Payment, error) {
	if err := m.enter(ctx, settlement.StepListPayments); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]settlement.Payment(nil), m.payments[id]...), nil
}

// DeleteOrderCascade removes the order and its dependents under one lock.
func (m *Memory) DeleteOrderCascade(ctx context.Context, id settlement.OrderID) error {
	if err := m.enter(ctx, settlement.StepDeleteOrderCascade); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.customerTxs[:0]
	for _, tx := range m.customerTxs {
		if tx.OrderID != id {
			kept = append(kept, tx)
		}
	}
	m.customerTxs = kept
	delete(m.payments, id)
	delete(m.items, id)
	if _, ok := m.orders[id]; ok {
		delete(m.orders, id)
		for i, oid := range m.orderSeq {
			if oid == id {
				m.orderSeq = append(m.orderSeq[:i], m.orderSeq[i+1:]...)
				break
			}
		}
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveProduct keeps the stored stock quantity of an existing product.
func (m *Memory) SaveProduct(_ context.Context, p settlement.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.products[p.ID]; ok {
		p.StockQuantity = old.StockQuantity
	}
	m.products[p.ID] = p
	return nil
}

// SaveCustomer keeps the stored balance of an existing customer.
func (m *Memory) SaveCustomer(_ context.Context, c settlement.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.customers[c.ID]; ok {
		c.Balance = old.Balance
	}
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) ListProducts(_ context.Context) ([]settlement.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]settlement.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]settlement.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]settlement.Customer, 0, len(m.customers))
	for _, c := range m.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListOrders(_ context.Context, limit int) ([]settlement.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.Order
	for i := len(m.orderSeq) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.orders[m.orderSeq[i]])
	}
	return out, nil
}

// Close is a no-op so Memory can stand in wherever a closable store is expected.
func (m *Memory) Close() error { return nil }
