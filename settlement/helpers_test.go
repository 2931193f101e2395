package settlement_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/settlement"
	"github.com/elruby/settlement-engine/settlement/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// fixture wires an orchestrator to a memory store and a capturing logger.
type fixture struct {
	store  *store.Memory
	engine *settlement.Orchestrator
	hook   *test.Hook
	ctx    context.Context
}

func newFixture(t *testing.T, opts settlement.Options) *fixture {
	t.Helper()
	return newWrappedFixture(t, opts, func(m *store.Memory) settlement.Store { return m })
}

// newWrappedFixture is newFixture with the orchestrator talking to wrap(mem).
func newWrappedFixture(t *testing.T, opts settlement.Options, wrap func(*store.Memory) settlement.Store) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.NewID == nil {
		var n atomic.Int64
		opts.NewID = func() string { return fmt.Sprintf("id-%04d", n.Add(1)) }
	}
	if opts.Now == nil {
		start := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
		var ticks atomic.Int64
		opts.Now = func() time.Time { return start.Add(time.Duration(ticks.Add(1)) * time.Second) }
	}
	mem := store.NewMemory()
	return &fixture{
		store:  mem,
		engine: settlement.NewOrchestrator(wrap(mem), opts),
		hook:   hook,
		ctx:    context.Background(),
	}
}

func (f *fixture) product(t *testing.T, id string, price string, stock int) {
	t.Helper()
	require.NoError(t, f.store.SaveProduct(f.ctx, settlement.Product{
		ID:            settlement.ProductID(id),
		Name:          "Product " + id,
		Price:         dec(price),
		Cost:          decimal.Zero,
		StockQuantity: stock,
	}))
}

func (f *fixture) customer(t *testing.T, id string, balance string) {
	t.Helper()
	require.NoError(t, f.store.SaveCustomer(f.ctx, settlement.Customer{
		ID:      settlement.CustomerID(id),
		Name:    "Customer " + id,
		Balance: dec(balance),
	}))
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.GetProduct(f.ctx, settlement.ProductID(id))
	require.NoError(t, err)
	return p.StockQuantity
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	c, err := f.store.GetCustomer(f.ctx, settlement.CustomerID(id))
	require.NoError(t, err)
	return c.Balance
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	orders, err := f.store.ListOrders(f.ctx, 0)
	require.NoError(t, err)
	return len(orders)
}

func (f *fixture) customerTxCount(t *testing.T, id string) int {
	t.Helper()
	rows, err := f.store.ListCustomerTransactions(f.ctx, settlement.CustomerTxFilter{CustomerID: settlement.CustomerID(id)})
	require.NoError(t, err)
	return len(rows)
}

// committedThenFailed commits the first write of one step and then reports
// err, like a database call whose deadline passes after the commit.
type committedThenFailed struct {
	*store.Memory
	step  settlement.Step
	err   error
	fired bool
}

func (s *committedThenFailed) result(step settlement.Step, err error) error {
	if err == nil && step == s.step && !s.fired {
		s.fired = true
		return s.err
	}
	return err
}

func (s *committedThenFailed) UpdateCustomerBalance(ctx context.Context, id settlement.CustomerID, from, to decimal.Decimal) error {
	return s.result(settlement.StepUpdateCustomerBalance, s.Memory.UpdateCustomerBalance(ctx, id, from, to))
}

func (s *committedThenFailed) InsertCustomerTransaction(ctx context.Context, tx settlement.CustomerTransaction) error {
	return s.result(settlement.StepInsertCustomerTransaction, s.Memory.InsertCustomerTransaction(ctx, tx))
}

func (s *committedThenFailed) InsertOrder(ctx context.Context, o settlement.Order) error {
	return s.result(settlement.StepInsertOrder, s.Memory.InsertOrder(ctx, o))
}

func item(productID string, qty int) settlement.ItemRequest {
	return settlement.ItemRequest{ProductID: settlement.ProductID(productID), Quantity: qty}
}

func pay(method settlement.PaymentMethod, amount string) settlement.PaymentRequest {
	return settlement.PaymentRequest{Method: method, Amount: dec(amount)}
}

func payment(method settlement.PaymentMethod, amount string) settlement.Payment {
	return settlement.Payment{Method: method, Amount: dec(amount)}
}

func decEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func decimalInt(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}
