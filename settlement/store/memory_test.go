package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/settlement"
	"github.com/elruby/settlement-engine/settlement/store"
)

func TestMemory_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveProduct(ctx, settlement.Product{ID: "p", StockQuantity: 4}))
	require.NoError(t, m.SaveCustomer(ctx, settlement.Customer{ID: "c", Balance: decimal.RequireFromString("10.00")}))

	require.NoError(t, m.UpdateProductStock(ctx, "p", 4, 1))
	require.ErrorIs(t, m.UpdateProductStock(ctx, "p", 4, 0), settlement.ErrConcurrentModification)
	require.ErrorIs(t, m.UpdateProductStock(ctx, "nope", 0, 1), settlement.ErrProductNotFound)

	// Decimal comparison ignores representation.
	require.NoError(t, m.UpdateCustomerBalance(ctx, "c", decimal.RequireFromString("10"), decimal.RequireFromString("-2.5")))
	require.ErrorIs(t, m.UpdateCustomerBalance(ctx, "c", decimal.RequireFromString("10"), decimal.Zero), settlement.ErrConcurrentModification)
}

func TestMemory_OrderNumbersAndListing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	n1, err := m.NextOrderNumber(ctx)
	require.NoError(t, err)
	n2, err := m.NextOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ORD-000001", n1)
	assert.Equal(t, "ORD-000002", n2)

	require.NoError(t, m.InsertOrder(ctx, settlement.Order{ID: "o-1", OrderNumber: n1}))
	require.NoError(t, m.InsertOrder(ctx, settlement.Order{ID: "o-2", OrderNumber: n2}))
	require.ErrorIs(t, m.InsertOrder(ctx, settlement.Order{ID: "o-1"}), settlement.ErrOrderIDReused)

	orders, err := m.ListOrders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, settlement.OrderID("o-2"), orders[0].ID)
}

func TestMemory_DeleteOrderCascade(t *testing.T) {
	// GIVEN: An order with items, payments, customer rows and inventory rows
	// WHEN: Cascading the delete
	// THEN: Everything but the inventory ledger goes; repeating is harmless

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertOrder(ctx, settlement.Order{ID: "o-1"}))
	require.NoError(t, m.InsertOrderItems(ctx, []settlement.OrderItem{{ID: "i-1", OrderID: "o-1", ProductID: "p"}}))
	require.NoError(t, m.InsertPayments(ctx, []settlement.Payment{{ID: "pay-1", OrderID: "o-1"}}))
	require.NoError(t, m.InsertCustomerTransaction(ctx, settlement.CustomerTransaction{ID: "ct-1", CustomerID: "c", OrderID: "o-1"}))
	require.NoError(t, m.InsertCustomerTransaction(ctx, settlement.CustomerTransaction{ID: "ct-2", CustomerID: "c", OrderID: "o-2"}))
	require.NoError(t, m.InsertInventoryTransaction(ctx, settlement.InventoryTransaction{ID: "it-1", ProductID: "p", ReferenceID: "o-1"}))

	require.NoError(t, m.DeleteOrderCascade(ctx, "o-1"))
	require.NoError(t, m.DeleteOrderCascade(ctx, "o-1"))

	_, err := m.GetOrder(ctx, "o-1")
	require.ErrorIs(t, err, settlement.ErrOrderNotFound)
	items, _ := m.ListOrderItems(ctx, "o-1")
	assert.Empty(t, items)
	payments, _ := m.ListPayments(ctx, "o-1")
	assert.Empty(t, payments)
	ctxRows, _ := m.ListCustomerTransactions(ctx, settlement.CustomerTxFilter{CustomerID: "c"})
	require.Len(t, ctxRows, 1)
	assert.Equal(t, settlement.OrderID("o-2"), ctxRows[0].OrderID)
	invRows, _ := m.ListInventoryTransactions(ctx, settlement.InventoryFilter{ReferenceID: "o-1"})
	assert.Len(t, invRows, 1)
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveProduct(ctx, settlement.Product{ID: "p", StockQuantity: 4}))
	boom := errors.New("boom")

	m.FailAfter(settlement.StepGetProduct, 1, boom)
	_, err := m.GetProduct(ctx, "p")
	require.NoError(t, err)
	_, err = m.GetProduct(ctx, "p")
	require.ErrorIs(t, err, boom)
	_, err = m.GetProduct(ctx, "p")
	require.NoError(t, err, "one-shot fault is consumed")
	assert.Equal(t, 3, m.Calls(settlement.StepGetProduct))

	// A failed write does not mutate.
	m.FailNext(settlement.StepUpdateProductStock, boom)
	require.ErrorIs(t, m.UpdateProductStock(ctx, "p", 4, 0), boom)
	p, _ := m.GetProduct(ctx, "p")
	assert.Equal(t, 4, p.StockQuantity)

	m.FailAlways(settlement.StepNextOrderNumber, boom)
	for i := 0; i < 3; i++ {
		_, err := m.NextOrderNumber(ctx)
		require.ErrorIs(t, err, boom)
	}
	m.Heal()
	_, err = m.NextOrderNumber(ctx)
	require.NoError(t, err)
}

func TestMemory_DelayHonoursContext(t *testing.T) {
	m := store.NewMemory()
	m.Delay(settlement.StepInsertOrder, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.InsertOrder(ctx, settlement.Order{ID: "o-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.Heal()
	_, err = m.GetOrder(context.Background(), "o-1")
	require.ErrorIs(t, err, settlement.ErrOrderNotFound)
}

func TestMemory_SaveKeepsStockAndBalance(t *testing.T) {
	// GIVEN: A stored product and customer
	// WHEN: Saving them again with other stock and balance
	// THEN: Descriptive fields change, stock and balance do not

	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveProduct(ctx, settlement.Product{ID: "p", Name: "Tea", StockQuantity: 4}))
	require.NoError(t, m.SaveCustomer(ctx, settlement.Customer{ID: "c", Name: "Mona", Balance: decimal.RequireFromString("10.00")}))

	require.NoError(t, m.SaveProduct(ctx, settlement.Product{ID: "p", Name: "Green Tea", StockQuantity: 500}))
	require.NoError(t, m.SaveCustomer(ctx, settlement.Customer{ID: "c", Name: "Mona L.", Balance: decimal.NewFromInt(9999)}))

	p, err := m.GetProduct(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "Green Tea", p.Name)
	assert.Equal(t, 4, p.StockQuantity)

	c, err := m.GetCustomer(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "Mona L.", c.Name)
	assert.True(t, decimal.RequireFromString("10.00").Equal(c.Balance))
}
