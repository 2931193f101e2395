package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/settlement"
	"github.com/elruby/settlement-engine/store/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *sqlstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, settlement.Product{
		ID: "p-1", Name: "Espresso", Price: decimal.RequireFromString("2.50"),
		Cost: decimal.RequireFromString("0.80"), StockQuantity: 10, LowStockThreshold: 3,
	}))
	require.NoError(t, s.SaveProduct(ctx, settlement.Product{
		ID: "p-2", Name: "Croissant", Price: decimal.RequireFromString("3.00"),
		Cost: decimal.RequireFromString("1.10"), StockQuantity: 4,
	}))
	require.NoError(t, s.SaveCustomer(ctx, settlement.Customer{
		ID: "c-1", Name: "Mona", Balance: decimal.RequireFromString("20.00"),
	}))
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "oracle", "x")
	require.Error(t, err)
}

func TestSQLStore_CompareAndSet(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.UpdateProductStock(ctx, "p-1", 10, 7))
	require.ErrorIs(t, s.UpdateProductStock(ctx, "p-1", 10, 0), settlement.ErrConcurrentModification)
	require.ErrorIs(t, s.UpdateProductStock(ctx, "missing", 0, 1), settlement.ErrProductNotFound)

	p, err := s.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 7, p.StockQuantity)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("2.5")))

	// Balances compare as decimals, not as stored text.
	require.NoError(t, s.UpdateCustomerBalance(ctx, "c-1", decimal.RequireFromString("20"), decimal.RequireFromString("-4.25")))
	require.ErrorIs(t, s.UpdateCustomerBalance(ctx, "c-1", decimal.RequireFromString("20"), decimal.Zero), settlement.ErrConcurrentModification)
	require.ErrorIs(t, s.UpdateCustomerBalance(ctx, "missing", decimal.Zero, decimal.Zero), settlement.ErrCustomerNotFound)

	c, err := s.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "-4.25", c.Balance.String())
}

func TestSQLStore_OrderNumbersAndOrders(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	n1, err := s.NextOrderNumber(ctx)
	require.NoError(t, err)
	n2, err := s.NextOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ORD-000001", n1)
	assert.Equal(t, "ORD-000002", n2)

	at := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertOrder(ctx, settlement.Order{
		ID: "o-1", OrderNumber: n1, TotalAmount: decimal.RequireFromString("5"), CreatedAt: at,
	}))
	require.NoError(t, s.InsertOrder(ctx, settlement.Order{
		ID: "o-2", OrderNumber: n2, CustomerID: "c-1", TotalAmount: decimal.RequireFromString("3"),
		CreatedAt: at.Add(time.Minute),
	}))
	require.ErrorIs(t, s.InsertOrder(ctx, settlement.Order{ID: "o-1", OrderNumber: "ORD-X"}), settlement.ErrOrderIDReused)

	o, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, o.IsWalkIn())
	assert.True(t, o.CreatedAt.Equal(at))

	_, err = s.GetOrder(ctx, "nope")
	require.ErrorIs(t, err, settlement.ErrOrderNotFound)

	orders, err := s.ListOrders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, settlement.OrderID("o-2"), orders[0].ID)
	assert.Equal(t, settlement.CustomerID("c-1"), orders[0].CustomerID)
}

func TestSQLStore_DeleteOrderCascadeKeepsInventoryLedger(t *testing.T) {
	// GIVEN: An order with items, payments, customer rows and inventory rows
	// WHEN: Cascading the delete twice
	// THEN: Only the inventory ledger survives, and the repeat is harmless

	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.InsertCustomerTransaction(ctx, settlement.CustomerTransaction{
		ID: "ct-1", CustomerID: "c-1", OrderID: "o-1", Type: settlement.CustomerTxOrder,
	}))
	require.NoError(t, s.InsertOrder(ctx, settlement.Order{ID: "o-1", OrderNumber: "ORD-000001", CustomerID: "c-1"}))
	require.NoError(t, s.InsertOrderItems(ctx, []settlement.OrderItem{
		{ID: "i-b", OrderID: "o-1", ProductID: "p-2", Quantity: 1},
		{ID: "i-a", OrderID: "o-1", ProductID: "p-1", Quantity: 2},
	}))
	require.NoError(t, s.InsertPayments(ctx, []settlement.Payment{
		{ID: "pay-1", OrderID: "o-1", CustomerID: "c-1", Amount: decimal.RequireFromString("1"), Method: settlement.MethodCash},
	}))
	require.NoError(t, s.InsertInventoryTransaction(ctx, settlement.InventoryTransaction{
		ID: "it-1", ProductID: "p-1", Kind: settlement.InventorySale, QuantityChange: -2, ReferenceID: "o-1",
	}))

	items, err := s.ListOrderItems(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "i-b", items[0].ID, "items keep insertion order")

	require.NoError(t, s.DeleteOrderCascade(ctx, "o-1"))
	require.NoError(t, s.DeleteOrderCascade(ctx, "o-1"))

	_, err = s.GetOrder(ctx, "o-1")
	require.ErrorIs(t, err, settlement.ErrOrderNotFound)
	items, _ = s.ListOrderItems(ctx, "o-1")
	assert.Empty(t, items)
	payments, _ := s.ListPayments(ctx, "o-1")
	assert.Empty(t, payments)
	rows, _ := s.ListCustomerTransactions(ctx, settlement.CustomerTxFilter{OrderID: "o-1"})
	assert.Empty(t, rows)
	inv, _ := s.ListInventoryTransactions(ctx, settlement.InventoryFilter{ProductID: "p-1", ReferenceID: "o-1"})
	require.Len(t, inv, 1)
	assert.Equal(t, -2, inv[0].QuantityChange)
}

func TestSQLStore_CatalogListings(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Croissant", products[0].Name)

	// Save is an upsert that leaves balance and stock to the ledgers.
	require.NoError(t, s.SaveCustomer(ctx, settlement.Customer{ID: "c-1", Name: "Mona L.", Balance: decimal.Zero}))
	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "Mona L.", customers[0].Name)
	assert.True(t, decimal.RequireFromString("20.00").Equal(customers[0].Balance))

	require.NoError(t, s.SaveProduct(ctx, settlement.Product{
		ID: "p-1", Name: "Butter Croissant", Price: decimal.RequireFromString("2.75"), StockQuantity: 500,
	}))
	p, err := s.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Butter Croissant", p.Name)
	assert.True(t, decimal.RequireFromString("2.75").Equal(p.Price))
	assert.Equal(t, 10, p.StockQuantity)
}

func TestSQLStore_SettleAndDeleteRoundTrip(t *testing.T) {
	// GIVEN: A customer with 20.00 credit and two products in a SQLite store
	// WHEN: Settling an order partly on balance, then deleting it
	// THEN: Stock and balance move as expected and return exactly

	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	engine := settlement.NewOrchestrator(s, settlement.Options{Logger: logger})

	st, err := engine.Settle(ctx, settlement.OrderRequest{
		CustomerID: "c-1",
		Items: []settlement.ItemRequest{
			{ProductID: "p-1", Quantity: 2},
			{ProductID: "p-2", Quantity: 1},
		},
		Payments: []settlement.PaymentRequest{
			{Method: settlement.MethodCustomerBalance, Amount: decimal.RequireFromString("5.00")},
			{Method: settlement.MethodCash, Amount: decimal.RequireFromString("1.00")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatePersisted, st.State)
	assert.Equal(t, "ORD-000001", st.Order.OrderNumber)

	// Total 8.00: 5 from balance, 1 cash, 2 short.
	c, _ := s.GetCustomer(ctx, "c-1")
	assert.True(t, c.Balance.Equal(decimal.RequireFromString("13")), "balance %s", c.Balance)
	p1, _ := s.GetProduct(ctx, "p-1")
	assert.Equal(t, 8, p1.StockQuantity)

	detail, err := engine.Order(ctx, st.Order.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Items, 2)
	assert.Len(t, detail.Payments, 2)

	rev, err := engine.Delete(ctx, st.Order.ID)
	require.NoError(t, err)
	assert.Len(t, rev.RestoredStock, 2)

	c, _ = s.GetCustomer(ctx, "c-1")
	assert.True(t, c.Balance.Equal(decimal.RequireFromString("20")), "balance %s", c.Balance)
	p1, _ = s.GetProduct(ctx, "p-1")
	assert.Equal(t, 10, p1.StockQuantity)
	p2, _ := s.GetProduct(ctx, "p-2")
	assert.Equal(t, 4, p2.StockQuantity)

	_, err = engine.Delete(ctx, st.Order.ID)
	require.ErrorIs(t, err, settlement.ErrOrderNotFound)
}
