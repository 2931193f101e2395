/*
store.go - Persistence port for the settlement engine

PURPOSE:
  Defines the typed interface between settlement logic and the backing store.
  Each method is a single logical read or write. No multi-statement
  transaction is assumed across calls: the orchestrator composes them into a
  saga and undoes completed calls itself.

KEY INTERFACES:
  Store:   Everything the engine reads and writes during settle / delete
  Catalog: Master-data maintenance and listings used by the HTTP layer

COMPARE-AND-SET WRITES:
  UpdateProductStock and UpdateCustomerBalance take the value the caller read
  (from) and the value it wants (to). Implementations must return
  ErrConcurrentModification when the stored value no longer equals from, so a
  writer that bypasses the Locker can never silently lose an update.

LOOKUP MISSES:
  GetProduct, GetCustomer and GetOrder return ErrProductNotFound,
  ErrCustomerNotFound and ErrOrderNotFound respectively.

IMPLEMENTATIONS:
  - settlement/store/memory.go: In-memory with fault injection, for tests
  - store/sqlstore/sqlstore.go: SQLite and PostgreSQL via database/sql

SEE ALSO:
  - instrument.go: Per-call deadlines and tracing around any Store
*/
package settlement

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Products and the inventory ledger
	GetProduct(ctx context.Context, id ProductID) (Product, error)
	UpdateProductStock(ctx context.Context, id ProductID, from, to int) error
	InsertInventoryTransaction(ctx context.Context, tx InventoryTransaction) error
	ListInventoryTransactions(ctx context.Context, filter InventoryFilter) ([]InventoryTransaction, error)

	// Customers and the customer ledger
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)
	UpdateCustomerBalance(ctx context.Context, id CustomerID, from, to decimal.Decimal) error
	InsertCustomerTransaction(ctx context.Context, tx CustomerTransaction) error
	ListCustomerTransactions(ctx context.Context, filter CustomerTxFilter) ([]CustomerTransaction, error)

	// Orders
	NextOrderNumber(ctx context.Context) (string, error)
	InsertOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, id OrderID) (Order, error)
	InsertOrderItems(ctx context.Context, items []OrderItem) error
	ListOrderItems(ctx context.Context, id OrderID) ([]OrderItem, error)
	InsertPayments(ctx context.Context, payments []Payment) error
	ListPayments(ctx context.Context, id OrderID) ([]Payment, error)

	// DeleteOrderCascade removes customer transactions, payments and order
	// items referencing the order, then the order row. Deleting an order that
	// does not exist is not an error.
	DeleteOrderCascade(ctx context.Context, id OrderID) error
}

// InventoryFilter selects inventory rows. Zero fields match everything.
// Results are ordered oldest first.
type InventoryFilter struct {
	ProductID   ProductID
	ReferenceID string
}

// CustomerTxFilter selects customer ledger rows. Zero fields match everything.
// Results are ordered oldest first.
type CustomerTxFilter struct {
	CustomerID CustomerID
	OrderID    OrderID
}

// Catalog maintains master data. SaveProduct and SaveCustomer upsert by ID.
// StockQuantity and Balance are taken only when the row is created; after
// that they move through the ledgers alone.
type Catalog interface {
	SaveProduct(ctx context.Context, p Product) error
	SaveCustomer(ctx context.Context, c Customer) error
	ListProducts(ctx context.Context) ([]Product, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	// ListOrders returns the most recent orders first. limit <= 0 means no limit.
	ListOrders(ctx context.Context, limit int) ([]Order, error)
}

// =============================================================================
// STEPS - names of port calls, used in errors, spans, logs and fault injection
// =============================================================================

type Step string

const (
	StepGetProduct                 Step = "get_product"
	StepUpdateProductStock         Step = "update_product_stock"
	StepInsertInventoryTransaction Step = "insert_inventory_transaction"
	StepListInventoryTransactions  Step = "list_inventory_transactions"
	StepGetCustomer                Step = "get_customer"
	StepUpdateCustomerBalance      Step = "update_customer_balance"
	StepInsertCustomerTransaction  Step = "insert_customer_transaction"
	StepListCustomerTransactions   Step = "list_customer_transactions"
	StepNextOrderNumber            Step = "next_order_number"
	StepInsertOrder                Step = "insert_order"
	StepGetOrder                   Step = "get_order"
	StepInsertOrderItems           Step = "insert_order_items"
	StepListOrderItems             Step = "list_order_items"
	StepInsertPayments             Step = "insert_payments"
	StepListPayments               Step = "list_payments"
	StepDeleteOrderCascade         Step = "delete_order_cascade"

	// Engine-level steps that are not a single port call.
	StepLock           Step = "lock"
	StepReserveStock   Step = "reserve_stock"
	StepRestoreStock   Step = "restore_stock"
	StepApplyBalance   Step = "apply_balance"
	StepRevertBalance  Step = "revert_balance"
	StepRecordLedger   Step = "record_customer_transaction"
	StepRemoveOrder    Step = "remove_order"
	StepReverseBalance Step = "reverse_balance"
)
