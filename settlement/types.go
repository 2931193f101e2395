/*
Package settlement provides the order settlement and inventory reconciliation engine.

PURPOSE:
  This package contains the typed data model and algorithms that turn a
  requested sales order plus a set of payments into persisted stock, ledger
  and balance changes, and that reverse those changes exactly when an order
  is deleted. The backing store offers no multi-statement transaction, so
  every forward step carries its own compensating action (see saga.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal amounts in the order's base currency
  - Product / Customer: the two mutable records (stock level, running balance)
  - Order / OrderItem / Payment: the persisted form of a settlement
  - InventoryTransaction / CustomerTransaction: append-only ledgers

COMPONENTS:
  stock.go:        Stock Ledger (reserve, restore, adjust)
  allocator.go:    Payment Allocator (cash vs stored credit split)
  balance.go:      Balance Reconciler (customer balance + customer ledger)
  orchestrator.go: Order Settlement Orchestrator (settle, delete, preview)

DESIGN PRINCIPLES:
  1. No mutation without a ledger row: stock and balance never change silently
  2. Precision: all money uses decimal.Decimal, never float64
  3. Exact inverse: deletion restores stock and balance to the cent
  4. Typed port: storage is reached only through the Store interface

USAGE:
  engine := settlement.NewOrchestrator(store, settlement.Options{})
  result, err := engine.Settle(ctx, settlement.OrderRequest{
      CustomerID: "cust-1",
      Items:      []settlement.ItemRequest{{ProductID: "p-1", Quantity: 2}},
      Payments:   []settlement.PaymentRequest{{Method: settlement.MethodCash, Amount: settlement.MustParseDecimal("50")}},
  })

SEE ALSO:
  - store.go: Persistence port
  - errors.go: Error taxonomy
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Tolerance is the rounding tolerance used when comparing payment totals.
var Tolerance = decimal.New(1, -2)

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ApproxEqual reports whether a and b differ by at most Tolerance.
func ApproxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type CustomerID string
type OrderID string
type TransactionID string

// WalkIn is the counterparty of orders that have no customer record.
// It never has a balance and must pay in full, in cash, at order time.
const WalkIn CustomerID = ""

// =============================================================================
// PRODUCT & CUSTOMER - the mutable records
// =============================================================================

// Product is a stocked item. StockQuantity is mutated by the Stock Ledger only
// and never drops below zero.
type Product struct {
	ID                ProductID
	Name              string
	Description       string
	Category          string
	Price             decimal.Decimal
	Cost              decimal.Decimal
	StockQuantity     int
	LowStockThreshold int
}

// IsLowStock reports whether the product is at or under its alert threshold.
// A zero threshold disables the alert.
func (p Product) IsLowStock() bool {
	return p.LowStockThreshold > 0 && p.StockQuantity <= p.LowStockThreshold
}

// Customer is a registered counterparty with a signed running balance:
// positive is credit owed to the customer, negative is debt owed to the business.
type Customer struct {
	ID      CustomerID
	Name    string
	Phone   string
	Notes   string
	Balance decimal.Decimal
}

func (c Customer) HasDebt() bool { return c.Balance.IsNegative() }

// =============================================================================
// ORDER, ITEMS, PAYMENTS
// =============================================================================

// Order is the root record of a settlement. OrderNumber is assigned by the
// persistence layer and treated as opaque here.
type Order struct {
	ID          OrderID
	OrderNumber string
	CustomerID  CustomerID
	TotalAmount decimal.Decimal
	PaidAmount  decimal.Decimal
	Notes       string
	CreatedAt   time.Time
}

func (o Order) IsWalkIn() bool { return o.CustomerID == WalkIn }

type OrderItem struct {
	ID         string
	OrderID    OrderID
	ProductID  ProductID
	Quantity   int
	UnitPrice  decimal.Decimal
	TotalPrice decimal.Decimal
}

// LineTotal returns quantity × unit price.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

type PaymentMethod string

const (
	MethodCash            PaymentMethod = "cash"
	MethodCustomerBalance PaymentMethod = "customer_balance"
	MethodCreditCard      PaymentMethod = "credit_card"
	MethodDebitCard       PaymentMethod = "debit_card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCustomerBalance, MethodCreditCard, MethodDebitCard:
		return true
	}
	return false
}

func (m PaymentMethod) IsCard() bool {
	return m == MethodCreditCard || m == MethodDebitCard
}

// Payment is one tender against an order. Zero-amount payments are never persisted.
type Payment struct {
	ID         TransactionID
	OrderID    OrderID
	CustomerID CustomerID
	Amount     decimal.Decimal
	Method     PaymentMethod
	Reference  string
	CreatedAt  time.Time
}

// =============================================================================
// LEDGERS - append-only
// =============================================================================

type InventoryKind string

const (
	InventorySale       InventoryKind = "sale"       // Stock reserved by an order
	InventoryReversal   InventoryKind = "reversal"   // Stock returned by a reversed order
	InventoryRestock    InventoryKind = "restock"    // Manual stock increase
	InventoryAdjustment InventoryKind = "adjustment" // Manual stock correction
)

// InventoryTransaction records one stock movement. QuantityChange is negative
// for a sale and positive for a restock or reversal.
type InventoryTransaction struct {
	ID             TransactionID
	ProductID      ProductID
	Kind           InventoryKind
	QuantityChange int
	ReferenceID    string
	Notes          string
	TotalPrice     decimal.Decimal
	AmountPaid     decimal.Decimal
	CreatedAt      time.Time
}

type CustomerTransactionType string

const (
	CustomerTxOrder      CustomerTransactionType = "order"
	CustomerTxPayment    CustomerTransactionType = "payment"
	CustomerTxAdjustment CustomerTransactionType = "adjustment"
	CustomerTxRefund     CustomerTransactionType = "refund"
	CustomerTxReversal   CustomerTransactionType = "reversal"
)

// CustomerTransaction snapshots a customer's balance immediately after a settlement.
type CustomerTransaction struct {
	ID              TransactionID
	CustomerID      CustomerID
	OrderID         OrderID
	InvoiceNumber   string
	TransactionDate time.Time
	AmountPaid      decimal.Decimal
	BalanceAfter    decimal.Decimal
	PaymentMethod   string
	Type            CustomerTransactionType
	Description     string
}
