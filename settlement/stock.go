package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StockLedger validates and mutates product stock. Every mutation appends an
// InventoryTransaction; stock never changes without one.
type StockLedger struct {
	Store Store
	Now   func() time.Time
	NewID func() string
}

func NewStockLedger(store Store) *StockLedger {
	return &StockLedger{Store: store, Now: time.Now, NewID: uuid.NewString}
}

// Reservation is a request to take stock for one order line.
type Reservation struct {
	ProductID   ProductID
	Quantity    int
	UnitPrice   decimal.Decimal
	ReferenceID string
	Notes       string
}

// CheckAvailability is the pure availability rule shared by the pre-flight
// pass and Reserve.
func CheckAvailability(p Product, requested int) error {
	if requested <= 0 {
		return ErrInvalidQuantity
	}
	if p.StockQuantity <= 0 {
		return &OutOfStockError{ProductID: p.ID}
	}
	if requested > p.StockQuantity {
		return &InsufficientStockError{ProductID: p.ID, Available: p.StockQuantity, Requested: requested}
	}
	return nil
}

// Reserve decrements stock and appends a sale row. If the row cannot be
// written the decrement is undone before returning.
func (l *StockLedger) Reserve(ctx context.Context, r Reservation) (InventoryTransaction, error) {
	if r.Quantity <= 0 {
		return InventoryTransaction{}, ErrInvalidQuantity
	}
	p, err := l.Store.GetProduct(ctx, r.ProductID)
	if err != nil {
		return InventoryTransaction{}, stepError(StepGetProduct, err)
	}
	if err := CheckAvailability(p, r.Quantity); err != nil {
		return InventoryTransaction{}, err
	}

	to := p.StockQuantity - r.Quantity
	if err := l.Store.UpdateProductStock(ctx, p.ID, p.StockQuantity, to); err != nil {
		return InventoryTransaction{}, stepError(StepUpdateProductStock, err)
	}

	tx := InventoryTransaction{
		ID:             TransactionID(l.NewID()),
		ProductID:      p.ID,
		Kind:           InventorySale,
		QuantityChange: -r.Quantity,
		ReferenceID:    r.ReferenceID,
		Notes:          r.Notes,
		TotalPrice:     LineTotal(r.Quantity, r.UnitPrice),
		AmountPaid:     decimal.Zero,
		CreatedAt:      l.Now(),
	}
	if err := l.Store.InsertInventoryTransaction(ctx, tx); err != nil {
		return InventoryTransaction{}, l.undoStock(ctx, p.ID, to, p.StockQuantity,
			stepError(StepInsertInventoryTransaction, err))
	}
	return tx, nil
}

// Restore returns up to quantity units reserved under referenceID to stock
// and appends a reversal row. It is idempotent per (product, reference): only
// the quantity still outstanding on the ledger is returned, and nil is
// returned when nothing is outstanding.
func (l *StockLedger) Restore(ctx context.Context, productID ProductID, quantity int, referenceID string) (*InventoryTransaction, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	rows, err := l.Store.ListInventoryTransactions(ctx, InventoryFilter{ProductID: productID, ReferenceID: referenceID})
	if err != nil {
		return nil, stepError(StepListInventoryTransactions, err)
	}
	n := min(quantity, Outstanding(rows))
	if n <= 0 {
		return nil, nil
	}

	p, err := l.Store.GetProduct(ctx, productID)
	if err != nil {
		return nil, stepError(StepGetProduct, err)
	}
	to := p.StockQuantity + n
	if err := l.Store.UpdateProductStock(ctx, productID, p.StockQuantity, to); err != nil {
		return nil, stepError(StepUpdateProductStock, err)
	}

	tx := InventoryTransaction{
		ID:             TransactionID(l.NewID()),
		ProductID:      productID,
		Kind:           InventoryReversal,
		QuantityChange: n,
		ReferenceID:    referenceID,
		Notes:          fmt.Sprintf("Reversal - %s", referenceID),
		TotalPrice:     decimal.Zero,
		AmountPaid:     decimal.Zero,
		CreatedAt:      l.Now(),
	}
	if err := l.Store.InsertInventoryTransaction(ctx, tx); err != nil {
		return nil, l.undoStock(ctx, productID, to, p.StockQuantity,
			stepError(StepInsertInventoryTransaction, err))
	}
	return &tx, nil
}

// Adjust applies a manual stock correction. Positive deltas are recorded as
// restocks, negative ones as adjustments. Stock may not go below zero.
func (l *StockLedger) Adjust(ctx context.Context, productID ProductID, delta int, notes string) (InventoryTransaction, error) {
	if delta == 0 {
		return InventoryTransaction{}, ErrInvalidQuantity
	}
	p, err := l.Store.GetProduct(ctx, productID)
	if err != nil {
		return InventoryTransaction{}, stepError(StepGetProduct, err)
	}
	to := p.StockQuantity + delta
	if to < 0 {
		return InventoryTransaction{}, &InsufficientStockError{ProductID: productID, Available: p.StockQuantity, Requested: -delta}
	}

	kind := InventoryRestock
	if delta < 0 {
		kind = InventoryAdjustment
	}
	if notes == "" {
		notes = fmt.Sprintf("Stock %s (%+d)", kind, delta)
	}
	if err := l.Store.UpdateProductStock(ctx, productID, p.StockQuantity, to); err != nil {
		return InventoryTransaction{}, stepError(StepUpdateProductStock, err)
	}

	tx := InventoryTransaction{
		ID:             TransactionID(l.NewID()),
		ProductID:      productID,
		Kind:           kind,
		QuantityChange: delta,
		Notes:          notes,
		TotalPrice:     decimal.Zero,
		AmountPaid:     decimal.Zero,
		CreatedAt:      l.Now(),
	}
	if err := l.Store.InsertInventoryTransaction(ctx, tx); err != nil {
		return InventoryTransaction{}, l.undoStock(ctx, productID, to, p.StockQuantity,
			stepError(StepInsertInventoryTransaction, err))
	}
	return tx, nil
}

// History returns a product's inventory rows, newest first.
func (l *StockLedger) History(ctx context.Context, productID ProductID) ([]InventoryTransaction, error) {
	rows, err := l.Store.ListInventoryTransactions(ctx, InventoryFilter{ProductID: productID})
	if err != nil {
		return nil, stepError(StepListInventoryTransactions, err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return rows, nil
}

// Outstanding returns the quantity sold minus the quantity already reversed
// across rows sharing one (product, reference) pair.
func Outstanding(rows []InventoryTransaction) int {
	n := 0
	for _, row := range rows {
		// Sales are negative, reversals positive.
		if row.Kind == InventorySale || row.Kind == InventoryReversal {
			n -= row.QuantityChange
		}
	}
	return n
}

// FilterLowStock returns the products at or under their alert threshold.
func FilterLowStock(products []Product) []Product {
	var out []Product
	for _, p := range products {
		if p.IsLowStock() {
			out = append(out, p)
		}
	}
	return out
}

func (l *StockLedger) undoStock(ctx context.Context, id ProductID, from, to int, original error) error {
	if err := l.Store.UpdateProductStock(context.WithoutCancel(ctx), id, from, to); err != nil {
		return &CompensationError{Step: StepUpdateProductStock, Cause: err, Original: original}
	}
	return original
}
