package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReconcileBalance is the settlement formula:
// before - balanceUsed + cashOverpayment - cashShortfall.
func ReconcileBalance(before, balanceUsed, cashOverpayment, cashShortfall decimal.Decimal) decimal.Decimal {
	return before.Sub(balanceUsed).Add(cashOverpayment).Sub(cashShortfall)
}

// RestoreBalance is the exact inverse of ReconcileBalance.
func RestoreBalance(current, balanceUsed, cashOverpayment, cashShortfall decimal.Decimal) decimal.Decimal {
	return current.Add(balanceUsed).Sub(cashOverpayment).Add(cashShortfall)
}

// LedgerRef ties customer ledger rows to an order.
type LedgerRef struct {
	OrderID     OrderID
	OrderNumber string
}

func (r LedgerRef) label() string {
	if r.OrderNumber != "" {
		return r.OrderNumber
	}
	return string(r.OrderID)
}

// Reconciliation is one computed balance change and the ledger row recording it.
type Reconciliation struct {
	CustomerID    CustomerID
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Transaction   CustomerTransaction
}

// BalanceReconciler owns customer balances and the customer ledger.
// Walk-in orders never reach it.
type BalanceReconciler struct {
	Store Store
	Now   func() time.Time
	NewID func() string
}

func NewBalanceReconciler(store Store) *BalanceReconciler {
	return &BalanceReconciler{Store: store, Now: time.Now, NewID: uuid.NewString}
}

// Compute builds the reconciliation without touching the store.
func (r *BalanceReconciler) Compute(customerID CustomerID, before decimal.Decimal, alloc Allocation, ref LedgerRef) Reconciliation {
	after := alloc.BalanceAfter(before)
	return Reconciliation{
		CustomerID:    customerID,
		BalanceBefore: before,
		BalanceAfter:  after,
		Transaction: CustomerTransaction{
			ID:              TransactionID(r.NewID()),
			CustomerID:      customerID,
			OrderID:         ref.OrderID,
			InvoiceNumber:   ref.OrderNumber,
			TransactionDate: r.Now(),
			AmountPaid:      alloc.TotalPaid,
			BalanceAfter:    after,
			PaymentMethod:   alloc.MethodSummary(),
			Type:            CustomerTxOrder,
			Description:     "Order " + ref.label(),
		},
	}
}

// Apply writes the new balance, failing if the stored balance moved since it was read.
func (r *BalanceReconciler) Apply(ctx context.Context, rec Reconciliation) error {
	return stepError(StepUpdateCustomerBalance,
		r.Store.UpdateCustomerBalance(ctx, rec.CustomerID, rec.BalanceBefore, rec.BalanceAfter))
}

// Revert undoes Apply.
func (r *BalanceReconciler) Revert(ctx context.Context, rec Reconciliation) error {
	return stepError(StepUpdateCustomerBalance,
		r.Store.UpdateCustomerBalance(ctx, rec.CustomerID, rec.BalanceAfter, rec.BalanceBefore))
}

// Record appends the reconciliation's ledger row.
func (r *BalanceReconciler) Record(ctx context.Context, rec Reconciliation) error {
	return stepError(StepInsertCustomerTransaction, r.Store.InsertCustomerTransaction(ctx, rec.Transaction))
}

// Reconcile computes, applies and records in one call. If the ledger row
// cannot be written the balance change is undone.
func (r *BalanceReconciler) Reconcile(ctx context.Context, customerID CustomerID, before decimal.Decimal, alloc Allocation, ref LedgerRef) (Reconciliation, error) {
	rec := r.Compute(customerID, before, alloc, ref)
	if err := r.Apply(ctx, rec); err != nil {
		return Reconciliation{}, err
	}
	if err := r.Record(ctx, rec); err != nil {
		if uerr := r.Revert(context.WithoutCancel(ctx), rec); uerr != nil {
			return Reconciliation{}, &CompensationError{Step: StepRevertBalance, Cause: uerr, Original: err}
		}
		return Reconciliation{}, err
	}
	return rec, nil
}

// Reverse undoes the balance effect of a settled order, given the allocation
// recomputed from its stored payments. The reversal row written alongside
// makes it idempotent: a second call for the same order returns nil.
func (r *BalanceReconciler) Reverse(ctx context.Context, customerID CustomerID, alloc Allocation, ref LedgerRef) (*Reconciliation, error) {
	rows, err := r.Store.ListCustomerTransactions(ctx, CustomerTxFilter{CustomerID: customerID, OrderID: ref.OrderID})
	if err != nil {
		return nil, stepError(StepListCustomerTransactions, err)
	}
	for _, row := range rows {
		if row.Type == CustomerTxReversal {
			return nil, nil
		}
	}

	c, err := r.Store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, stepError(StepGetCustomer, err)
	}
	rec := Reconciliation{
		CustomerID:    customerID,
		BalanceBefore: c.Balance,
		BalanceAfter:  RestoreBalance(c.Balance, alloc.BalanceUsed, alloc.CashOverpayment, alloc.CashShortfall),
	}
	rec.Transaction = CustomerTransaction{
		ID:              TransactionID(r.NewID()),
		CustomerID:      customerID,
		OrderID:         ref.OrderID,
		InvoiceNumber:   ref.OrderNumber,
		TransactionDate: r.Now(),
		AmountPaid:      decimal.Zero,
		BalanceAfter:    rec.BalanceAfter,
		PaymentMethod:   alloc.MethodSummary(),
		Type:            CustomerTxReversal,
		Description:     fmt.Sprintf("Reversal of order %s", ref.label()),
	}

	if err := r.Apply(ctx, rec); err != nil {
		return nil, err
	}
	if err := r.Record(ctx, rec); err != nil {
		if uerr := r.Revert(context.WithoutCancel(ctx), rec); uerr != nil {
			return nil, &CompensationError{Step: StepRevertBalance, Cause: uerr, Original: err}
		}
		return nil, err
	}
	return &rec, nil
}

// Statement returns a customer's ledger rows, newest first.
func (r *BalanceReconciler) Statement(ctx context.Context, customerID CustomerID) ([]CustomerTransaction, error) {
	rows, err := r.Store.ListCustomerTransactions(ctx, CustomerTxFilter{CustomerID: customerID})
	if err != nil {
		return nil, stepError(StepListCustomerTransactions, err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].TransactionDate.After(rows[j].TransactionDate) })
	return rows, nil
}

// FilterDebtors returns the customers with a negative balance.
func FilterDebtors(customers []Customer) []Customer {
	var out []Customer
	for _, c := range customers {
		if c.HasDebt() {
			out = append(out, c)
		}
	}
	return out
}
