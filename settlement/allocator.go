package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation splits a payment set into cash and stored-credit components
// relative to an order total. All amounts are non-negative.
//
//	remainingAfterBalance = max(0, orderTotal - balanceUsed)
//	cashOverpayment       = max(0, cashPaid - remainingAfterBalance)
//	cashShortfall         = max(0, remainingAfterBalance - cashPaid)
type Allocation struct {
	OrderTotal            decimal.Decimal
	CashPaid              decimal.Decimal
	BalanceUsed           decimal.Decimal
	CardPaid              decimal.Decimal
	RemainingAfterBalance decimal.Decimal
	CashOverpayment       decimal.Decimal
	CashShortfall         decimal.Decimal
	TotalPaid             decimal.Decimal
	Methods               []PaymentMethod
	Warnings              []Warning
}

// BalanceDelta is the signed change the allocation applies to a customer balance.
func (a Allocation) BalanceDelta() decimal.Decimal {
	return a.CashOverpayment.Sub(a.BalanceUsed).Sub(a.CashShortfall)
}

// BalanceAfter applies the allocation to a balance.
func (a Allocation) BalanceAfter(before decimal.Decimal) decimal.Decimal {
	return ReconcileBalance(before, a.BalanceUsed, a.CashOverpayment, a.CashShortfall)
}

// MethodSummary is the comma-joined list of methods used, for ledger rows.
func (a Allocation) MethodSummary() string {
	parts := make([]string, len(a.Methods))
	for i, m := range a.Methods {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}

func (a Allocation) HasWarning(w Warning) bool {
	for _, x := range a.Warnings {
		if x == w {
			return true
		}
	}
	return false
}

// Warning is a non-fatal condition surfaced to the caller.
type Warning string

const (
	// WarningBalanceOverdrawn: more stored credit was used than the customer held.
	WarningBalanceOverdrawn Warning = "balance_overdrawn"
	// WarningNegativeBalance: the customer ends the settlement in debt.
	WarningNegativeBalance Warning = "negative_balance"
)

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator is pure: it reads nothing and writes nothing.
type Allocator struct {
	// CardsSettleAsCash counts card tenders as cash, so they offset the
	// shortfall. By default cards only count toward TotalPaid.
	CardsSettleAsCash bool
}

// Allocate validates payments and computes the allocation.
func (al Allocator) Allocate(orderTotal decimal.Decimal, payments []Payment, currentBalance decimal.Decimal, isWalkIn bool) (Allocation, error) {
	for _, p := range payments {
		if !p.Method.Valid() {
			return Allocation{}, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, p.Method)
		}
		if p.Amount.IsNegative() {
			return Allocation{}, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
		}
		// Walk-ins settle at the till: cash or card, never stored credit.
		if isWalkIn && p.Method == MethodCustomerBalance {
			return Allocation{}, ErrInvalidForWalkIn
		}
	}

	a := al.Recompute(orderTotal, payments)

	if isWalkIn {
		if !ApproxEqual(a.TotalPaid, orderTotal) {
			return Allocation{}, fmt.Errorf("%w: paid %s of %s",
				ErrWalkInMustPayFull, a.TotalPaid.StringFixed(2), orderTotal.StringFixed(2))
		}
		return a, nil
	}

	// Only cash may exceed the total; it becomes stored credit.
	nonCash := a.TotalPaid.Sub(al.cashTender(a))
	if nonCash.GreaterThan(orderTotal.Add(Tolerance)) {
		return Allocation{}, fmt.Errorf("%w: %s against %s",
			ErrNonCashOverpayment, nonCash.StringFixed(2), orderTotal.StringFixed(2))
	}

	if a.BalanceUsed.GreaterThan(currentBalance) {
		a.Warnings = append(a.Warnings, WarningBalanceOverdrawn)
	}
	if a.BalanceAfter(currentBalance).IsNegative() {
		a.Warnings = append(a.Warnings, WarningNegativeBalance)
	}
	return a, nil
}

// Recompute derives the allocation components without validating the payment
// set. Deletion uses it on stored payments.
func (al Allocator) Recompute(orderTotal decimal.Decimal, payments []Payment) Allocation {
	a := Allocation{
		OrderTotal:  orderTotal,
		CashPaid:    decimal.Zero,
		BalanceUsed: decimal.Zero,
		CardPaid:    decimal.Zero,
		TotalPaid:   decimal.Zero,
	}
	seen := make(map[PaymentMethod]bool)
	for _, p := range payments {
		switch {
		case p.Method == MethodCash:
			a.CashPaid = a.CashPaid.Add(p.Amount)
		case p.Method == MethodCustomerBalance:
			a.BalanceUsed = a.BalanceUsed.Add(p.Amount)
		case p.Method.IsCard():
			a.CardPaid = a.CardPaid.Add(p.Amount)
		}
		a.TotalPaid = a.TotalPaid.Add(p.Amount)
		if p.Amount.IsPositive() && !seen[p.Method] {
			seen[p.Method] = true
			a.Methods = append(a.Methods, p.Method)
		}
	}

	cash := al.cashTender(a)
	a.RemainingAfterBalance = maxZero(orderTotal.Sub(a.BalanceUsed))
	a.CashOverpayment = maxZero(cash.Sub(a.RemainingAfterBalance))
	a.CashShortfall = maxZero(a.RemainingAfterBalance.Sub(cash))
	return a
}

func (al Allocator) cashTender(a Allocation) decimal.Decimal {
	if al.CardsSettleAsCash {
		return a.CashPaid.Add(a.CardPaid)
	}
	return a.CashPaid
}
