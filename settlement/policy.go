package settlement

import "github.com/shopspring/decimal"

// CreditPolicy decides whether a customer may take on the debt an allocation
// implies. It runs in the pre-flight pass, before any mutation.
type CreditPolicy interface {
	CheckCredit(c Customer, alloc Allocation) error
}

// UnlimitedCredit accepts any resulting balance. Negative balances still
// surface WarningNegativeBalance.
type UnlimitedCredit struct{}

func (UnlimitedCredit) CheckCredit(Customer, Allocation) error { return nil }

// CreditLimit rejects settlements that would leave the customer owing more
// than Limit. Settlements that do not worsen the balance are always accepted,
// so a customer already past the limit can still pay down debt.
type CreditLimit struct {
	Limit decimal.Decimal
}

func (p CreditLimit) CheckCredit(c Customer, alloc Allocation) error {
	if !alloc.BalanceDelta().IsNegative() {
		return nil
	}
	after := alloc.BalanceAfter(c.Balance)
	if after.LessThan(p.Limit.Neg()) {
		return &CreditLimitError{CustomerID: c.ID, Limit: p.Limit, BalanceAfter: after}
	}
	return nil
}
