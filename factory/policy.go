/*
Package factory provides JSON to Go settlement policy conversion.

PURPOSE:
  Converts a JSON policy document into the settlement engine's policies:
  the credit policy, the tender rule of the Payment Allocator, the per-step
  and compensation timeouts, the lock TTL and the display currency. Shops
  can change these without a rebuild.

JSON SCHEMA:
  {
    "id": "corner-shop",
    "name": "Corner shop",
    "currency": "EGP",
    "credit": {"type": "limit", "limit": "500.00"},
    "tender": {"cards_settle_as_cash": false},
    "timeouts": {"step": "10s", "compensation": "30s", "lock_ttl": "30s"}
  }

DEFAULTS:
  Every field is optional. A missing "credit" means unlimited credit, missing
  timeouts take the engine defaults, a missing currency is EGP.

USAGE:
  policy, err := factory.NewPolicyFactory().ParsePolicy(jsonString)
  opts := policy.Apply(settlement.Options{Logger: logger})
  engine := settlement.NewOrchestrator(store, opts)

SEE ALSO:
  - settlement/policy.go: CreditPolicy implementations
  - settlement/allocator.go: Tender rule
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/elruby/settlement-engine/settlement"
)

const (
	DefaultCurrency = "EGP"
	DefaultLockTTL  = 30 * time.Second
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a settlement policy.
type PolicyJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Currency string        `json:"currency,omitempty"`
	Credit   *CreditJSON   `json:"credit,omitempty"`
	Tender   *TenderJSON   `json:"tender,omitempty"`
	Timeouts *TimeoutsJSON `json:"timeouts,omitempty"`
}

// CreditJSON selects the credit policy. Type is "unlimited" or "limit".
type CreditJSON struct {
	Type  string           `json:"type"`
	Limit *decimal.Decimal `json:"limit,omitempty"`
}

type TenderJSON struct {
	CardsSettleAsCash bool `json:"cards_settle_as_cash"`
}

// TimeoutsJSON holds Go duration strings ("250ms", "10s").
type TimeoutsJSON struct {
	Step         string `json:"step,omitempty"`
	Compensation string `json:"compensation,omitempty"`
	LockTTL      string `json:"lock_ttl,omitempty"`
}

// =============================================================================
// POLICY
// =============================================================================

// Policy is a parsed, validated settlement policy.
type Policy struct {
	ID                  string
	Name                string
	Currency            currency.Unit
	Credit              settlement.CreditPolicy
	Allocator           settlement.Allocator
	StepTimeout         time.Duration
	CompensationTimeout time.Duration
	LockTTL             time.Duration
}

// Apply copies the policy into engine options. Fields already set on opts
// (Logger, Locker, Tracer, clocks) are kept.
func (p *Policy) Apply(opts settlement.Options) settlement.Options {
	opts.Credit = p.Credit
	opts.Allocator = p.Allocator
	opts.StepTimeout = p.StepTimeout
	opts.CompensationTimeout = p.CompensationTimeout
	return opts
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// LoadFile reads a policy document from disk. An empty path yields the
// default policy.
func (f *PolicyFactory) LoadFile(path string) (*Policy, error) {
	if path == "" {
		return f.FromJSON(PolicyJSON{ID: "default", Name: "Default"})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicy(string(data))
}

// FromJSON validates PolicyJSON and fills defaults.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*Policy, error) {
	cur, err := parseCurrency(pj.Currency)
	if err != nil {
		return nil, err
	}
	credit, err := parseCredit(pj.Credit)
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		ID:                  pj.ID,
		Name:                pj.Name,
		Currency:            cur,
		Credit:              credit,
		StepTimeout:         settlement.DefaultStepTimeout,
		CompensationTimeout: settlement.DefaultCompensationTimeout,
		LockTTL:             DefaultLockTTL,
	}
	if pj.Tender != nil {
		policy.Allocator.CardsSettleAsCash = pj.Tender.CardsSettleAsCash
	}
	if t := pj.Timeouts; t != nil {
		if err := parseDuration("step", t.Step, &policy.StepTimeout); err != nil {
			return nil, err
		}
		if err := parseDuration("compensation", t.Compensation, &policy.CompensationTimeout); err != nil {
			return nil, err
		}
		if err := parseDuration("lock_ttl", t.LockTTL, &policy.LockTTL); err != nil {
			return nil, err
		}
	}
	return policy, nil
}

// ToJSON converts a Policy back to its document form.
func (f *PolicyFactory) ToJSON(p *Policy) PolicyJSON {
	pj := PolicyJSON{
		ID:       p.ID,
		Name:     p.Name,
		Currency: p.Currency.String(),
		Tender:   &TenderJSON{CardsSettleAsCash: p.Allocator.CardsSettleAsCash},
		Timeouts: &TimeoutsJSON{
			Step:         p.StepTimeout.String(),
			Compensation: p.CompensationTimeout.String(),
			LockTTL:      p.LockTTL.String(),
		},
	}
	switch c := p.Credit.(type) {
	case settlement.CreditLimit:
		limit := c.Limit
		pj.Credit = &CreditJSON{Type: "limit", Limit: &limit}
	default:
		pj.Credit = &CreditJSON{Type: "unlimited"}
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseCurrency(s string) (currency.Unit, error) {
	if s == "" {
		s = DefaultCurrency
	}
	cur, err := currency.ParseISO(strings.ToUpper(s))
	if err != nil {
		return currency.Unit{}, fmt.Errorf("invalid currency %q: %w", s, err)
	}
	return cur, nil
}

func parseCredit(cj *CreditJSON) (settlement.CreditPolicy, error) {
	if cj == nil {
		return settlement.UnlimitedCredit{}, nil
	}
	switch cj.Type {
	case "", "unlimited":
		return settlement.UnlimitedCredit{}, nil
	case "limit":
		if cj.Limit == nil {
			return nil, fmt.Errorf("credit limit policy requires limit")
		}
		if cj.Limit.IsNegative() {
			return nil, fmt.Errorf("credit limit must not be negative: %s", cj.Limit)
		}
		return settlement.CreditLimit{Limit: *cj.Limit}, nil
	default:
		return nil, fmt.Errorf("unknown credit policy type: %s", cj.Type)
	}
}

func parseDuration(field, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s timeout: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s timeout must be positive: %s", field, s)
	}
	*dst = d
	return nil
}

// =============================================================================
// PRESET POLICIES
// =============================================================================

// CreditLimitPolicyJSON builds a policy document that caps customer debt.
func CreditLimitPolicyJSON(id, name, limit, currencyCode string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"currency": %q,
		"credit": {"type": "limit", "limit": %q}
	}`, id, name, currencyCode, limit)
}
