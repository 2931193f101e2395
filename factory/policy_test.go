package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/factory"
	"github.com/elruby/settlement-engine/settlement"
)

func TestParsePolicy_Defaults(t *testing.T) {
	policy, err := factory.NewPolicyFactory().ParsePolicy(`{"id": "p", "name": "Plain"}`)
	require.NoError(t, err)

	assert.Equal(t, "EGP", policy.Currency.String())
	assert.IsType(t, settlement.UnlimitedCredit{}, policy.Credit)
	assert.False(t, policy.Allocator.CardsSettleAsCash)
	assert.Equal(t, settlement.DefaultStepTimeout, policy.StepTimeout)
	assert.Equal(t, settlement.DefaultCompensationTimeout, policy.CompensationTimeout)
	assert.Equal(t, factory.DefaultLockTTL, policy.LockTTL)
}

func TestParsePolicy_FullDocument(t *testing.T) {
	// GIVEN: A document setting every field
	// WHEN: Parsing it and applying it to engine options
	// THEN: The options carry the credit limit, tender rule and timeouts

	doc := `{
		"id": "corner-shop",
		"name": "Corner shop",
		"currency": "usd",
		"credit": {"type": "limit", "limit": "250.50"},
		"tender": {"cards_settle_as_cash": true},
		"timeouts": {"step": "2s", "compensation": "45s", "lock_ttl": "1m"}
	}`
	policy, err := factory.NewPolicyFactory().ParsePolicy(doc)
	require.NoError(t, err)

	assert.Equal(t, "USD", policy.Currency.String())
	limit, ok := policy.Credit.(settlement.CreditLimit)
	require.True(t, ok)
	assert.True(t, limit.Limit.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, time.Minute, policy.LockTTL)

	opts := policy.Apply(settlement.Options{StepTimeout: time.Hour})
	assert.Equal(t, 2*time.Second, opts.StepTimeout)
	assert.Equal(t, 45*time.Second, opts.CompensationTimeout)
	assert.True(t, opts.Allocator.CardsSettleAsCash)
	assert.Equal(t, policy.Credit, opts.Credit)
}

func TestParsePolicy_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed json", `{"id":`},
		{"unknown currency", `{"currency": "ZZZ"}`},
		{"unknown credit type", `{"credit": {"type": "sometimes"}}`},
		{"limit without amount", `{"credit": {"type": "limit"}}`},
		{"negative limit", `{"credit": {"type": "limit", "limit": "-1"}}`},
		{"bad duration", `{"timeouts": {"step": "soon"}}`},
		{"zero duration", `{"timeouts": {"compensation": "0s"}}`},
	}

	f := factory.NewPolicyFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tt.doc)
			require.Error(t, err)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewPolicyFactory()
	original, err := f.ParsePolicy(factory.CreditLimitPolicyJSON("shop", "Shop", "100", "EGP"))
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(original))
	require.NoError(t, err)
	assert.Equal(t, original.Credit, again.Credit)
	assert.Equal(t, original.StepTimeout, again.StepTimeout)
	assert.Equal(t, original.Currency, again.Currency)
}

func TestLoadFile(t *testing.T) {
	f := factory.NewPolicyFactory()

	policy, err := f.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "default", policy.ID)

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "file", "tender": {"cards_settle_as_cash": true}}`), 0o600))
	policy, err = f.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file", policy.ID)
	assert.True(t, policy.Allocator.CardsSettleAsCash)

	_, err = f.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
