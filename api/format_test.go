package api_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/elruby/settlement-engine/api"
)

func TestMoneyFormatter(t *testing.T) {
	f := api.NewMoneyFormatter(currency.MustParseISO("USD"), language.English)

	assert.Equal(t, "USD", f.Currency())
	assert.Equal(t, "USD 7.00", f.Format(decimal.NewFromInt(7)))
	assert.Equal(t, "USD 0.01", f.Format(decimal.RequireFromString("0.005")), "display rounds half away from zero")
	assert.Equal(t, "USD -3.25", f.Format(decimal.RequireFromString("-3.25")))
}
