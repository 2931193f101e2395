package api

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MoneyFormatter renders amounts for display, e.g. "EGP 1,250.00".
// Stored and transmitted amounts are never rounded; only the display is.
type MoneyFormatter struct {
	unit    currency.Unit
	printer *message.Printer
}

func NewMoneyFormatter(unit currency.Unit, tag language.Tag) *MoneyFormatter {
	return &MoneyFormatter{unit: unit, printer: message.NewPrinter(tag)}
}

func (f *MoneyFormatter) Format(d decimal.Decimal) string {
	v, _ := d.Round(2).Float64()
	return f.printer.Sprintf("%s %.2f", f.unit.String(), v)
}

func (f *MoneyFormatter) Currency() string {
	return f.unit.String()
}
