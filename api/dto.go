/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("12.50"). Responses carry a Display
  block with the same amounts formatted in the configured currency.

VALIDATION:
  Request shape (required fields, known payment methods) is checked with
  go-playground/validator struct tags. Business rules (stock, tender,
  credit) stay in the engine so its error codes reach the client.

SEE ALSO:
  - handlers.go: Uses these types
  - format.go: Display strings
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/elruby/settlement-engine/settlement"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateOrderRequest settles (or previews) an order. Omit customer_id for walk-in.
type CreateOrderRequest struct {
	OrderID    string              `json:"order_id,omitempty"`
	CustomerID string              `json:"customer_id,omitempty"`
	Items      []OrderItemRequest  `json:"items" validate:"required,min=1,dive"`
	Payments   []PaymentRequestDTO `json:"payments" validate:"dive"`
	Notes      string              `json:"notes,omitempty" validate:"max=500"`
}

type OrderItemRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type PaymentRequestDTO struct {
	Method    string          `json:"method" validate:"required,oneof=cash customer_balance credit_card debit_card"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty" validate:"max=100"`
}

func (r CreateOrderRequest) toEngine() settlement.OrderRequest {
	req := settlement.OrderRequest{
		OrderID:    settlement.OrderID(r.OrderID),
		CustomerID: settlement.CustomerID(r.CustomerID),
		Notes:      r.Notes,
	}
	for _, it := range r.Items {
		req.Items = append(req.Items, settlement.ItemRequest{
			ProductID: settlement.ProductID(it.ProductID),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	for _, p := range r.Payments {
		req.Payments = append(req.Payments, settlement.PaymentRequest{
			Method:    settlement.PaymentMethod(p.Method),
			Amount:    p.Amount,
			Reference: p.Reference,
		})
	}
	return req
}

type CreateProductRequest struct {
	ID                string          `json:"id" validate:"required"`
	Name              string          `json:"name" validate:"required"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category,omitempty"`
	Price             decimal.Decimal `json:"price"`
	Cost              decimal.Decimal `json:"cost"`
	StockQuantity     int             `json:"stock_quantity" validate:"gte=0"`
	LowStockThreshold int             `json:"low_stock_threshold" validate:"gte=0"`
}

type CreateCustomerRequest struct {
	ID      string          `json:"id" validate:"required"`
	Name    string          `json:"name" validate:"required"`
	Phone   string          `json:"phone,omitempty"`
	Notes   string          `json:"notes,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

// StockAdjustmentRequest restocks (delta > 0) or corrects (delta < 0) a product.
type StockAdjustmentRequest struct {
	Delta int    `json:"delta"`
	Notes string `json:"notes,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type OrderDTO struct {
	ID          string          `json:"id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  string          `json:"customer_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	Display     MoneyDisplay    `json:"display"`
}

type OrderItemDTO struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type PaymentDTO struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type AllocationDTO struct {
	OrderTotal            decimal.Decimal `json:"order_total"`
	CashPaid              decimal.Decimal `json:"cash_paid"`
	BalanceUsed           decimal.Decimal `json:"balance_used"`
	CardPaid              decimal.Decimal `json:"card_paid"`
	RemainingAfterBalance decimal.Decimal `json:"remaining_after_balance"`
	CashOverpayment       decimal.Decimal `json:"cash_overpayment"`
	CashShortfall         decimal.Decimal `json:"cash_shortfall"`
	TotalPaid             decimal.Decimal `json:"total_paid"`
	BalanceDelta          decimal.Decimal `json:"balance_delta"`
	Methods               string          `json:"methods"`
}

// SettlementDTO answers both settle and preview.
type SettlementDTO struct {
	State         string          `json:"state"`
	Order         OrderDTO        `json:"order"`
	Items         []OrderItemDTO  `json:"items"`
	Payments      []PaymentDTO    `json:"payments"`
	Allocation    AllocationDTO   `json:"allocation"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Warnings      []string        `json:"warnings"`
	Display       MoneyDisplay    `json:"display"`
}

type OrderDetailDTO struct {
	Order    OrderDTO       `json:"order"`
	Items    []OrderItemDTO `json:"items"`
	Payments []PaymentDTO   `json:"payments"`
}

type ReversalDTO struct {
	OrderDetailDTO
	BalanceBefore decimal.Decimal           `json:"balance_before"`
	BalanceAfter  decimal.Decimal           `json:"balance_after"`
	RestoredStock []InventoryTransactionDTO `json:"restored_stock"`
}

type ProductDTO struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category,omitempty"`
	Price             decimal.Decimal `json:"price"`
	Cost              decimal.Decimal `json:"cost"`
	StockQuantity     int             `json:"stock_quantity"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	LowStock          bool            `json:"low_stock"`
	Display           MoneyDisplay    `json:"display"`
}

type CustomerDTO struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Phone   string          `json:"phone,omitempty"`
	Notes   string          `json:"notes,omitempty"`
	Balance decimal.Decimal `json:"balance"`
	HasDebt bool            `json:"has_debt"`
	Display MoneyDisplay    `json:"display"`
}

type InventoryTransactionDTO struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	Kind           string          `json:"kind"`
	QuantityChange int             `json:"quantity_change"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	CreatedAt      string          `json:"created_at"`
}

type CustomerTransactionDTO struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id,omitempty"`
	InvoiceNumber   string          `json:"invoice_number,omitempty"`
	TransactionDate string          `json:"transaction_date"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	Type            string          `json:"transaction_type"`
	Description     string          `json:"description,omitempty"`
}

// MoneyDisplay holds formatted amounts keyed by field name.
type MoneyDisplay map[string]string

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (h *Handler) orderDTO(o settlement.Order) OrderDTO {
	return OrderDTO{
		ID:          string(o.ID),
		OrderNumber: o.OrderNumber,
		CustomerID:  string(o.CustomerID),
		TotalAmount: o.TotalAmount,
		PaidAmount:  o.PaidAmount,
		Notes:       o.Notes,
		CreatedAt:   formatTime(o.CreatedAt),
		Display: MoneyDisplay{
			"total_amount": h.Money.Format(o.TotalAmount),
			"paid_amount":  h.Money.Format(o.PaidAmount),
		},
	}
}

func orderItemDTOs(items []settlement.OrderItem) []OrderItemDTO {
	out := make([]OrderItemDTO, len(items))
	for i, it := range items {
		out[i] = OrderItemDTO{
			ID:         it.ID,
			ProductID:  string(it.ProductID),
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
		}
	}
	return out
}

func paymentDTOs(payments []settlement.Payment) []PaymentDTO {
	out := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		out[i] = PaymentDTO{ID: string(p.ID), Method: string(p.Method), Amount: p.Amount, Reference: p.Reference}
	}
	return out
}

func allocationDTO(a settlement.Allocation) AllocationDTO {
	return AllocationDTO{
		OrderTotal:            a.OrderTotal,
		CashPaid:              a.CashPaid,
		BalanceUsed:           a.BalanceUsed,
		CardPaid:              a.CardPaid,
		RemainingAfterBalance: a.RemainingAfterBalance,
		CashOverpayment:       a.CashOverpayment,
		CashShortfall:         a.CashShortfall,
		TotalPaid:             a.TotalPaid,
		BalanceDelta:          a.BalanceDelta(),
		Methods:               a.MethodSummary(),
	}
}

func (h *Handler) settlementDTO(st *settlement.Settlement) SettlementDTO {
	warnings := make([]string, len(st.Warnings))
	for i, w := range st.Warnings {
		warnings[i] = string(w)
	}
	return SettlementDTO{
		State:         string(st.State),
		Order:         h.orderDTO(st.Order),
		Items:         orderItemDTOs(st.Items),
		Payments:      paymentDTOs(st.Payments),
		Allocation:    allocationDTO(st.Allocation),
		BalanceBefore: st.BalanceBefore,
		BalanceAfter:  st.BalanceAfter,
		Warnings:      warnings,
		Display: MoneyDisplay{
			"total_paid":     h.Money.Format(st.Allocation.TotalPaid),
			"balance_before": h.Money.Format(st.BalanceBefore),
			"balance_after":  h.Money.Format(st.BalanceAfter),
		},
	}
}

func (h *Handler) orderDetailDTO(d *settlement.OrderDetail) OrderDetailDTO {
	return OrderDetailDTO{
		Order:    h.orderDTO(d.Order),
		Items:    orderItemDTOs(d.Items),
		Payments: paymentDTOs(d.Payments),
	}
}

func (h *Handler) productDTO(p settlement.Product) ProductDTO {
	return ProductDTO{
		ID:                string(p.ID),
		Name:              p.Name,
		Description:       p.Description,
		Category:          p.Category,
		Price:             p.Price,
		Cost:              p.Cost,
		StockQuantity:     p.StockQuantity,
		LowStockThreshold: p.LowStockThreshold,
		LowStock:          p.IsLowStock(),
		Display:           MoneyDisplay{"price": h.Money.Format(p.Price)},
	}
}

func (h *Handler) customerDTO(c settlement.Customer) CustomerDTO {
	return CustomerDTO{
		ID:      string(c.ID),
		Name:    c.Name,
		Phone:   c.Phone,
		Notes:   c.Notes,
		Balance: c.Balance,
		HasDebt: c.HasDebt(),
		Display: MoneyDisplay{"balance": h.Money.Format(c.Balance)},
	}
}

func inventoryDTOs(rows []settlement.InventoryTransaction) []InventoryTransactionDTO {
	out := make([]InventoryTransactionDTO, len(rows))
	for i, r := range rows {
		out[i] = InventoryTransactionDTO{
			ID:             string(r.ID),
			ProductID:      string(r.ProductID),
			Kind:           string(r.Kind),
			QuantityChange: r.QuantityChange,
			ReferenceID:    r.ReferenceID,
			Notes:          r.Notes,
			TotalPrice:     r.TotalPrice,
			CreatedAt:      formatTime(r.CreatedAt),
		}
	}
	return out
}

func customerTxDTOs(rows []settlement.CustomerTransaction) []CustomerTransactionDTO {
	out := make([]CustomerTransactionDTO, len(rows))
	for i, r := range rows {
		out[i] = CustomerTransactionDTO{
			ID:              string(r.ID),
			OrderID:         string(r.OrderID),
			InvoiceNumber:   r.InvoiceNumber,
			TransactionDate: formatTime(r.TransactionDate),
			AmountPaid:      r.AmountPaid,
			BalanceAfter:    r.BalanceAfter,
			PaymentMethod:   r.PaymentMethod,
			Type:            string(r.Type),
			Description:     r.Description,
		}
	}
	return out
}
