/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes order settlement, deletion and the back-office reads via REST.
  Handlers parse and validate the request, call the engine and serialize
  the result. No business rule lives here.

ENDPOINTS:
  Orders:
    POST   /api/orders                       Settle an order
    POST   /api/orders/preview               Allocation preview, no mutation
    GET    /api/orders                       Recent orders (?limit=50)
    GET    /api/orders/{id}                  Order with items and payments
    DELETE /api/orders/{id}                  Reverse and delete an order

  Products:
    GET    /api/products                     List products
    POST   /api/products                     Create or update a product
    GET    /api/products/low-stock           Products at or under threshold
    POST   /api/products/{id}/adjustments    Restock or correct stock
    GET    /api/products/{id}/transactions   Inventory history, newest first

  Customers:
    GET    /api/customers                    List customers
    POST   /api/customers                    Create or update a customer
    GET    /api/customers/debtors            Customers with a negative balance
    GET    /api/customers/{id}/transactions  Customer statement, newest first

ERROR HANDLING:
  Errors are returned as JSON with a stable code:
  - 400 bad_request:          Malformed body or query
  - 404 not_found:            Unknown product, customer or order
  - 409 conflict:             Reused order id, concurrent writer, lock not obtained
  - 422 validation_failed:    Request shape or business rule rejected
  - 500 compensation_failed:  Rollback failed, state may be partial
  - 503 persistence_failed:   A store call failed and was rolled back

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/elruby/settlement-engine/config"
	"github.com/elruby/settlement-engine/settlement"
)

const defaultOrderLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *settlement.Orchestrator
	Catalog settlement.Catalog
	Money   *MoneyFormatter
	Log     logrus.FieldLogger

	// Ping reports store health; nil means always healthy.
	Ping func(context.Context) error

	validate *validator.Validate
}

func NewHandler(engine *settlement.Orchestrator, catalog settlement.Catalog, money *MoneyFormatter, log logrus.FieldLogger) *Handler {
	return &Handler{
		Engine:   engine,
		Catalog:  catalog,
		Money:    money,
		Log:      log,
		validate: validator.New(),
	}
}

// Health reports liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "persistence_failed", "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "currency": h.Money.Currency()})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder settles an order.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	st, err := h.Engine.Settle(r.Context(), req.toEngine())
	if err != nil {
		h.writeEngineError(w, "CreateOrder", "Failed to settle order", req.OrderID, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.settlementDTO(st))
}

// PreviewOrder computes the allocation and projected balance without side effects.
// POST /api/orders/preview
func (h *Handler) PreviewOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	st, err := h.Engine.Preview(r.Context(), req.toEngine())
	if err != nil {
		h.writeEngineError(w, "PreviewOrder", "Failed to preview order", req.OrderID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.settlementDTO(st))
}

// ListOrders returns the most recent orders.
// GET /api/orders?limit=50
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultOrderLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	orders, err := h.Catalog.ListOrders(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "ListOrders", "Failed to list orders", nil, err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = h.orderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrder returns an order with its items and payments.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := settlement.OrderID(chi.URLParam(r, "id"))

	detail, err := h.Engine.Order(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "GetOrder", "Failed to get order", id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orderDetailDTO(detail))
}

// DeleteOrder reverses the order's balance and stock effects, then deletes it.
// DELETE /api/orders/{id}
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id := settlement.OrderID(chi.URLParam(r, "id"))

	rev, err := h.Engine.Delete(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "DeleteOrder", "Failed to delete order", id, err)
		return
	}
	writeJSON(w, http.StatusOK, ReversalDTO{
		OrderDetailDTO: h.orderDetailDTO(&rev.OrderDetail),
		BalanceBefore:  rev.BalanceBefore,
		BalanceAfter:   rev.BalanceAfter,
		RestoredStock:  inventoryDTOs(rev.RestoredStock),
	})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns all products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Catalog.ListProducts(r.Context())
	if err != nil {
		h.writeEngineError(w, "ListProducts", "Failed to list products", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, h.productDTOs(products))
}

// LowStock returns products at or under their alert threshold.
func (h *Handler) LowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.Catalog.ListProducts(r.Context())
	if err != nil {
		h.writeEngineError(w, "LowStock", "Failed to list products", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, h.productDTOs(settlement.FilterLowStock(products)))
}

// CreateProduct creates a product or updates its master data.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Price.IsNegative() || req.Cost.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "price and cost must not be negative", nil)
		return
	}

	p := settlement.Product{
		ID:                settlement.ProductID(req.ID),
		Name:              req.Name,
		Description:       req.Description,
		Category:          req.Category,
		Price:             req.Price,
		Cost:              req.Cost,
		StockQuantity:     req.StockQuantity,
		LowStockThreshold: req.LowStockThreshold,
	}
	if err := h.Catalog.SaveProduct(r.Context(), p); err != nil {
		h.writeEngineError(w, "CreateProduct", "Failed to save product", req.ID, err)
		return
	}
	// An existing product keeps its stock; report what was stored.
	stored, err := h.Engine.Stock().Store.GetProduct(r.Context(), p.ID)
	if err != nil {
		h.writeEngineError(w, "CreateProduct", "Failed to read product", req.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.productDTO(stored))
}

// AdjustStock restocks or corrects a product's stock.
// POST /api/products/{id}/adjustments
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	id := settlement.ProductID(chi.URLParam(r, "id"))
	var req StockAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.AdjustStock(r.Context(), id, req.Delta, req.Notes)
	if err != nil {
		h.writeEngineError(w, "AdjustStock", "Failed to adjust stock", id, err)
		return
	}
	writeJSON(w, http.StatusCreated, inventoryDTOs([]settlement.InventoryTransaction{tx})[0])
}

// ProductTransactions returns a product's inventory ledger, newest first.
func (h *Handler) ProductTransactions(w http.ResponseWriter, r *http.Request) {
	id := settlement.ProductID(chi.URLParam(r, "id"))

	rows, err := h.Engine.Stock().History(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "ProductTransactions", "Failed to get inventory history", id, err)
		return
	}
	writeJSON(w, http.StatusOK, inventoryDTOs(rows))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns all customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Catalog.ListCustomers(r.Context())
	if err != nil {
		h.writeEngineError(w, "ListCustomers", "Failed to list customers", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, h.customerDTOs(customers))
}

// Debtors returns customers owing money.
func (h *Handler) Debtors(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Catalog.ListCustomers(r.Context())
	if err != nil {
		h.writeEngineError(w, "Debtors", "Failed to list customers", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, h.customerDTOs(settlement.FilterDebtors(customers)))
}

// CreateCustomer creates a customer or updates its contact data.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := settlement.Customer{
		ID:      settlement.CustomerID(req.ID),
		Name:    req.Name,
		Phone:   req.Phone,
		Notes:   req.Notes,
		Balance: req.Balance,
	}
	if err := h.Catalog.SaveCustomer(r.Context(), c); err != nil {
		h.writeEngineError(w, "CreateCustomer", "Failed to save customer", req.ID, err)
		return
	}
	stored, err := h.Engine.Balances().Store.GetCustomer(r.Context(), c.ID)
	if err != nil {
		h.writeEngineError(w, "CreateCustomer", "Failed to read customer", req.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.customerDTO(stored))
}

// CustomerTransactions returns a customer's statement, newest first.
func (h *Handler) CustomerTransactions(w http.ResponseWriter, r *http.Request) {
	id := settlement.CustomerID(chi.URLParam(r, "id"))

	rows, err := h.Engine.Balances().Statement(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "CustomerTransactions", "Failed to get statement", id, err)
		return
	}
	writeJSON(w, http.StatusOK, customerTxDTOs(rows))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) productDTOs(products []settlement.Product) []ProductDTO {
	out := make([]ProductDTO, len(products))
	for i, p := range products {
		out[i] = h.productDTO(p)
	}
	return out
}

func (h *Handler) customerDTOs(customers []settlement.Customer) []CustomerDTO {
	out := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		out[i] = h.customerDTO(c)
	}
	return out
}

// decode reads and validates a JSON body. It writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Invalid request", Code: "validation_failed"}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			resp.Fields = make(map[string]string, len(ve))
			for _, fe := range ve {
				resp.Fields[fe.Namespace()] = fe.Tag()
			}
		} else {
			resp.Details = err.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return false
	}
	return true
}

// statusFor maps the engine's error taxonomy to an HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case settlement.IsCompensationFailure(err):
		return http.StatusInternalServerError, "compensation_failed"
	case settlement.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case settlement.IsConflict(err):
		return http.StatusConflict, "conflict"
	case settlement.IsClientError(err):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, settlement.ErrPersistenceFailure),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "persistence_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, funcName, message string, data any, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		config.LogError(h.Log, "api", funcName, message, data, err)
	}
	writeError(w, status, code, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
