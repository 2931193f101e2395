/*
Package sqlstore provides a database/sql implementation of the settlement port.

PURPOSE:
  Implements settlement.Store and settlement.Catalog on SQLite (mattn/go-sqlite3)
  or PostgreSQL (jackc/pgx stdlib). Queries are written once with ? placeholders
  and rebound to $n for PostgreSQL.

INTERFACES IMPLEMENTED:
  settlement.Store:   Products, customers, orders and both ledgers
  settlement.Catalog: Master data and listings

KEY TABLES:
  products, customers:     Mutable records (stock, balance)
  orders, order_items,
  payments:                Persisted settlements
  inventory_transactions:  Append-only stock ledger, never deleted
  customer_transactions:   Customer ledger, removed only with its order
  counters:                Order number sequence

COMPARE-AND-SET:
  Stock is compared in the UPDATE's WHERE clause. Balances are TEXT decimals,
  so they are read, compared as decimals and written inside one transaction
  (SELECT ... FOR UPDATE on PostgreSQL).

CONCURRENCY:
  SQLite is limited to a single open connection, so every statement is
  serialised by the pool. Multi-statement writes (item batches, payments,
  cascade delete, order numbers) each run in their own transaction; no
  transaction spans two port calls.

USAGE:
  store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, "./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settlement/store.go: Port definition
  - settlement/store/memory.go: In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/elruby/settlement-engine/settlement"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Fixed-width UTC timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the settlement port over database/sql.
type Store struct {
	db       *sql.DB
	driver   string
	numbered bool
}

// Open connects and migrates. For SQLite, dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
		db, err = sql.Open(DriverSQLite, dsn)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, driver: driver, numbered: driver == DriverPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL,
		cost TEXT NOT NULL,
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		customer_id TEXT REFERENCES customers(id),
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);

	CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		total_price TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		customer_id TEXT,
		amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);

	-- Append-only. Rows outlive their order so restores stay idempotent.
	CREATE TABLE IF NOT EXISTS inventory_transactions (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		kind TEXT NOT NULL,
		quantity_change INTEGER NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		total_price TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inventory_product_ref ON inventory_transactions(product_id, reference_id);
	CREATE INDEX IF NOT EXISTS idx_inventory_ref ON inventory_transactions(reference_id);

	-- No FK to orders: the row is written before its order exists.
	CREATE TABLE IF NOT EXISTS customer_transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		order_id TEXT NOT NULL DEFAULT '',
		invoice_number TEXT NOT NULL DEFAULT '',
		transaction_date TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		transaction_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_customer_tx_customer ON customer_transactions(customer_id, transaction_date);
	CREATE INDEX IF NOT EXISTS idx_customer_tx_order ON customer_transactions(order_id);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT INTO counters (name, value) VALUES ('order_number', 0) ON CONFLICT (name) DO NOTHING;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// PRODUCTS & INVENTORY LEDGER
// =============================================================================

const productColumns = `id, name, description, category, price, cost, stock_quantity, low_stock_threshold`

func (s *Store) GetProduct(ctx context.Context, id settlement.ProductID) (settlement.Product, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+productColumns+` FROM products WHERE id = ?`), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Product{}, fmt.Errorf("%w: %s", settlement.ErrProductNotFound, id)
	}
	return p, err
}

func (s *Store) UpdateProductStock(ctx context.Context, id settlement.ProductID, from, to int) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE products SET stock_quantity = ?, updated_at = ? WHERE id = ? AND stock_quantity = ?`),
		to, now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetProduct(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: product %s stock is no longer %d", settlement.ErrConcurrentModification, id, from)
}

func (s *Store) InsertInventoryTransaction(ctx context.Context, tx settlement.InventoryTransaction) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inventory_transactions
		(id, product_id, kind, quantity_change, reference_id, notes, total_price, amount_paid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tx.ID, tx.ProductID, tx.Kind, tx.QuantityChange, tx.ReferenceID, tx.Notes,
		tx.TotalPrice.String(), tx.AmountPaid.String(), formatTime(tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert inventory transaction: %w", err)
	}
	return nil
}

func (s *Store) ListInventoryTransactions(ctx context.Context, f settlement.InventoryFilter) ([]settlement.InventoryTransaction, error) {
	var (
		where []string
		args  []any
	)
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.ReferenceID != "" {
		where = append(where, "reference_id = ?")
		args = append(args, f.ReferenceID)
	}
	query := `SELECT id, product_id, kind, quantity_change, reference_id, notes, total_price, amount_paid, created_at
		FROM inventory_transactions` + whereClause(where) + ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory transactions: %w", err)
	}
	defer rows.Close()

	var out []settlement.InventoryTransaction
	for rows.Next() {
		var (
			tx                     settlement.InventoryTransaction
			total, paid, createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.ProductID, &tx.Kind, &tx.QuantityChange, &tx.ReferenceID,
			&tx.Notes, &total, &paid, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan inventory transaction: %w", err)
		}
		tx.TotalPrice = settlement.MustParseDecimal(total)
		tx.AmountPaid = settlement.MustParseDecimal(paid)
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// CUSTOMERS & CUSTOMER LEDGER
// =============================================================================

const customerColumns = `id, name, phone, notes, balance`

func (s *Store) GetCustomer(ctx context.Context, id settlement.CustomerID) (settlement.Customer, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+customerColumns+` FROM customers WHERE id = ?`), id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Customer{}, fmt.Errorf("%w: %s", settlement.ErrCustomerNotFound, id)
	}
	return c, err
}

func (s *Store) UpdateCustomerBalance(ctx context.Context, id settlement.CustomerID, from, to decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT balance FROM customers WHERE id = ?`
		if s.driver == DriverPostgres {
			query += ` FOR UPDATE`
		}
		var current string
		err := tx.QueryRowContext(ctx, s.q(query), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", settlement.ErrCustomerNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		if !settlement.MustParseDecimal(current).Equal(from) {
			return fmt.Errorf("%w: customer %s balance is %s, expected %s",
				settlement.ErrConcurrentModification, id, current, from)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE customers SET balance = ?, updated_at = ? WHERE id = ?`),
			to.String(), now(), id)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return nil
	})
}

func (s *Store) InsertCustomerTransaction(ctx context.Context, tx settlement.CustomerTransaction) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO customer_transactions
		(id, customer_id, order_id, invoice_number, transaction_date, amount_paid, balance_after,
		 payment_method, transaction_type, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tx.ID, tx.CustomerID, tx.OrderID, tx.InvoiceNumber, formatTime(tx.TransactionDate),
		tx.AmountPaid.String(), tx.BalanceAfter.String(), tx.PaymentMethod, tx.Type, tx.Description)
	if err != nil {
		return fmt.Errorf("failed to insert customer transaction: %w", err)
	}
	return nil
}

func (s *Store) ListCustomerTransactions(ctx context.Context, f settlement.CustomerTxFilter) ([]settlement.CustomerTransaction, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	query := `SELECT id, customer_id, order_id, invoice_number, transaction_date, amount_paid, balance_after,
		payment_method, transaction_type, description
		FROM customer_transactions` + whereClause(where) + ` ORDER BY transaction_date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer transactions: %w", err)
	}
	defer rows.Close()

	var out []settlement.CustomerTransaction
	for rows.Next() {
		var (
			tx                  settlement.CustomerTransaction
			date, paid, balance string
		)
		if err := rows.Scan(&tx.ID, &tx.CustomerID, &tx.OrderID, &tx.InvoiceNumber, &date, &paid, &balance,
			&tx.PaymentMethod, &tx.Type, &tx.Description); err != nil {
			return nil, fmt.Errorf("failed to scan customer transaction: %w", err)
		}
		tx.TransactionDate = parseTime(date)
		tx.AmountPaid = settlement.MustParseDecimal(paid)
		tx.BalanceAfter = settlement.MustParseDecimal(balance)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// ORDERS
// =============================================================================

func (s *Store) NextOrderNumber(ctx context.Context) (string, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE counters SET value = value + 1 WHERE name = ?`), "order_number"); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, s.q(`SELECT value FROM counters WHERE name = ?`), "order_number").Scan(&n)
	})
	if err != nil {
		return "", fmt.Errorf("failed to reserve order number: %w", err)
	}
	return fmt.Sprintf("ORD-%06d", n), nil
}

func (s *Store) InsertOrder(ctx context.Context, o settlement.Order) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO orders (id, order_number, customer_id, total_amount, paid_amount, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.OrderNumber, nullString(string(o.CustomerID)), o.TotalAmount.String(), o.PaidAmount.String(),
		o.Notes, formatTime(o.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", settlement.ErrOrderIDReused, o.ID)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, order_number, customer_id, total_amount, paid_amount, notes, created_at`

func (s *Store) GetOrder(ctx context.Context, id settlement.OrderID) (settlement.Order, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Order{}, fmt.Errorf("%w: %s", settlement.ErrOrderNotFound, id)
	}
	return o, err
}

func (s *Store) InsertOrderItems(ctx context.Context, items []settlement.OrderItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, it := range items {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO order_items (id, order_id, line_no, product_id, quantity, unit_price, total_price)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				it.ID, it.OrderID, i, it.ProductID, it.Quantity, it.UnitPrice.String(), it.TotalPrice.String())
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListOrderItems(ctx context.Context, id settlement.OrderID) ([]settlement.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, order_id, product_id, quantity, unit_price, total_price
		FROM order_items WHERE order_id = ? ORDER BY line_no ASC, id ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var out []settlement.OrderItem
	for rows.Next() {
		var (
			it           settlement.OrderItem
			unit, totals string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &unit, &totals); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		it.UnitPrice = settlement.MustParseDecimal(unit)
		it.TotalPrice = settlement.MustParseDecimal(totals)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) InsertPayments(ctx context.Context, payments []settlement.Payment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range payments {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO payments (id, order_id, customer_id, amount, payment_method, reference, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				p.ID, p.OrderID, nullString(string(p.CustomerID)), p.Amount.String(), p.Method, p.Reference,
				formatTime(p.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert payment: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListPayments(ctx context.Context, id settlement.OrderID) ([]settlement.Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, order_id, customer_id, amount, payment_method, reference, created_at
		FROM payments WHERE order_id = ? ORDER BY created_at ASC, id ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []settlement.Payment
	for rows.Next() {
		var (
			p                 settlement.Payment
			customerID        sql.NullString
			amount, createdAt string
		)
		if err := rows.Scan(&p.ID, &p.OrderID, &customerID, &amount, &p.Method, &p.Reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.CustomerID = settlement.CustomerID(customerID.String)
		p.Amount = settlement.MustParseDecimal(amount)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteOrderCascade removes the order's customer transactions, payments and
// items, then the order, in one database transaction.
func (s *Store) DeleteOrderCascade(ctx context.Context, id settlement.OrderID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM customer_transactions WHERE order_id = ?`,
			`DELETE FROM payments WHERE order_id = ?`,
			`DELETE FROM order_items WHERE order_id = ?`,
			`DELETE FROM orders WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return fmt.Errorf("failed to delete order %s: %w", id, err)
			}
		}
		return nil
	})
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveProduct inserts a product or updates its master data. The stock
// quantity of an existing row is left to the stock ledger.
func (s *Store) SaveProduct(ctx context.Context, p settlement.Product) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO products (id, name, description, category, price, cost, stock_quantity, low_stock_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			price = excluded.price,
			cost = excluded.cost,
			low_stock_threshold = excluded.low_stock_threshold,
			updated_at = excluded.updated_at`),
		p.ID, p.Name, p.Description, p.Category, p.Price.String(), p.Cost.String(),
		p.StockQuantity, p.LowStockThreshold, now())
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// SaveCustomer inserts a customer or updates its contact data. The balance of
// an existing row is left to the balance reconciler.
func (s *Store) SaveCustomer(ctx context.Context, c settlement.Customer) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO customers (id, name, phone, notes, balance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			notes = excluded.notes,
			updated_at = excluded.updated_at`),
		c.ID, c.Name, c.Phone, c.Notes, c.Balance.String(), now())
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]settlement.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []settlement.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListCustomers(ctx context.Context) ([]settlement.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var out []settlement.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context, limit int) ([]settlement.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC, order_number DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []settlement.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (settlement.Product, error) {
	var (
		p           settlement.Product
		price, cost string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &price, &cost,
		&p.StockQuantity, &p.LowStockThreshold); err != nil {
		return p, err
	}
	p.Price = settlement.MustParseDecimal(price)
	p.Cost = settlement.MustParseDecimal(cost)
	return p, nil
}

func scanCustomer(row scanner) (settlement.Customer, error) {
	var (
		c       settlement.Customer
		balance string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Notes, &balance); err != nil {
		return c, err
	}
	c.Balance = settlement.MustParseDecimal(balance)
	return c, nil
}

func scanOrder(row scanner) (settlement.Order, error) {
	var (
		o                      settlement.Order
		customerID             sql.NullString
		total, paid, createdAt string
	)
	if err := row.Scan(&o.ID, &o.OrderNumber, &customerID, &total, &paid, &o.Notes, &createdAt); err != nil {
		return o, err
	}
	o.CustomerID = settlement.CustomerID(customerID.String)
	o.TotalAmount = settlement.MustParseDecimal(total)
	o.PaidAmount = settlement.MustParseDecimal(paid)
	o.CreatedAt = parseTime(createdAt)
	return o, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// q rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *Store) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func now() string {
	return formatTime(time.Now())
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
