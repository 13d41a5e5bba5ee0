package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.network, p.category, p.unit_price, COALESCE(i.units_available, 0), p.active
		FROM products p
		LEFT JOIN inventory i ON i.product_id = p.id
		WHERE p.active = true
		ORDER BY p.network, p.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Network, &p.Category, &p.UnitPrice, &p.UnitsAvail, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.network, p.category, p.unit_price, COALESCE(i.units_available, 0), p.active
		FROM products p
		LEFT JOIN inventory i ON i.product_id = p.id
		WHERE p.id = $1 AND p.active = true
	`, id).Scan(&p.ID, &p.Name, &p.Network, &p.Category, &p.UnitPrice, &p.UnitsAvail, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetStock(ctx context.Context, productID string) (int, error) {
	var units int
	err := s.db.QueryRowContext(ctx, `
		SELECT units_available FROM inventory WHERE product_id = $1
	`, productID).Scan(&units)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return units, nil
}

// DecrementStock relies on a conditional UPDATE so the check and the
// decrement are one statement; no row means either an unknown product or
// insufficient units, disambiguated by a follow-up read.
func (s *Store) DecrementStock(ctx context.Context, productID string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidSale
	}

	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET units_available = units_available - $2, updated_at = now()
		WHERE product_id = $1 AND units_available >= $2
		RETURNING units_available
	`, productID, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, stockErr := s.GetStock(ctx, productID); stockErr != nil {
		return 0, stockErr
	}
	return 0, store.ErrInsufficientStock
}

func (s *Store) IncrementStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory
		SET units_available = units_available + $2, updated_at = now()
		WHERE product_id = $1
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetLedger(ctx context.Context, kind domain.LedgerKind) (*domain.Ledger, error) {
	var l domain.Ledger
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, limit_amount, used_amount, limit_amount - used_amount
		FROM ledgers
		WHERE kind = $1
	`, string(kind)).Scan(&l.Kind, &l.Limit, &l.Used, &l.Available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) ListLedgers(ctx context.Context) ([]domain.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, limit_amount, used_amount, limit_amount - used_amount
		FROM ledgers
		ORDER BY kind
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ledgers := make([]domain.Ledger, 0, 2)
	for rows.Next() {
		var l domain.Ledger
		if err := rows.Scan(&l.Kind, &l.Limit, &l.Used, &l.Available); err != nil {
			return nil, err
		}
		ledgers = append(ledgers, l)
	}
	return ledgers, rows.Err()
}

func (s *Store) DebitLedger(ctx context.Context, kind domain.LedgerKind, amount decimal.Decimal) (*domain.Ledger, error) {
	if amount.IsNegative() || amount.IsZero() {
		return nil, store.ErrInvalidSale
	}

	var l domain.Ledger
	err := s.db.QueryRowContext(ctx, `
		UPDATE ledgers
		SET used_amount = used_amount + $2, updated_at = now()
		WHERE kind = $1 AND used_amount + $2 <= limit_amount
		RETURNING kind, limit_amount, used_amount, limit_amount - used_amount
	`, string(kind), amount).Scan(&l.Kind, &l.Limit, &l.Used, &l.Available)
	if err == nil {
		return &l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, getErr := s.GetLedger(ctx, kind)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &store.InsufficientBalanceError{
		Kind:      kind,
		Requested: amount,
		Available: current.Available,
		Shortfall: amount.Sub(current.Available),
	}
}

func (s *Store) CreditLedger(ctx context.Context, kind domain.LedgerKind, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE ledgers
		SET used_amount = used_amount - $2, updated_at = now()
		WHERE kind = $1 AND used_amount >= $2
	`, string(kind), amount)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetMarginRates(ctx context.Context, retailerID string) (*domain.MarginRates, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(product_id, ''), COALESCE(product_name, ''), rate, is_default
		FROM margin_rates
		WHERE retailer_id = $1
	`, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := domain.MarginRates{
		ByProductID: make(map[string]decimal.Decimal),
		ByName:      make(map[string]decimal.Decimal),
	}
	found := false
	for rows.Next() {
		var productID, productName string
		var rate decimal.Decimal
		var isDefault bool
		if err := rows.Scan(&productID, &productName, &rate, &isDefault); err != nil {
			return nil, err
		}
		found = true
		switch {
		case isDefault:
			def := rate
			rates.Default = &def
		case productID != "":
			rates.ByProductID[productID] = rate
		case productName != "":
			rates.ByName[productName] = rate
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return &rates, nil
}

func (s *Store) AppendSaleEvent(ctx context.Context, event domain.SaleEvent) error {
	if event.ID == "" || event.IdempotencyKey == "" {
		return store.ErrInvalidSale
	}

	codes, err := json.Marshal(event.IssuedCodes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sale_events (
			id, retailer_id, idempotency_key, product_id, product_name, quantity,
			unit_price, total_amount, margin_rate, profit_amount, cost_amount,
			ledger_used, settlement_mode, issued_codes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, event.ID, event.RetailerID, event.IdempotencyKey, event.ProductID, event.ProductName,
		event.Quantity, event.UnitPrice, event.TotalAmount, event.MarginRate, event.ProfitAmount,
		event.CostAmount, string(event.LedgerUsed), string(event.SettlementMode), codes, event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListSaleEvents(ctx context.Context, retailerID string) ([]domain.SaleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, idempotency_key, product_id, product_name, quantity,
			unit_price, total_amount, margin_rate, profit_amount, cost_amount,
			ledger_used, settlement_mode, issued_codes, created_at
		FROM sale_events
		WHERE ($1 = '' OR retailer_id = $1)
		ORDER BY created_at, id
	`, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.SaleEvent, 0, 128)
	for rows.Next() {
		event, err := scanSaleEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.SaleEvent, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.SaleEvent, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.SaleEvent, error) {
	query := `
		SELECT id, retailer_id, idempotency_key, product_id, product_name, quantity,
			unit_price, total_amount, margin_rate, profit_amount, cost_amount,
			ledger_used, settlement_mode, issued_codes, created_at
		FROM sale_events WHERE ` + column + ` = $1`

	row := s.db.QueryRowContext(ctx, query, value)
	event, err := scanSaleEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaleEvent(row rowScanner) (domain.SaleEvent, error) {
	var event domain.SaleEvent
	var ledger, mode string
	var codes []byte
	err := row.Scan(&event.ID, &event.RetailerID, &event.IdempotencyKey, &event.ProductID,
		&event.ProductName, &event.Quantity, &event.UnitPrice, &event.TotalAmount,
		&event.MarginRate, &event.ProfitAmount, &event.CostAmount, &ledger, &mode,
		&codes, &event.CreatedAt)
	if err != nil {
		return domain.SaleEvent{}, err
	}
	event.LedgerUsed = domain.LedgerKind(ledger)
	event.SettlementMode = domain.SettlementMode(mode)
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &event.IssuedCodes); err != nil {
			return domain.SaleEvent{}, err
		}
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, retailer_id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.RetailerID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, retailerID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, actor, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR retailer_id = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, retailerID, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.RetailerID, &entry.Actor, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1 AND active = true
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
