package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/store"
)

// Store is an in-memory Repository for dev/demo mode and tests. Every mutation
// holds the write lock for its whole check-then-apply section, which is what
// makes DebitLedger and DecrementStock atomic.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	stock           map[string]int
	ledgers         map[domain.LedgerKind]domain.Ledger
	margins         map[string]domain.MarginRates
	salesByID       map[string]domain.SaleEvent
	salesByIdem     map[string]string
	saleOrder       []string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_RETAILER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. Production runs use
// PostgreSQL (DATABASE_URL set) and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	retailerPwd := envOr("SEED_RETAILER_PASSWORD", "retailer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_RETAILER_PASSWORD") == "" {
		logrus.Warn("memory-store: using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_RETAILER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"retailer", retailerPwd, "retailer"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory-store: failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// NewSeeded returns a Store preloaded with an eSIM bundle catalog, both
// spending ledgers, and margin rates for the default retailer.
func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "ESIM-TELCOA-5GB", Name: "TelcoA 5GB 30D", Network: "telcoa", Category: "data", UnitPrice: dec("45.00"), Active: true},
		{ID: "ESIM-TELCOA-10GB", Name: "TelcoA 10GB 30D", Network: "telcoa", Category: "data", UnitPrice: dec("80.00"), Active: true},
		{ID: "ESIM-TELCOB-5GB", Name: "TelcoB 5GB 30D", Network: "telcob", Category: "data", UnitPrice: dec("42.50"), Active: true},
		{ID: "ESIM-TELCOB-UNL", Name: "TelcoB Unlimited 7D", Network: "telcob", Category: "data", UnitPrice: dec("60.00"), Active: true},
		{ID: "ESIM-GLOBAL-3GB", Name: "Global Roam 3GB 15D", Network: "roaming", Category: "roaming", UnitPrice: dec("100.00"), Active: true},
		{ID: "ESIM-VOICE-120", Name: "TelcoA Voice 120min", Network: "telcoa", Category: "voice", UnitPrice: dec("25.00"), Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	stock := make(map[string]int, len(products))
	for _, p := range products {
		productMap[p.ID] = p
		stock[p.ID] = 50
	}

	defaultMargin := dec("8")
	margins := map[string]domain.MarginRates{
		"main-retailer": {
			ByProductID: map[string]decimal.Decimal{
				"ESIM-TELCOA-5GB":  dec("12"),
				"ESIM-TELCOA-10GB": dec("10"),
				"ESIM-GLOBAL-3GB":  dec("15"),
			},
			ByName: map[string]decimal.Decimal{
				"telcob 5gb 30d": dec("9.5"),
			},
			Default: &defaultMargin,
		},
	}

	ledgers := map[domain.LedgerKind]domain.Ledger{
		domain.LedgerCredit: {
			Kind:      domain.LedgerCredit,
			Limit:     dec("5000.00"),
			Used:      decimal.Zero,
			Available: dec("5000.00"),
		},
		domain.LedgerKickback: {
			Kind:      domain.LedgerKickback,
			Limit:     dec("750.00"),
			Used:      decimal.Zero,
			Available: dec("750.00"),
		},
	}

	return &Store{
		products:        productMap,
		stock:           stock,
		ledgers:         ledgers,
		margins:         margins,
		salesByID:       make(map[string]domain.SaleEvent),
		salesByIdem:     make(map[string]string),
		saleOrder:       make([]string, 0, 128),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		p.UnitsAvail = s.stock[p.ID]
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Network == b.Network {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Network, b.Network)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists || !product.Active {
		return nil, store.ErrNotFound
	}
	product.UnitsAvail = s.stock[id]
	return &product, nil
}

func (s *Store) GetStock(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return 0, store.ErrNotFound
	}
	return s.stock[productID], nil
}

func (s *Store) DecrementStock(_ context.Context, productID string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[productID]; !exists {
		return 0, store.ErrNotFound
	}
	remaining := s.stock[productID] - qty
	if remaining < 0 {
		return 0, store.ErrInsufficientStock
	}
	s.stock[productID] = remaining
	return remaining, nil
}

func (s *Store) IncrementStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[productID]; !exists {
		return store.ErrNotFound
	}
	s.stock[productID] += qty
	return nil
}

func (s *Store) GetLedger(_ context.Context, kind domain.LedgerKind) (*domain.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger, exists := s.ledgers[kind]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &ledger, nil
}

func (s *Store) ListLedgers(_ context.Context) ([]domain.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledgers := make([]domain.Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ledgers = append(ledgers, l)
	}
	slices.SortFunc(ledgers, func(a, b domain.Ledger) int {
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
	return ledgers, nil
}

func (s *Store) DebitLedger(_ context.Context, kind domain.LedgerKind, amount decimal.Decimal) (*domain.Ledger, error) {
	if amount.IsNegative() || amount.IsZero() {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, exists := s.ledgers[kind]
	if !exists {
		return nil, store.ErrNotFound
	}

	if amount.GreaterThan(ledger.Available) {
		return nil, &store.InsufficientBalanceError{
			Kind:      kind,
			Requested: amount,
			Available: ledger.Available,
			Shortfall: amount.Sub(ledger.Available),
		}
	}

	ledger.Used = ledger.Used.Add(amount)
	ledger.Available = ledger.Limit.Sub(ledger.Used)
	s.ledgers[kind] = ledger
	updated := ledger
	return &updated, nil
}

func (s *Store) CreditLedger(_ context.Context, kind domain.LedgerKind, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, exists := s.ledgers[kind]
	if !exists {
		return store.ErrNotFound
	}
	if amount.GreaterThan(ledger.Used) {
		return fmt.Errorf("credit %s exceeds used balance %s on %s ledger", amount, ledger.Used, kind)
	}
	ledger.Used = ledger.Used.Sub(amount)
	ledger.Available = ledger.Limit.Sub(ledger.Used)
	s.ledgers[kind] = ledger
	return nil
}

func (s *Store) GetMarginRates(_ context.Context, retailerID string) (*domain.MarginRates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rates, exists := s.margins[retailerID]
	if !exists {
		return nil, store.ErrNotFound
	}

	out := domain.MarginRates{
		ByProductID: make(map[string]decimal.Decimal, len(rates.ByProductID)),
		ByName:      make(map[string]decimal.Decimal, len(rates.ByName)),
	}
	for k, v := range rates.ByProductID {
		out.ByProductID[k] = v
	}
	for k, v := range rates.ByName {
		out.ByName[k] = v
	}
	if rates.Default != nil {
		def := *rates.Default
		out.Default = &def
	}
	return &out, nil
}

func (s *Store) AppendSaleEvent(_ context.Context, event domain.SaleEvent) error {
	if event.ID == "" || event.IdempotencyKey == "" {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[event.ID]; exists {
		return store.ErrInvalidSale
	}
	if _, exists := s.salesByIdem[event.IdempotencyKey]; exists {
		return store.ErrInvalidSale
	}

	s.salesByID[event.ID] = cloneSale(event)
	s.salesByIdem[event.IdempotencyKey] = event.ID
	s.saleOrder = append(s.saleOrder, event.ID)
	return nil
}

func (s *Store) ListSaleEvents(_ context.Context, retailerID string) ([]domain.SaleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]domain.SaleEvent, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		event := s.salesByID[id]
		if retailerID != "" && event.RetailerID != retailerID {
			continue
		}
		events = append(events, cloneSale(event))
	}
	return events, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.SaleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(event)
	return &cloned, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.SaleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.salesByIdem[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	event := s.salesByID[id]
	cloned := cloneSale(event)
	return &cloned, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, retailerID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if retailerID != "" && entry.RetailerID != retailerID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[username]
	if !exists || !user.Active {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func cloneSale(event domain.SaleEvent) domain.SaleEvent {
	codes := make([]domain.IssuedCode, len(event.IssuedCodes))
	copy(codes, event.IssuedCodes)
	event.IssuedCodes = codes
	return event
}
