package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"esimpos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSale         = errors.New("invalid sale")
)

// InsufficientBalanceError reports a rejected ledger debit together with the
// exact shortfall, so the caller can tell the user how much more balance the
// sale needs. It matches store.ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Kind      domain.LedgerKind
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s ledger: requested %s, available %s, shortfall %s",
		e.Kind, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Repository is the persistence contract for the settlement engine. The two
// mutating hot paths, DebitLedger and DecrementStock, are atomic
// compare-and-decrement operations: callers never read-then-write balances or
// stock themselves.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetStock(ctx context.Context, productID string) (int, error)
	// DecrementStock atomically subtracts qty from the product's available
	// units; it fails with ErrInsufficientStock without mutating anything if
	// the units would go negative. Returns the new available count.
	DecrementStock(ctx context.Context, productID string, qty int) (int, error)
	// IncrementStock restores units. Used only to compensate a decrement when
	// a later commit step fails.
	IncrementStock(ctx context.Context, productID string, qty int) error

	GetLedger(ctx context.Context, kind domain.LedgerKind) (*domain.Ledger, error)
	ListLedgers(ctx context.Context) ([]domain.Ledger, error)
	// DebitLedger atomically adds amount to the ledger's used balance; it
	// fails with an *InsufficientBalanceError without mutating anything if
	// used would exceed the limit. Returns the ledger after the debit.
	DebitLedger(ctx context.Context, kind domain.LedgerKind, amount decimal.Decimal) (*domain.Ledger, error)
	// CreditLedger reverses a debit. Used only for commit compensation.
	CreditLedger(ctx context.Context, kind domain.LedgerKind, amount decimal.Decimal) error

	GetMarginRates(ctx context.Context, retailerID string) (*domain.MarginRates, error)

	AppendSaleEvent(ctx context.Context, event domain.SaleEvent) error
	ListSaleEvents(ctx context.Context, retailerID string) ([]domain.SaleEvent, error)
	FindSaleByID(ctx context.Context, id string) (*domain.SaleEvent, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.SaleEvent, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, retailerID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
}
