// Package sale sequences a single walk-in sale through validation, balance
// checking, networked settlement (with deterministic offline fallback), and
// the local commit of inventory, ledger, and profit journal.
package sale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/margin"
	"esimpos/backend/internal/profit"
	"esimpos/backend/internal/settlement"
	"esimpos/backend/internal/store"
	"esimpos/backend/internal/xid"
)

// State is the orchestrator's position in one sale transaction.
type State string

const (
	StateIdle            State = "idle"
	StateValidating      State = "validating"
	StateCheckingBalance State = "checking_balance"
	StateSettlingOnline  State = "settling_online"
	StateSettlingOffline State = "settling_offline"
	StateCommitting      State = "committing"
	StateDone            State = "done"
	StateAborted         State = "aborted"
)

var (
	// ErrValidation covers user-recoverable input problems: unknown product,
	// bad quantity, insufficient inventory, unresolved margin.
	ErrValidation = errors.New("sale validation failed")
	// ErrCommitFailure marks a local commit step failing after settlement
	// already happened. It is the only error that warrants an operator alert:
	// codes may have been issued without matching local state.
	ErrCommitFailure = errors.New("sale commit failure")
)

// Submitter is the networked settlement dependency.
type Submitter interface {
	Submit(ctx context.Context, req settlement.SettlementRequest) ([]domain.IssuedCode, error)
}

type Orchestrator struct {
	repo       store.Repository
	margins    *margin.Resolver
	client     Submitter
	offline    *settlement.OfflineIssuer
	journal    *profit.Journal
	retailerID string

	// Keyed mutexes serialize sales per product and per ledger, so two
	// concurrent sales can never both pass their checks against a stale
	// snapshot. Lock order is always product before ledger.
	lockMu       sync.Mutex
	productLocks map[string]*sync.Mutex
	ledgerLocks  map[domain.LedgerKind]*sync.Mutex
}

func NewOrchestrator(repo store.Repository, margins *margin.Resolver, client Submitter, offline *settlement.OfflineIssuer, journal *profit.Journal, retailerID string) *Orchestrator {
	if retailerID == "" {
		retailerID = "main-retailer"
	}
	return &Orchestrator{
		repo:         repo,
		margins:      margins,
		client:       client,
		offline:      offline,
		journal:      journal,
		retailerID:   retailerID,
		productLocks: make(map[string]*sync.Mutex),
		ledgerLocks:  make(map[domain.LedgerKind]*sync.Mutex),
	}
}

func (o *Orchestrator) productLock(productID string) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	lock, ok := o.productLocks[productID]
	if !ok {
		lock = &sync.Mutex{}
		o.productLocks[productID] = lock
	}
	return lock
}

func (o *Orchestrator) ledgerLock(kind domain.LedgerKind) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	lock, ok := o.ledgerLocks[kind]
	if !ok {
		lock = &sync.Mutex{}
		o.ledgerLocks[kind] = lock
	}
	return lock
}

// ExecuteSale runs one sale transaction to completion.
//
// Commit order is fixed and asserted by tests: decrement inventory, debit
// ledger, record journal. A failure after the decrement compensates it by
// restoring stock before reporting ErrCommitFailure.
//
// The caller's context can cancel the sale only while validating or checking
// balance; from settling onward the sale runs detached so a settled sale is
// always committed locally.
func (o *Orchestrator) ExecuteSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	state := StateIdle

	if req.RetailerID == "" {
		req.RetailerID = o.retailerID
	}
	req.ProductID = strings.ToUpper(strings.TrimSpace(req.ProductID))
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	// A repeated idempotency key returns the already-committed sale.
	if existing, err := o.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.SaleResponse{Receipt: buildReceipt(*existing), Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}

	state = StateValidating
	if req.ProductID == "" {
		return abort(state, fmt.Errorf("%w: product id is required", ErrValidation))
	}
	if req.Quantity < 1 {
		return abort(state, fmt.Errorf("%w: quantity must be at least 1", ErrValidation))
	}
	if !req.Ledger.Valid() {
		return abort(state, fmt.Errorf("%w: ledger must be %s or %s", ErrValidation, domain.LedgerCredit, domain.LedgerKickback))
	}

	// Serialize against other sales touching this product or ledger for the
	// rest of the transaction, so the checks below stay authoritative through
	// commit. Product lock first, then ledger lock, always.
	productLock := o.productLock(req.ProductID)
	ledgerLock := o.ledgerLock(req.Ledger)
	productLock.Lock()
	defer productLock.Unlock()
	ledgerLock.Lock()
	defer ledgerLock.Unlock()

	if err := ctx.Err(); err != nil {
		return abort(state, fmt.Errorf("%w: cancelled: %v", ErrValidation, err))
	}

	product, err := o.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return abort(state, fmt.Errorf("%w: unknown product %s", ErrValidation, req.ProductID))
		}
		return domain.SaleResponse{}, err
	}

	stock, err := o.repo.GetStock(ctx, product.ID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if req.Quantity > stock {
		return abort(state, fmt.Errorf("%w: %w: requested %d, available %d",
			ErrValidation, store.ErrInsufficientStock, req.Quantity, stock))
	}

	rate, ok := o.margins.Resolve(ctx, product.ID, product.Name)
	if !ok {
		// Hard stop: a guessed margin corrupts every downstream profit figure.
		return abort(state, fmt.Errorf("%w: no margin rate provisioned for product %s", ErrValidation, product.ID))
	}

	totalAmount := product.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))).Round(2)

	state = StateCheckingBalance
	if err := ctx.Err(); err != nil {
		return abort(state, fmt.Errorf("%w: cancelled: %v", ErrValidation, err))
	}

	ledger, err := o.repo.GetLedger(ctx, req.Ledger)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if totalAmount.GreaterThan(ledger.Available) {
		return abort(state, &store.InsufficientBalanceError{
			Kind:      req.Ledger,
			Requested: totalAmount,
			Available: ledger.Available,
			Shortfall: totalAmount.Sub(ledger.Available),
		})
	}

	// Past this point the sale must run to a terminal state even if the
	// caller goes away.
	saleCtx := context.WithoutCancel(ctx)

	state = StateSettlingOnline
	mode := domain.SettlementOnline
	codes, err := o.client.Submit(saleCtx, settlement.SettlementRequest{
		ProductID:      product.ID,
		Quantity:       req.Quantity,
		UnitPrice:      product.UnitPrice,
		TotalAmount:    totalAmount,
		LedgerKind:     req.Ledger,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if !errors.Is(err, settlement.ErrUnavailable) {
			return domain.SaleResponse{}, err
		}
		state = StateSettlingOffline
		mode = domain.SettlementOffline
		codes = o.offline.Issue(product.ID, req.Quantity)
		logrus.WithFields(logrus.Fields{
			"product_id":      product.ID,
			"quantity":        req.Quantity,
			"idempotency_key": req.IdempotencyKey,
		}).Info("sale: settlement unavailable, issued offline codes")
	}

	state = StateCommitting
	event := buildEvent(req, *product, totalAmount, rate, mode, codes)

	if _, err := o.repo.DecrementStock(saleCtx, product.ID, req.Quantity); err != nil {
		o.logCommitFailure(saleCtx, event, "decrement_stock", err)
		return domain.SaleResponse{}, fmt.Errorf("%w: inventory decrement: %v", ErrCommitFailure, err)
	}

	if _, err := o.repo.DebitLedger(saleCtx, req.Ledger, totalAmount); err != nil {
		if restoreErr := o.repo.IncrementStock(saleCtx, product.ID, req.Quantity); restoreErr != nil {
			o.logCommitFailure(saleCtx, event, "restore_stock", restoreErr)
		}
		o.logCommitFailure(saleCtx, event, "debit_ledger", err)
		return domain.SaleResponse{}, fmt.Errorf("%w: ledger debit: %v", ErrCommitFailure, err)
	}

	if err := o.journal.Record(saleCtx, event); err != nil {
		if creditErr := o.repo.CreditLedger(saleCtx, req.Ledger, totalAmount); creditErr != nil {
			o.logCommitFailure(saleCtx, event, "restore_ledger", creditErr)
		}
		if restoreErr := o.repo.IncrementStock(saleCtx, product.ID, req.Quantity); restoreErr != nil {
			o.logCommitFailure(saleCtx, event, "restore_stock", restoreErr)
		}
		o.logCommitFailure(saleCtx, event, "record_journal", err)
		return domain.SaleResponse{}, fmt.Errorf("%w: journal record: %v", ErrCommitFailure, err)
	}

	o.logAudit(saleCtx, event)

	return domain.SaleResponse{Receipt: buildReceipt(event)}, nil
}

// LookupByIdempotency reports whether a sale with the key was committed.
func (o *Orchestrator) LookupByIdempotency(ctx context.Context, key string) (domain.SaleLookupResponse, error) {
	if strings.TrimSpace(key) == "" {
		return domain.SaleLookupResponse{}, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	event, err := o.repo.FindSaleByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleLookupResponse{Found: false}, nil
		}
		return domain.SaleLookupResponse{}, err
	}
	receipt := buildReceipt(*event)
	return domain.SaleLookupResponse{Found: true, Sale: &receipt}, nil
}

// GetReceipt rebuilds the receipt artifact for a committed sale.
func (o *Orchestrator) GetReceipt(ctx context.Context, saleID string) (domain.Receipt, error) {
	event, err := o.repo.FindSaleByID(ctx, saleID)
	if err != nil {
		return domain.Receipt{}, err
	}
	return buildReceipt(*event), nil
}

func (o *Orchestrator) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return o.repo.ListProducts(ctx)
}

func (o *Orchestrator) ListLedgers(ctx context.Context) (domain.LedgerListResponse, error) {
	ledgers, err := o.repo.ListLedgers(ctx)
	if err != nil {
		return domain.LedgerListResponse{}, err
	}
	return domain.LedgerListResponse{Ledgers: ledgers}, nil
}

func (o *Orchestrator) Rollup(period domain.RollupPeriod) (domain.RollupResponse, error) {
	if !period.Valid() {
		return domain.RollupResponse{}, fmt.Errorf("%w: unknown rollup period %q", ErrValidation, period)
	}
	return domain.RollupResponse{Period: period, Buckets: o.journal.Rollup(period)}, nil
}

func (o *Orchestrator) logCommitFailure(ctx context.Context, event domain.SaleEvent, step string, err error) {
	logrus.WithFields(logrus.Fields{
		"step":            step,
		"sale_id":         event.ID,
		"idempotency_key": event.IdempotencyKey,
		"product_id":      event.ProductID,
		"quantity":        event.Quantity,
		"total_amount":    event.TotalAmount.String(),
		"ledger":          event.LedgerUsed,
		"settlement_mode": event.SettlementMode,
		"codes_issued":    len(event.IssuedCodes),
	}).WithError(err).Error("sale: commit failure, manual reconciliation required")

	entry := domain.AuditLog{
		ID:         xid.New("audit"),
		RetailerID: event.RetailerID,
		Action:     "sale_commit_failure",
		EntityType: "sale",
		EntityID:   event.ID,
		Detail:     fmt.Sprintf("step=%s,err=%v", step, err),
		CreatedAt:  event.CreatedAt,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.Actor = actor.Username
	}
	if auditErr := o.repo.CreateAuditLog(ctx, entry); auditErr != nil {
		logrus.WithError(auditErr).WithField("sale_id", event.ID).Warn("sale: audit log write failed")
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, event domain.SaleEvent) {
	entry := domain.AuditLog{
		ID:         xid.New("audit"),
		RetailerID: event.RetailerID,
		Action:     "sale_commit",
		EntityType: "sale",
		EntityID:   event.ID,
		Detail: fmt.Sprintf("product=%s,qty=%d,total=%s,ledger=%s,mode=%s",
			event.ProductID, event.Quantity, event.TotalAmount, event.LedgerUsed, event.SettlementMode),
		CreatedAt: event.CreatedAt,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.Actor = actor.Username
	}
	if err := o.repo.CreateAuditLog(ctx, entry); err != nil {
		logrus.WithError(err).WithField("sale_id", event.ID).Warn("sale: audit log write failed")
	}
}

func abort(state State, reason error) (domain.SaleResponse, error) {
	return domain.SaleResponse{}, fmt.Errorf("aborted in %s: %w", state, reason)
}
