package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/store"
)

func TestDebitLedgerAtomicUnderConcurrency(t *testing.T) {
	s := NewSeeded()
	amount := decimal.RequireFromString("100.00")

	// Credit ledger limit is 5000.00: at most 50 debits of 100.00 can land.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DebitLedger(context.Background(), domain.LedgerCredit, amount); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrInsufficientBalance) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 50 {
		t.Fatalf("expected exactly 50 debits to succeed, got %d", succeeded)
	}

	ledger, err := s.GetLedger(context.Background(), domain.LedgerCredit)
	if err != nil {
		t.Fatalf("ledger lookup failed: %v", err)
	}
	if !ledger.Used.Equal(ledger.Limit) {
		t.Fatalf("expected ledger fully used, used %s limit %s", ledger.Used, ledger.Limit)
	}
	if !ledger.Available.IsZero() {
		t.Fatalf("expected zero available, got %s", ledger.Available)
	}
}

func TestDebitLedgerShortfall(t *testing.T) {
	s := NewSeeded()

	_, err := s.DebitLedger(context.Background(), domain.LedgerKickback, decimal.RequireFromString("800.00"))
	var balErr *store.InsufficientBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !balErr.Shortfall.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("expected shortfall 50.00, got %s", balErr.Shortfall)
	}

	// The failed debit must not move the ledger.
	ledger, _ := s.GetLedger(context.Background(), domain.LedgerKickback)
	if !ledger.Used.IsZero() {
		t.Fatalf("failed debit mutated ledger: %s", ledger.Used)
	}
}

func TestCreditLedgerCannotGoNegative(t *testing.T) {
	s := NewSeeded()

	if err := s.CreditLedger(context.Background(), domain.LedgerCredit, decimal.RequireFromString("1.00")); err == nil {
		t.Fatalf("crediting an unused ledger must fail")
	}

	if _, err := s.DebitLedger(context.Background(), domain.LedgerCredit, decimal.RequireFromString("10.00")); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if err := s.CreditLedger(context.Background(), domain.LedgerCredit, decimal.RequireFromString("10.00")); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	ledger, _ := s.GetLedger(context.Background(), domain.LedgerCredit)
	if !ledger.Used.IsZero() {
		t.Fatalf("expected used back to zero, got %s", ledger.Used)
	}
}

func TestDecrementStockNeverNegative(t *testing.T) {
	s := NewSeeded()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DecrementStock(context.Background(), "ESIM-TELCOA-5GB", 7)
			if err != nil && !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected decrement error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 50 units / 7 per call: 7 calls land, 1 unit remains.
	stock, err := s.GetStock(context.Background(), "ESIM-TELCOA-5GB")
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if stock != 1 {
		t.Fatalf("expected 1 unit left, got %d", stock)
	}
}

func TestDecrementStockUnknownProduct(t *testing.T) {
	s := NewSeeded()
	if _, err := s.DecrementStock(context.Background(), "ESIM-NOPE", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendSaleEventRejectsDuplicates(t *testing.T) {
	s := NewSeeded()
	event := domain.SaleEvent{
		ID:             "sale-1",
		IdempotencyKey: "idem-1",
		RetailerID:     "main-retailer",
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.AppendSaleEvent(context.Background(), event); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := s.AppendSaleEvent(context.Background(), event); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("duplicate append must fail, got %v", err)
	}

	other := event
	other.ID = "sale-2"
	if err := s.AppendSaleEvent(context.Background(), other); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("duplicate idempotency key must fail, got %v", err)
	}
}

func TestListSaleEventsPreservesOrder(t *testing.T) {
	s := NewSeeded()
	for _, id := range []string{"sale-a", "sale-b", "sale-c"} {
		event := domain.SaleEvent{
			ID:             id,
			IdempotencyKey: "idem-" + id,
			RetailerID:     "main-retailer",
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.AppendSaleEvent(context.Background(), event); err != nil {
			t.Fatalf("append %s failed: %v", id, err)
		}
	}

	events, err := s.ListSaleEvents(context.Background(), "main-retailer")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, id := range []string{"sale-a", "sale-b", "sale-c"} {
		if events[i].ID != id {
			t.Fatalf("event order broken at %d: %s", i, events[i].ID)
		}
	}
}

func TestGetUserSeeded(t *testing.T) {
	s := NewSeeded()

	user, err := s.GetUser(context.Background(), "retailer")
	if err != nil {
		t.Fatalf("seeded user lookup failed: %v", err)
	}
	if user.Role != "retailer" || !user.Active {
		t.Fatalf("unexpected seeded user: %+v", user)
	}

	if _, err := s.GetUser(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}
