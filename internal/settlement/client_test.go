package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"esimpos/backend/internal/domain"
)

func testRequest(qty int) SettlementRequest {
	return SettlementRequest{
		ProductID:      "ESIM-TELCOA-5GB",
		Quantity:       qty,
		UnitPrice:      decimal.RequireFromString("45.00"),
		TotalAmount:    decimal.RequireFromString("45.00").Mul(decimal.NewFromInt(int64(qty))),
		LedgerKind:     domain.LedgerCredit,
		IdempotencyKey: "idem-client-test",
	}
}

func TestSubmitReturnsServerCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/settle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "idem-client-test" {
			t.Errorf("missing idempotency key header")
		}
		var req SettlementRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"codes": []string{"SRV-001", "SRV-002"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second)
	codes, err := client.Submit(context.Background(), testRequest(2))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("expected 2 codes, got %d", len(codes))
	}
	for _, code := range codes {
		if code.Source != domain.CodeSourceServer || code.PendingSync {
			t.Fatalf("server code mistagged: %+v", code)
		}
	}
}

func TestSubmitServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second)
	if _, err := client.Submit(context.Background(), testRequest(1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSubmitTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer srv.Close()

	client := &Client{baseURL: srv.URL, http: &http.Client{Timeout: 100 * time.Millisecond}}
	if _, err := client.Submit(context.Background(), testRequest(1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}

func TestSubmitCodeCountMismatchIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"codes": []string{"SRV-001"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second)
	if _, err := client.Submit(context.Background(), testRequest(2)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on short code list, got %v", err)
	}
}

func TestSubmitWithoutEndpointIsUnavailable(t *testing.T) {
	client := NewClient("", time.Second)
	if _, err := client.Submit(context.Background(), testRequest(1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable with no endpoint, got %v", err)
	}
}
