// Package settlement talks to the external order service and, when that
// service cannot be reached, issues locally-valid serial codes instead.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"esimpos/backend/internal/domain"
)

// ErrUnavailable is the single failure the orchestrator sees from Submit.
// Transport errors, timeouts and non-success statuses all collapse into it;
// the only decision downstream is "got codes" vs "fall back to offline".
var ErrUnavailable = errors.New("settlement service unavailable")

type SettlementRequest struct {
	ProductID      string            `json:"product_id"`
	Quantity       int               `json:"quantity"`
	UnitPrice      decimal.Decimal   `json:"unit_price"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	LedgerKind     domain.LedgerKind `json:"ledger_kind"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type settlementResponse struct {
	Codes []string `json:"codes"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a settlement client with a bounded request timeout so the
// orchestrator never hangs on a stalled network call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout < time.Second {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit issues the sale to the order service and returns the allocated
// serial codes. The idempotency key makes a retried submit safe against
// double settlement on the remote side.
func (c *Client) Submit(ctx context.Context, req SettlementRequest) ([]domain.IssuedCode, error) {
	if c.baseURL == "" {
		return nil, ErrUnavailable
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode settlement request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders/settle", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build settlement request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		logrus.WithError(err).WithField("product_id", req.ProductID).Warn("settlement: request failed")
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.WithFields(logrus.Fields{
			"status":     resp.StatusCode,
			"product_id": req.ProductID,
		}).Warn("settlement: non-success status")
		return nil, ErrUnavailable
	}

	var body settlementResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, ErrUnavailable
	}
	if len(body.Codes) != req.Quantity {
		return nil, ErrUnavailable
	}

	codes := make([]domain.IssuedCode, 0, len(body.Codes))
	for _, code := range body.Codes {
		codes = append(codes, domain.IssuedCode{
			Code:        code,
			Source:      domain.CodeSourceServer,
			PendingSync: false,
		})
	}
	return codes, nil
}
