package sale

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// buildEvent constructs the immutable SaleEvent for a committed sale. Profit
// is rounded to the cent and cost is derived by subtraction, never computed
// independently, so cost + profit always equals the total exactly.
func buildEvent(req domain.SaleRequest, product domain.Product, totalAmount decimal.Decimal, rate decimal.Decimal, mode domain.SettlementMode, codes []domain.IssuedCode) domain.SaleEvent {
	profit := totalAmount.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	cost := totalAmount.Sub(profit)

	return domain.SaleEvent{
		ID:             xid.New("sale"),
		RetailerID:     req.RetailerID,
		IdempotencyKey: req.IdempotencyKey,
		ProductID:      product.ID,
		ProductName:    product.Name,
		Quantity:       req.Quantity,
		UnitPrice:      product.UnitPrice,
		TotalAmount:    totalAmount,
		MarginRate:     rate,
		ProfitAmount:   profit,
		CostAmount:     cost,
		LedgerUsed:     req.Ledger,
		SettlementMode: mode,
		IssuedCodes:    codes,
		CreatedAt:      time.Now().UTC(),
	}
}

func buildReceipt(event domain.SaleEvent) domain.Receipt {
	pendingSync := false
	for _, code := range event.IssuedCodes {
		if code.PendingSync {
			pendingSync = true
			break
		}
	}

	return domain.Receipt{
		SaleID:         event.ID,
		RetailerID:     event.RetailerID,
		Timestamp:      event.CreatedAt,
		ProductName:    event.ProductName,
		Quantity:       event.Quantity,
		UnitPrice:      event.UnitPrice,
		TotalAmount:    event.TotalAmount,
		IssuedCodes:    event.IssuedCodes,
		SettlementMode: event.SettlementMode,
		PendingSync:    pendingSync,
	}
}
