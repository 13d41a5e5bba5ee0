// Package margin resolves the profit margin percentage applicable to a sale.
// Resolution fails closed: with no known rate the sale is disallowed rather
// than defaulted, because a silent wrong margin corrupts every downstream
// profit figure.
package margin

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"esimpos/backend/internal/store"
)

type Resolver struct {
	repo       store.Repository
	retailerID string
}

func NewResolver(repo store.Repository, retailerID string) *Resolver {
	return &Resolver{repo: repo, retailerID: retailerID}
}

// Resolve returns the margin percentage for the product, preferring an exact
// product-ID rate, then a case-insensitive product-name rate, then the
// account-wide default. ok=false means no rate is provisioned anywhere.
func (r *Resolver) Resolve(ctx context.Context, productID string, productName string) (decimal.Decimal, bool) {
	rates, err := r.repo.GetMarginRates(ctx, r.retailerID)
	if err != nil {
		return decimal.Zero, false
	}

	if rate, ok := rates.ByProductID[productID]; ok && validRate(rate) {
		return rate, true
	}

	name := strings.ToLower(strings.TrimSpace(productName))
	if name != "" {
		for key, rate := range rates.ByName {
			if strings.ToLower(strings.TrimSpace(key)) == name && validRate(rate) {
				return rate, true
			}
		}
	}

	if rates.Default != nil && validRate(*rates.Default) {
		return *rates.Default, true
	}

	return decimal.Zero, false
}

func validRate(rate decimal.Decimal) bool {
	return !rate.IsNegative() && rate.LessThanOrEqual(decimal.NewFromInt(100))
}
