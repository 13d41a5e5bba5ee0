package settlement

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"esimpos/backend/internal/domain"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// OfflineIssuer synthesizes locally-unique serial codes when the order
// service is unreachable. Codes combine two randomized alphanumeric groups
// with a monotonic counter and a timestamp behind a fixed LOC prefix, so
// collisions are implausible and local origin is visible at a glance. The
// codes stay tagged as locally issued forever, even after reconciliation.
type OfflineIssuer struct {
	counter atomic.Uint64
	now     func() time.Time
}

func NewOfflineIssuer() *OfflineIssuer {
	return &OfflineIssuer{now: time.Now}
}

// Issue returns qty pending-sync codes. It cannot fail: a crypto/rand error
// degrades to timestamp-derived groups rather than aborting the sale.
func (i *OfflineIssuer) Issue(productID string, qty int) []domain.IssuedCode {
	if qty < 1 {
		return nil
	}

	codes := make([]domain.IssuedCode, 0, qty)
	for n := 0; n < qty; n++ {
		seq := i.counter.Add(1)
		ts := i.now().UTC()
		code := fmt.Sprintf("LOC-%s-%s-%06d-%s",
			randGroup(4), randGroup(4), seq%1000000, ts.Format("060102150405"))
		codes = append(codes, domain.IssuedCode{
			Code:        code,
			Source:      domain.CodeSourceLocal,
			PendingSync: true,
		})
	}
	return codes
}

func randGroup(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Degraded path: derive the group from the clock instead.
		stamp := fmt.Sprintf("%d", time.Now().UnixNano())
		return strings.ToUpper(stamp[len(stamp)-n:])
	}
	var b strings.Builder
	b.Grow(n)
	for _, c := range buf {
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String()
}
