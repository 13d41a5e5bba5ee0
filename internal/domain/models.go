package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerKind selects one of the two mutually exclusive spending ledgers a
// retailer can settle a sale against.
type LedgerKind string

const (
	LedgerCredit   LedgerKind = "credit"
	LedgerKickback LedgerKind = "kickback"
)

func (k LedgerKind) Valid() bool {
	return k == LedgerCredit || k == LedgerKickback
}

// SettlementMode records whether a sale was confirmed by the order service or
// completed locally while the network was unavailable.
type SettlementMode string

const (
	SettlementOnline  SettlementMode = "online"
	SettlementOffline SettlementMode = "offline"
)

// CodeSource marks where an issued serial code originated. Locally issued
// codes keep SourceLocal forever, even after reconciliation, so they stay
// distinguishable from server codes in audits.
type CodeSource string

const (
	CodeSourceServer CodeSource = "server"
	CodeSourceLocal  CodeSource = "local"
)

type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Network    string          `json:"network"`
	Category   string          `json:"category"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	UnitsAvail int             `json:"units_available"`
	Active     bool            `json:"active"`
}

// Ledger is a single spendable balance. Available is always Limit - Used.
type Ledger struct {
	Kind      LedgerKind      `json:"kind"`
	Limit     decimal.Decimal `json:"limit"`
	Used      decimal.Decimal `json:"used"`
	Available decimal.Decimal `json:"available"`
}

// MarginRates is the read-only margin provisioning feed: product-specific
// percentages plus an account-wide default. A nil Default means no fallback.
type MarginRates struct {
	ByProductID map[string]decimal.Decimal
	ByName      map[string]decimal.Decimal
	Default     *decimal.Decimal
}

type IssuedCode struct {
	Code        string     `json:"code"`
	Source      CodeSource `json:"source"`
	PendingSync bool       `json:"pending_sync"`
}

// SaleEvent is the immutable record of one committed sale and the append-only
// source of truth for every rollup. Corrections are new compensating events,
// never edits.
type SaleEvent struct {
	ID             string          `json:"id"`
	RetailerID     string          `json:"retailer_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	MarginRate     decimal.Decimal `json:"margin_rate"`
	ProfitAmount   decimal.Decimal `json:"profit_amount"`
	CostAmount     decimal.Decimal `json:"cost_amount"`
	LedgerUsed     LedgerKind      `json:"ledger_used"`
	SettlementMode SettlementMode  `json:"settlement_mode"`
	IssuedCodes    []IssuedCode    `json:"issued_codes"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RollupPeriod selects the bucket granularity of a profit rollup.
type RollupPeriod string

const (
	RollupDaily   RollupPeriod = "daily"
	RollupMonthly RollupPeriod = "monthly"
	RollupYearly  RollupPeriod = "yearly"
)

func (p RollupPeriod) Valid() bool {
	return p == RollupDaily || p == RollupMonthly || p == RollupYearly
}

// ProfitBucket is a derived aggregate over one period key. It is a cache:
// replaying SaleEvents bucketed by period key must reproduce it exactly.
type ProfitBucket struct {
	PeriodKey  string          `json:"period_key"`
	ProfitSum  decimal.Decimal `json:"profit_sum"`
	RevenueSum decimal.Decimal `json:"revenue_sum"`
	SaleCount  int             `json:"sale_count"`
}

// Receipt renders one SaleEvent for the customer. Write-only output, not part
// of the transactional model.
type Receipt struct {
	SaleID         string          `json:"sale_id"`
	RetailerID     string          `json:"retailer_id"`
	Timestamp      time.Time       `json:"timestamp"`
	ProductName    string          `json:"product_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	IssuedCodes    []IssuedCode    `json:"issued_codes"`
	SettlementMode SettlementMode  `json:"settlement_mode"`
	PendingSync    bool            `json:"pending_sync"`
}

type SaleRequest struct {
	RetailerID     string     `json:"retailer_id"`
	ProductID      string     `json:"product_id" validate:"required"`
	Quantity       int        `json:"quantity" validate:"required,min=1"`
	Ledger         LedgerKind `json:"ledger" validate:"required,oneof=credit kickback"`
	IdempotencyKey string     `json:"idempotency_key"`
}

type SaleResponse struct {
	Receipt   Receipt `json:"receipt"`
	Duplicate bool    `json:"duplicate"`
}

type SaleLookupResponse struct {
	Found bool     `json:"found"`
	Sale  *Receipt `json:"sale,omitempty"`
}

type RollupResponse struct {
	Period  RollupPeriod   `json:"period"`
	Buckets []ProfitBucket `json:"buckets"`
}

type LedgerListResponse struct {
	Ledgers []Ledger `json:"ledgers"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID         string    `json:"id"`
	RetailerID string    `json:"retailer_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// PeriodKey formats t into the bucket key for the given period.
func PeriodKey(period RollupPeriod, t time.Time) string {
	t = t.UTC()
	switch period {
	case RollupMonthly:
		return t.Format("2006-01")
	case RollupYearly:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}
