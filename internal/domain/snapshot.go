package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rollup snapshot schema versions. Version 1 stored one aggregated point per
// day; version 2 stores one point per sale. A v1 payload is migrated exactly
// once on load, guarded by the stored version tag.
const (
	SnapshotSchemaV1 = 1
	SnapshotSchemaV2 = 2
)

// ProfitPoint is one recorded sale inside the persisted rollup snapshot.
type ProfitPoint struct {
	SaleID    string          `json:"sale_id"`
	Timestamp time.Time       `json:"timestamp"`
	Profit    decimal.Decimal `json:"profit"`
	Revenue   decimal.Decimal `json:"revenue"`
	Migrated  bool            `json:"migrated,omitempty"`
}

// RollupSnapshot is the persisted profit-journal cache payload. DailyBuckets
// is only populated in v1 payloads and is consumed by the migration.
type RollupSnapshot struct {
	SchemaVersion int            `json:"schema_version"`
	Points        []ProfitPoint  `json:"points,omitempty"`
	DailyBuckets  []ProfitBucket `json:"daily_buckets,omitempty"`
}
