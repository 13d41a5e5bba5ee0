package profit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"esimpos/backend/internal/cache"
	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/store/memory"
	"esimpos/backend/internal/xid"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func saleEvent(ts time.Time, profit, revenue string) domain.SaleEvent {
	return domain.SaleEvent{
		ID:             xid.New("sale"),
		RetailerID:     "main-retailer",
		IdempotencyKey: xid.New("idem"),
		ProductID:      "ESIM-TELCOA-5GB",
		ProductName:    "TelcoA 5GB 30D",
		Quantity:       1,
		UnitPrice:      dec(revenue),
		TotalAmount:    dec(revenue),
		MarginRate:     dec("12"),
		ProfitAmount:   dec(profit),
		CostAmount:     dec(revenue).Sub(dec(profit)),
		LedgerUsed:     domain.LedgerCredit,
		SettlementMode: domain.SettlementOnline,
		CreatedAt:      ts,
	}
}

func TestRecordFoldsIntoAllPeriods(t *testing.T) {
	repo := memory.NewSeeded()
	journal := NewJournal(repo, cache.NoopSnapshotCache{}, "main-retailer")
	if err := journal.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	jan10 := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)
	jan11 := time.Date(2026, 1, 11, 9, 30, 0, 0, time.UTC)
	feb02 := time.Date(2026, 2, 2, 16, 0, 0, 0, time.UTC)

	for _, event := range []domain.SaleEvent{
		saleEvent(jan10, "5.40", "45.00"),
		saleEvent(jan10, "5.40", "45.00"),
		saleEvent(jan11, "8.00", "80.00"),
		saleEvent(feb02, "15.00", "100.00"),
	} {
		if err := journal.Record(context.Background(), event); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	daily := journal.Rollup(domain.RollupDaily)
	if len(daily) != 3 {
		t.Fatalf("expected 3 daily buckets, got %d", len(daily))
	}
	if daily[0].PeriodKey != "2026-01-10" || daily[0].SaleCount != 2 {
		t.Fatalf("unexpected first daily bucket: %+v", daily[0])
	}
	if !daily[0].ProfitSum.Equal(dec("10.80")) {
		t.Fatalf("expected 10.80 profit on 2026-01-10, got %s", daily[0].ProfitSum)
	}

	monthly := journal.Rollup(domain.RollupMonthly)
	if len(monthly) != 2 {
		t.Fatalf("expected 2 monthly buckets, got %d", len(monthly))
	}
	if monthly[0].PeriodKey != "2026-01" || !monthly[0].ProfitSum.Equal(dec("18.80")) {
		t.Fatalf("unexpected january bucket: %+v", monthly[0])
	}

	yearly := journal.Rollup(domain.RollupYearly)
	if len(yearly) != 1 {
		t.Fatalf("expected 1 yearly bucket, got %d", len(yearly))
	}
	if yearly[0].PeriodKey != "2026" || yearly[0].SaleCount != 4 {
		t.Fatalf("unexpected yearly bucket: %+v", yearly[0])
	}
	if !yearly[0].ProfitSum.Equal(dec("33.80")) {
		t.Fatalf("expected 33.80 yearly profit, got %s", yearly[0].ProfitSum)
	}
}

// Rollups are a cache over the event log: a fresh journal replaying the same
// log must produce identical buckets.
func TestInitReplayMatchesLiveRollup(t *testing.T) {
	repo := memory.NewSeeded()
	live := NewJournal(repo, cache.NoopSnapshotCache{}, "main-retailer")
	if err := live.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		event := saleEvent(base.Add(time.Duration(i)*6*time.Hour), "5.40", "45.00")
		if err := live.Record(context.Background(), event); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	replayed := NewJournal(repo, cache.NoopSnapshotCache{}, "main-retailer")
	if err := replayed.Init(context.Background()); err != nil {
		t.Fatalf("replay init failed: %v", err)
	}

	for _, period := range []domain.RollupPeriod{domain.RollupDaily, domain.RollupMonthly, domain.RollupYearly} {
		want := live.Rollup(period)
		got := replayed.Rollup(period)
		if len(want) != len(got) {
			t.Fatalf("%s: bucket count mismatch: %d vs %d", period, len(want), len(got))
		}
		for i := range want {
			if want[i].PeriodKey != got[i].PeriodKey ||
				!want[i].ProfitSum.Equal(got[i].ProfitSum) ||
				!want[i].RevenueSum.Equal(got[i].RevenueSum) ||
				want[i].SaleCount != got[i].SaleCount {
				t.Fatalf("%s: bucket %d mismatch: %+v vs %+v", period, i, want[i], got[i])
			}
		}
	}
}

func TestMigrateSnapshotPreservesSums(t *testing.T) {
	legacy := &domain.RollupSnapshot{
		SchemaVersion: domain.SnapshotSchemaV1,
		DailyBuckets: []domain.ProfitBucket{
			// 10.00 across 3 sales does not split evenly; the remainder cent
			// must land somewhere instead of vanishing.
			{PeriodKey: "2025-12-01", ProfitSum: dec("10.00"), RevenueSum: dec("100.00"), SaleCount: 3},
			{PeriodKey: "2025-12-02", ProfitSum: dec("7.50"), RevenueSum: dec("50.00"), SaleCount: 2},
		},
	}

	migrated := MigrateSnapshot(legacy)
	if migrated.SchemaVersion != domain.SnapshotSchemaV2 {
		t.Fatalf("expected schema v2, got %d", migrated.SchemaVersion)
	}
	if len(migrated.Points) != 5 {
		t.Fatalf("expected 5 points, got %d", len(migrated.Points))
	}

	sums := map[string]decimal.Decimal{}
	for _, p := range migrated.Points {
		if !p.Migrated {
			t.Fatalf("migrated point must be tagged: %+v", p)
		}
		key := p.Timestamp.Format("2006-01-02")
		sums[key] = sums[key].Add(p.Profit)
	}
	if !sums["2025-12-01"].Equal(dec("10.00")) {
		t.Fatalf("day one profit drifted: %s", sums["2025-12-01"])
	}
	if !sums["2025-12-02"].Equal(dec("7.50")) {
		t.Fatalf("day two profit drifted: %s", sums["2025-12-02"])
	}
}

func TestMigrateSnapshotIdempotent(t *testing.T) {
	legacy := &domain.RollupSnapshot{
		SchemaVersion: domain.SnapshotSchemaV1,
		DailyBuckets: []domain.ProfitBucket{
			{PeriodKey: "2025-11-20", ProfitSum: dec("9.00"), RevenueSum: dec("90.00"), SaleCount: 3},
		},
	}

	once := MigrateSnapshot(legacy)
	twice := MigrateSnapshot(once)

	if twice.SchemaVersion != domain.SnapshotSchemaV2 {
		t.Fatalf("expected schema v2 after double migration, got %d", twice.SchemaVersion)
	}
	if len(once.Points) != len(twice.Points) {
		t.Fatalf("double migration changed point count: %d vs %d", len(once.Points), len(twice.Points))
	}
	for i := range once.Points {
		if once.Points[i].SaleID != twice.Points[i].SaleID ||
			!once.Points[i].Profit.Equal(twice.Points[i].Profit) ||
			!once.Points[i].Timestamp.Equal(twice.Points[i].Timestamp) {
			t.Fatalf("double migration changed point %d: %+v vs %+v", i, once.Points[i], twice.Points[i])
		}
	}
	if twice.DailyBuckets != nil {
		t.Fatalf("migrated snapshot must not carry legacy buckets")
	}
}

func TestMigrateSnapshotNilAndEmpty(t *testing.T) {
	out := MigrateSnapshot(nil)
	if out.SchemaVersion != domain.SnapshotSchemaV2 || len(out.Points) != 0 {
		t.Fatalf("nil snapshot must migrate to empty v2, got %+v", out)
	}

	out = MigrateSnapshot(&domain.RollupSnapshot{SchemaVersion: domain.SnapshotSchemaV1})
	if out.SchemaVersion != domain.SnapshotSchemaV2 || len(out.Points) != 0 {
		t.Fatalf("empty v1 snapshot must migrate to empty v2, got %+v", out)
	}
}

// fakeCache captures the last persisted snapshot so Init's migrate-then-replay
// path can be exercised without redis.
type fakeCache struct {
	snapshot *domain.RollupSnapshot
}

func (f *fakeCache) Get(_ context.Context, _ string) (*domain.RollupSnapshot, bool, error) {
	if f.snapshot == nil {
		return nil, false, nil
	}
	return f.snapshot, true, nil
}

func (f *fakeCache) Set(_ context.Context, _ string, s *domain.RollupSnapshot) error {
	f.snapshot = s
	return nil
}

func TestInitMigratesLegacySnapshot(t *testing.T) {
	repo := memory.NewSeeded()
	snapshots := &fakeCache{snapshot: &domain.RollupSnapshot{
		SchemaVersion: domain.SnapshotSchemaV1,
		DailyBuckets: []domain.ProfitBucket{
			{PeriodKey: "2025-10-05", ProfitSum: dec("12.00"), RevenueSum: dec("120.00"), SaleCount: 4},
		},
	}}

	journal := NewJournal(repo, snapshots, "main-retailer")
	if err := journal.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	daily := journal.Rollup(domain.RollupDaily)
	if len(daily) != 1 || daily[0].PeriodKey != "2025-10-05" {
		t.Fatalf("expected migrated legacy bucket, got %+v", daily)
	}
	if daily[0].SaleCount != 4 || !daily[0].ProfitSum.Equal(dec("12.00")) {
		t.Fatalf("legacy bucket totals drifted: %+v", daily[0])
	}

	if snapshots.snapshot.SchemaVersion != domain.SnapshotSchemaV2 {
		t.Fatalf("persisted snapshot must be v2, got %d", snapshots.snapshot.SchemaVersion)
	}

	// Init again from the already-migrated snapshot: nothing should double.
	again := NewJournal(repo, snapshots, "main-retailer")
	if err := again.Init(context.Background()); err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	daily = again.Rollup(domain.RollupDaily)
	if len(daily) != 1 || daily[0].SaleCount != 4 {
		t.Fatalf("second init doubled legacy points: %+v", daily)
	}
}
