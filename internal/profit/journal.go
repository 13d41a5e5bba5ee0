// Package profit maintains the append-only sale journal and its derived
// daily/monthly/yearly rollups. The sale event log is the source of truth;
// rollups are a cache that a replay of events must reproduce exactly.
package profit

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"esimpos/backend/internal/cache"
	"esimpos/backend/internal/domain"
	"esimpos/backend/internal/store"
)

type bucketAgg struct {
	profit  decimal.Decimal
	revenue decimal.Decimal
	count   int
}

type Journal struct {
	repo       store.Repository
	cache      cache.SnapshotCache
	retailerID string

	mu      sync.RWMutex
	points  []domain.ProfitPoint
	daily   map[string]*bucketAgg
	monthly map[string]*bucketAgg
	yearly  map[string]*bucketAgg
}

func NewJournal(repo store.Repository, snapshots cache.SnapshotCache, retailerID string) *Journal {
	return &Journal{
		repo:       repo,
		cache:      snapshots,
		retailerID: retailerID,
		daily:      make(map[string]*bucketAgg),
		monthly:    make(map[string]*bucketAgg),
		yearly:     make(map[string]*bucketAgg),
	}
}

func (j *Journal) snapshotKey() string {
	return "profit:rollup:" + j.retailerID
}

// Init loads the persisted snapshot, migrates a legacy v1 payload exactly
// once, and replays the durable sale event log on top. Migrated legacy points
// carry synthetic sale ids so they can never collide with replayed events.
func (j *Journal) Init(ctx context.Context) error {
	legacy := []domain.ProfitPoint{}

	snapshot, found, err := j.cache.Get(ctx, j.snapshotKey())
	if err != nil {
		logrus.WithError(err).Warn("profit: snapshot load failed, rebuilding from event log")
	} else if found {
		migrated := MigrateSnapshot(snapshot)
		if migrated.SchemaVersion != snapshot.SchemaVersion {
			logrus.WithFields(logrus.Fields{
				"from": snapshot.SchemaVersion,
				"to":   migrated.SchemaVersion,
			}).Info("profit: migrated rollup snapshot schema")
		}
		for _, p := range migrated.Points {
			if p.Migrated {
				legacy = append(legacy, p)
			}
		}
	}

	events, err := j.repo.ListSaleEvents(ctx, j.retailerID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.points = j.points[:0]
	j.daily = make(map[string]*bucketAgg)
	j.monthly = make(map[string]*bucketAgg)
	j.yearly = make(map[string]*bucketAgg)
	for _, p := range legacy {
		j.addPointLocked(p)
	}
	for _, event := range events {
		j.addPointLocked(pointFromEvent(event))
	}
	j.mu.Unlock()

	j.persist(ctx)
	return nil
}

// Record appends the event to the durable log and folds it into all three
// rollup granularities in the same logical operation.
func (j *Journal) Record(ctx context.Context, event domain.SaleEvent) error {
	if err := j.repo.AppendSaleEvent(ctx, event); err != nil {
		return err
	}

	j.mu.Lock()
	j.addPointLocked(pointFromEvent(event))
	j.mu.Unlock()

	j.persist(ctx)
	return nil
}

func (j *Journal) addPointLocked(p domain.ProfitPoint) {
	j.points = append(j.points, p)
	for period, buckets := range map[domain.RollupPeriod]map[string]*bucketAgg{
		domain.RollupDaily:   j.daily,
		domain.RollupMonthly: j.monthly,
		domain.RollupYearly:  j.yearly,
	} {
		key := domain.PeriodKey(period, p.Timestamp)
		agg, ok := buckets[key]
		if !ok {
			agg = &bucketAgg{profit: decimal.Zero, revenue: decimal.Zero}
			buckets[key] = agg
		}
		agg.profit = agg.profit.Add(p.Profit)
		agg.revenue = agg.revenue.Add(p.Revenue)
		agg.count++
	}
}

// Rollup returns the aggregated buckets for the period, oldest first.
func (j *Journal) Rollup(period domain.RollupPeriod) []domain.ProfitBucket {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var src map[string]*bucketAgg
	switch period {
	case domain.RollupMonthly:
		src = j.monthly
	case domain.RollupYearly:
		src = j.yearly
	default:
		src = j.daily
	}

	buckets := make([]domain.ProfitBucket, 0, len(src))
	for key, agg := range src {
		buckets = append(buckets, domain.ProfitBucket{
			PeriodKey:  key,
			ProfitSum:  agg.profit,
			RevenueSum: agg.revenue,
			SaleCount:  agg.count,
		})
	}
	slices.SortFunc(buckets, func(a, b domain.ProfitBucket) int {
		return strings.Compare(a.PeriodKey, b.PeriodKey)
	})
	return buckets
}

func (j *Journal) persist(ctx context.Context) {
	j.mu.RLock()
	snapshot := &domain.RollupSnapshot{
		SchemaVersion: domain.SnapshotSchemaV2,
		Points:        slices.Clone(j.points),
	}
	j.mu.RUnlock()

	if err := j.cache.Set(ctx, j.snapshotKey(), snapshot); err != nil {
		logrus.WithError(err).Warn("profit: snapshot persist failed")
	}
}

func pointFromEvent(event domain.SaleEvent) domain.ProfitPoint {
	return domain.ProfitPoint{
		SaleID:    event.ID,
		Timestamp: event.CreatedAt.UTC(),
		Profit:    event.ProfitAmount,
		Revenue:   event.TotalAmount,
	}
}

// MigrateSnapshot upgrades a v1 snapshot (one aggregated point per day) to
// the v2 one-point-per-sale representation. The bucket's profit and revenue
// are split evenly across its sale count, any rounding remainder lands on the
// first synthesized point so sums stay exact to the cent, and timestamps are
// spread deterministically through the business day. The transform is a no-op
// on v2 input, so running it twice equals running it once.
func MigrateSnapshot(s *domain.RollupSnapshot) *domain.RollupSnapshot {
	if s == nil {
		return &domain.RollupSnapshot{SchemaVersion: domain.SnapshotSchemaV2}
	}
	if s.SchemaVersion >= domain.SnapshotSchemaV2 {
		out := *s
		out.DailyBuckets = nil
		return &out
	}

	out := &domain.RollupSnapshot{SchemaVersion: domain.SnapshotSchemaV2}
	for _, bucket := range s.DailyBuckets {
		if bucket.SaleCount < 1 {
			continue
		}
		day, err := time.Parse("2006-01-02", bucket.PeriodKey)
		if err != nil {
			logrus.WithField("period_key", bucket.PeriodKey).Warn("profit: skipping unparseable legacy bucket")
			continue
		}

		count := int64(bucket.SaleCount)
		profitShare := bucket.ProfitSum.Div(decimal.NewFromInt(count)).Round(2)
		revenueShare := bucket.RevenueSum.Div(decimal.NewFromInt(count)).Round(2)
		profitRemainder := bucket.ProfitSum.Sub(profitShare.Mul(decimal.NewFromInt(count)))
		revenueRemainder := bucket.RevenueSum.Sub(revenueShare.Mul(decimal.NewFromInt(count)))

		// Spread points across a 12-hour window starting 09:00 UTC.
		base := day.Add(9 * time.Hour)
		step := time.Duration(int64(12*time.Hour) / count)

		for i := 0; i < bucket.SaleCount; i++ {
			profit := profitShare
			revenue := revenueShare
			if i == 0 {
				profit = profit.Add(profitRemainder)
				revenue = revenue.Add(revenueRemainder)
			}
			out.Points = append(out.Points, domain.ProfitPoint{
				SaleID:    "legacy-" + bucket.PeriodKey + "-" + strconv.Itoa(i),
				Timestamp: base.Add(step * time.Duration(i)),
				Profit:    profit,
				Revenue:   revenue,
				Migrated:  true,
			})
		}
	}
	return out
}
