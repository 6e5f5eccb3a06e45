package report

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/domain"
)

const (
	DefaultDays = 7
	MaxDays     = 366
	dateLayout  = "2006-01-02"
)

var hundred = decimal.NewFromInt(100)

// SalesSource is the read side the aggregator needs; it never writes.
type SalesSource interface {
	ListSales(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error)
}

type Aggregator struct {
	sales    SalesSource
	cache    cache.TrendCache
	cacheTTL time.Duration
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

func NewAggregator(sales SalesSource, cacheStore cache.TrendCache, cacheTTL time.Duration, location *time.Location, logger *zap.Logger) *Aggregator {
	if cacheStore == nil {
		cacheStore = cache.NoopTrendCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		sales:    sales,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		location: location,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *Aggregator) ComputeTrend(ctx context.Context, req domain.TrendRequest) (*domain.TrendReport, error) {
	if strings.TrimSpace(req.ShopID) == "" {
		return nil, domain.ValidationError("shop_id is required")
	}
	days := req.Days
	if days == 0 {
		days = DefaultDays
	}
	if days < 1 || days > MaxDays {
		return nil, domain.ValidationError("days must be between 1 and %d", MaxDays)
	}
	loc := req.Location
	if loc == nil {
		loc = a.location
	}

	from, to, dates := Window(a.now(), days, loc)

	// The generation is read before sales are loaded. A sale committed after
	// this point bumps it, so the report below is cached under a retired key.
	cacheKey := ""
	if gen, err := a.cache.Generation(ctx, req.ShopID); err != nil {
		a.logger.Warn("trend cache generation read failed", zap.String("shop_id", req.ShopID), zap.Error(err))
	} else {
		cacheKey = cache.TrendKey(req.ShopID, gen, days, loc.String(), dates[len(dates)-1].Format(dateLayout))
		if cached, ok, err := a.cache.Get(ctx, cacheKey); err != nil {
			a.logger.Warn("trend cache read failed", zap.String("key", cacheKey), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	sales, err := a.sales.ListSales(ctx, req.ShopID, from, to)
	if err != nil {
		return nil, domain.AsTransactionError("load sales", err)
	}

	buckets := BuildSeries(dates, sales, loc)
	report := &domain.TrendReport{
		ShopID:    req.ShopID,
		DailyData: buckets,
		Summary:   Summarize(buckets),
	}

	if cacheKey != "" {
		if err := a.cache.Set(ctx, cacheKey, report, a.cacheTTL); err != nil {
			a.logger.Warn("trend cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	a.logger.Debug("sales trend computed",
		zap.String("shop_id", req.ShopID),
		zap.Int("days", days),
		zap.Int("sales", len(sales)),
	)
	return report, nil
}

// Window returns the half-open instant range [from, to) covering the last
// days calendar days up to and including the day of now in loc, together
// with the start of each of those days.
func Window(now time.Time, days int, loc *time.Location) (time.Time, time.Time, []time.Time) {
	today := startOfDay(now.In(loc))
	first := today.AddDate(0, 0, -(days - 1))
	dates := CalendarDates(first, today)
	return first, today.AddDate(0, 0, 1), dates
}

// CalendarDates lists the start of every day from first through last,
// inclusive. Both bounds are truncated to their day in their own location.
func CalendarDates(first time.Time, last time.Time) []time.Time {
	start := startOfDay(first)
	end := startOfDay(last.In(first.Location()))
	if end.Before(start) {
		return []time.Time{}
	}
	dates := make([]time.Time, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// BuildSeries produces one bucket per date, in order. Sales falling on a day
// outside dates are ignored.
func BuildSeries(dates []time.Time, sales []domain.Sale, loc *time.Location) []domain.DailyBucket {
	buckets := make([]domain.DailyBucket, len(dates))
	index := make(map[string]int, len(dates))
	for i, d := range dates {
		key := d.Format(dateLayout)
		buckets[i] = domain.DailyBucket{Date: key, Total: decimal.Zero, Sales: []domain.Sale{}}
		index[key] = i
	}
	for _, sale := range sales {
		i, ok := index[sale.CreatedAt.In(loc).Format(dateLayout)]
		if !ok {
			continue
		}
		buckets[i].Total = buckets[i].Total.Add(sale.Total)
		buckets[i].Count++
		buckets[i].Sales = append(buckets[i].Sales, sale)
	}
	return buckets
}

func Summarize(buckets []domain.DailyBucket) domain.TrendSummary {
	summary := domain.TrendSummary{
		TotalSales:   decimal.Zero,
		AverageDaily: decimal.Zero,
		GrowthRate:   decimal.Zero,
		DateRange:    domain.DateRange{Days: len(buckets)},
	}
	if len(buckets) == 0 {
		return summary
	}

	var peak *domain.DailyBucket
	for i := range buckets {
		summary.TotalSales = summary.TotalSales.Add(buckets[i].Total)
		summary.TotalTransactions += buckets[i].Count
		if buckets[i].Total.IsPositive() && (peak == nil || buckets[i].Total.GreaterThan(peak.Total)) {
			peak = &buckets[i]
		}
	}
	if peak != nil {
		copied := *peak
		summary.PeakDay = &copied
	}

	summary.AverageDaily = average(buckets).Round(2)
	summary.GrowthRate = growthRate(buckets).Round(2)
	summary.DateRange.Start = buckets[0].Date
	summary.DateRange.End = buckets[len(buckets)-1].Date
	return summary
}

// growthRate compares the mean of the first floor(n/2) days with the mean of
// the rest, as a percentage of the first half.
func growthRate(buckets []domain.DailyBucket) decimal.Decimal {
	half := len(buckets) / 2
	firstAvg := average(buckets[:half])
	secondAvg := average(buckets[half:])
	if firstAvg.IsZero() {
		return decimal.Zero
	}
	return secondAvg.Sub(firstAvg).Div(firstAvg).Mul(hundred)
}

func average(buckets []domain.DailyBucket) decimal.Decimal {
	if len(buckets) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, b := range buckets {
		total = total.Add(b.Total)
	}
	return total.Div(decimal.NewFromInt(int64(len(buckets))))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
