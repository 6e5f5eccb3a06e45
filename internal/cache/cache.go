package cache

import (
	"context"
	"fmt"
	"time"

	"gudangku/backend/internal/domain"
)

// TrendCache stores computed trend reports. Readers take the shop's
// Generation before loading sales and build the key from it; Invalidate bumps
// the generation, so a report computed from pre-invalidation data lands under
// a key no later reader asks for.
type TrendCache interface {
	Generation(ctx context.Context, shopID string) (int64, error)
	Get(ctx context.Context, key string) (*domain.TrendReport, bool, error)
	Set(ctx context.Context, key string, value *domain.TrendReport, ttl time.Duration) error
	// Invalidate advances the shop's generation and drops its cached trends.
	Invalidate(ctx context.Context, shopID string) error
}

// TrendKey identifies one report: shop, cache generation, window length, zone
// and the last calendar day of the window.
func TrendKey(shopID string, generation int64, days int, location string, endDate string) string {
	return fmt.Sprintf("%sg%d:%d:%s:%s", trendPrefix(shopID), generation, days, location, endDate)
}

func generationKey(shopID string) string {
	return "trendgen:" + shopID
}

func trendPrefix(shopID string) string {
	return "trend:" + shopID + ":"
}

type NoopTrendCache struct{}

func (NoopTrendCache) Generation(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopTrendCache) Get(_ context.Context, _ string) (*domain.TrendReport, bool, error) {
	return nil, false, nil
}

func (NoopTrendCache) Set(_ context.Context, _ string, _ *domain.TrendReport, _ time.Duration) error {
	return nil
}

func (NoopTrendCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
