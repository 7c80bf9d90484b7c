// Package quota enforces per-tenant monthly AI-token and daily test limits
// from the usage log.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
)

type UsageStore interface {
	SumTokensSince(ctx context.Context, tenantID int64, category string, since time.Time) (int64, error)
	CountUsageSince(ctx context.Context, tenantID int64, category string, since time.Time) (int64, error)
}

// Enforcer is read-then-decide: two concurrent requests can both pass just
// under the limit.
type Enforcer struct {
	usage UsageStore
	now   func() time.Time
}

func NewEnforcer(usage UsageStore) *Enforcer {
	return &Enforcer{usage: usage, now: time.Now}
}

// CheckAITokens compares this month's AI tokens with the tenant quota,
// which is stored in thousands.
func (e *Enforcer) CheckAITokens(ctx context.Context, tenant *models.Tenant) error {
	now := e.now().UTC()
	start := MonthStart(now)

	used, err := e.usage.SumTokensSince(ctx, tenant.ID, models.CategoryAI, start)
	if err != nil {
		return fmt.Errorf("sum ai tokens: %w", err)
	}

	limit := tenant.MonthlyTokenQuota * 1000
	if used >= limit {
		reset := start.AddDate(0, 1, 0)
		return apierr.QuotaExceeded("monthly AI token quota exceeded", reset.Sub(now), limit, used)
	}
	return nil
}

func (e *Enforcer) CheckPerformanceTests(ctx context.Context, tenant *models.Tenant) error {
	now := e.now().UTC()
	start := DayStart(now)

	used, err := e.usage.CountUsageSince(ctx, tenant.ID, models.CategoryPerfTest, start)
	if err != nil {
		return fmt.Errorf("count performance tests: %w", err)
	}

	if used >= tenant.DailyTestQuota {
		reset := start.AddDate(0, 0, 1)
		return apierr.QuotaExceeded("daily performance test quota exceeded", reset.Sub(now), tenant.DailyTestQuota, used)
	}
	return nil
}

func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
