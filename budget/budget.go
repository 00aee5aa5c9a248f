// Package budget enforces per-(provider, model?) spend caps across
// calendar periods (spec §4.5). Grounded on Shannon's BudgetManager for the
// multi-period check/record shape and its documented mutex lock ordering,
// re-keyed onto Redis atomic increments instead of an in-process map so
// currentSpend stays read-modify-write safe across orchestrator instances,
// per core/redis_client.go's DB-isolation convention (RedisDBBudget).
package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/council-proxy/council/ccerrors"
	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/types"
)

// capKey identifies one BudgetCap row. modelID == "" means the
// model-agnostic, provider-wide cap (spec §3's modelId = null).
type capKey struct {
	providerID string
	modelID    string
}

// Enforcer tracks BudgetCap configuration in memory (caps change rarely and
// are sourced from configuration, not request traffic) and BudgetSpending
// rows in Redis (which must be safe for concurrent read-modify-write across
// every orchestrator instance sharing the same Redis deployment).
type Enforcer struct {
	mu     sync.RWMutex
	caps   map[capKey]types.BudgetCap
	redis  *core.RedisClient
	logger core.Logger
}

// NewEnforcer creates a budget enforcer over an already-connected Redis
// client (expected to be opened against core.RedisDBBudget).
func NewEnforcer(redis *core.RedisClient, logger core.Logger) *Enforcer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Enforcer{
		caps:   make(map[capKey]types.BudgetCap),
		redis:  redis,
		logger: logger,
	}
}

// SetCap installs or replaces a BudgetCap row.
func (e *Enforcer) SetCap(cap types.BudgetCap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps[keyFor(cap.ProviderID, cap.ModelID)] = cap
}

func keyFor(providerID string, modelID *string) capKey {
	if modelID == nil {
		return capKey{providerID: providerID}
	}
	return capKey{providerID: providerID, modelID: *modelID}
}

// capsFor returns every cap row relevant to (providerID, modelID): the
// model-specific cap (if any) and the model-agnostic fallback cap (if any),
// per spec §4.5 step 1 — both evaluated independently, never folded into
// one resolved cap (spec §9 Open Question decision).
func (e *Enforcer) capsFor(providerID, modelID string) []types.BudgetCap {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []types.BudgetCap
	if modelID != "" {
		if c, ok := e.caps[capKey{providerID: providerID, modelID: modelID}]; ok {
			out = append(out, c)
		}
	}
	if c, ok := e.caps[capKey{providerID: providerID}]; ok {
		out = append(out, c)
	}
	return out
}

// CheckResult is checkBudget's return shape (spec §4.5).
type CheckResult struct {
	Allowed        bool
	Reason         string
	CurrentSpend   float64
	BudgetCap      float64 // +Inf when no cap applies
	PercentUsed    float64
}

// periodBounds computes [start, end) for periodType containing `now`, per
// spec §3's exact calendar definitions: daily = local-midnight to next
// midnight; weekly = Sunday 00:00 through Saturday 23:59:59.999; monthly =
// the 1st 00:00 through the last day 23:59:59.999 of the calendar month.
func periodBounds(periodType types.BudgetPeriodType, now time.Time) (time.Time, time.Time) {
	loc := now.Location()
	switch periodType {
	case types.BudgetPeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1)
	case types.BudgetPeriodWeekly:
		dayOfWeek := int(now.Weekday()) // Sunday == 0
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -dayOfWeek)
		return start, start.AddDate(0, 0, 7)
	case types.BudgetPeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1)
	}
}

func periodKeyPrefix(providerID, modelID string, period types.BudgetPeriodType, periodStart time.Time) string {
	m := modelID
	if m == "" {
		m = "-"
	}
	return fmt.Sprintf("spend:%s:%s:%s:%d", providerID, m, period, periodStart.Unix())
}

// CheckBudget evaluates every cap row for (providerID, modelID) across all
// three period types, denying if any non-null limit would be exceeded by
// estimatedCost and marking that exact (provider, model?, period) scope
// disabled (spec §4.5 step 2). If no cap rows exist, allows unconditionally
// with budgetCap = +Inf.
func (e *Enforcer) CheckBudget(ctx context.Context, providerID, modelID string, estimatedCost float64, now time.Time) (CheckResult, error) {
	caps := e.capsFor(providerID, modelID)
	if len(caps) == 0 {
		return CheckResult{Allowed: true, BudgetCap: math.Inf(1), PercentUsed: 0}, nil
	}

	var worst CheckResult
	worst.Allowed = true
	worst.BudgetCap = math.Inf(1)

	for _, cap := range caps {
		for _, period := range []types.BudgetPeriodType{types.BudgetPeriodDaily, types.BudgetPeriodWeekly, types.BudgetPeriodMonthly} {
			limit, ok := cap.LimitForPeriod(period)
			if !ok {
				continue
			}
			spend, err := e.currentSpend(ctx, providerID, capModelID(cap), period, now)
			if err != nil {
				return CheckResult{}, err
			}

			if spend+estimatedCost > limit {
				if err := e.markDisabled(ctx, providerID, capModelID(cap), period, now); err != nil {
					return CheckResult{}, err
				}
				return CheckResult{
					Allowed:      false,
					Reason:       fmt.Sprintf("Would exceed %s budget cap of %g", period, limit),
					CurrentSpend: spend,
					BudgetCap:    limit,
					PercentUsed:  spend / limit,
				}, nil
			}

			if limit < worst.BudgetCap {
				worst = CheckResult{Allowed: true, CurrentSpend: spend, BudgetCap: limit, PercentUsed: spend / limit}
			}
		}
	}

	return worst, nil
}

func capModelID(cap types.BudgetCap) string {
	if cap.ModelID == nil {
		return ""
	}
	return *cap.ModelID
}

// currentSpend reads the active period's currentSpend, treating a missing
// row as zero spend (no BudgetSpending row exists until recordSpending
// creates one).
func (e *Enforcer) currentSpend(ctx context.Context, providerID, modelID string, period types.BudgetPeriodType, now time.Time) (float64, error) {
	start, _ := periodBounds(period, now)
	prefix := periodKeyPrefix(providerID, modelID, period, start)

	raw, err := e.redis.Get(ctx, prefix+":spend")
	if err != nil {
		return 0, nil // missing row == zero spend, per spec §4.5
	}
	var spend float64
	if _, scanErr := fmt.Sscanf(raw, "%g", &spend); scanErr != nil {
		return 0, fmt.Errorf("decode currentSpend: %w", scanErr)
	}
	return spend, nil
}

func (e *Enforcer) markDisabled(ctx context.Context, providerID, modelID string, period types.BudgetPeriodType, now time.Time) error {
	start, end := periodBounds(period, now)
	prefix := periodKeyPrefix(providerID, modelID, period, start)
	ttl := end.Sub(now)
	if err := e.redis.Set(ctx, prefix+":disabled", "1", ttl); err != nil {
		return ccerrors.New("budget.markDisabled", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
	}
	return nil
}

// IsDisabled reports whether (providerID, modelID, period)'s active scope
// has been marked disabled by a prior CheckBudget denial.
func (e *Enforcer) IsDisabled(ctx context.Context, providerID, modelID string, period types.BudgetPeriodType, now time.Time) (bool, error) {
	start, _ := periodBounds(period, now)
	prefix := periodKeyPrefix(providerID, modelID, period, start)
	_, err := e.redis.Get(ctx, prefix+":disabled")
	return err == nil, nil
}

// RecordSpending atomically adds actualCost to every applicable period's
// currentSpend, creating a zeroed row first via set-if-absent when none
// exists yet (spec §4.5's "ensure an active row exists... then atomically
// add"). Two concurrent requests that each independently fit under cap but
// together exceed it are permitted here by design (spec §4.5
// Concurrency note) — CheckBudget's disable-on-overshoot is the backstop.
func (e *Enforcer) RecordSpending(ctx context.Context, providerID, modelID string, actualCost float64, now time.Time) error {
	caps := e.capsFor(providerID, modelID)
	if len(caps) == 0 {
		return nil
	}
	for _, cap := range caps {
		for _, period := range []types.BudgetPeriodType{types.BudgetPeriodDaily, types.BudgetPeriodWeekly, types.BudgetPeriodMonthly} {
			if _, ok := cap.LimitForPeriod(period); !ok {
				continue
			}
			if err := e.recordOnePeriod(ctx, providerID, capModelID(cap), period, actualCost, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Enforcer) recordOnePeriod(ctx context.Context, providerID, modelID string, period types.BudgetPeriodType, actualCost float64, now time.Time) error {
	start, end := periodBounds(period, now)
	prefix := periodKeyPrefix(providerID, modelID, period, start)
	ttl := end.Sub(now)

	// set-if-absent on the full key, per spec §4.5: create with zero spend
	// only if missing, never clobbering a concurrently-created row.
	if _, err := e.redis.SetNXFloat(ctx, prefix+":spend", 0, ttl); err != nil {
		return ccerrors.New("budget.RecordSpending", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
	}
	if _, err := e.redis.IncrByFloat(ctx, prefix+":spend", actualCost); err != nil {
		return ccerrors.New("budget.RecordSpending", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
	}
	return nil
}

// ResetBudgetPeriod rotates every cap's row for periodType: computes the
// new [periodStart, periodEnd) containing now and ensures a zeroed,
// not-disabled row exists for it (spec §4.5's resetBudgetPeriod). Since
// periodKeyPrefix already derives a fresh key per periodStart, rotation is
// really "let the old key's TTL lapse and lazily create the new one" —
// this call forces that creation eagerly instead of waiting for the first
// RecordSpending/CheckBudget against the new period.
func (e *Enforcer) ResetBudgetPeriod(ctx context.Context, periodType types.BudgetPeriodType, now time.Time) error {
	e.mu.RLock()
	caps := make([]types.BudgetCap, 0, len(e.caps))
	for _, c := range e.caps {
		caps = append(caps, c)
	}
	e.mu.RUnlock()

	start, end := periodBounds(periodType, now)
	ttl := end.Sub(now)

	for _, cap := range caps {
		if _, ok := cap.LimitForPeriod(periodType); !ok {
			continue
		}
		prefix := periodKeyPrefix(cap.ProviderID, capModelID(cap), periodType, start)
		if err := e.redis.Set(ctx, prefix+":spend", 0, ttl); err != nil {
			return ccerrors.New("budget.ResetBudgetPeriod", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
		}
		if err := e.redis.Del(ctx, prefix+":disabled"); err != nil {
			return ccerrors.New("budget.ResetBudgetPeriod", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
		}
	}
	return nil
}
