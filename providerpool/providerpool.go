// Package providerpool routes per-member requests to provider adapters,
// applies retry/backoff and per-call timeout, and tracks fleet health
// (spec §4.3). The adapter contract mirrors the teacher's BaseClient
// composition (ai/providers/base.go): a shared retry/backoff helper
// consumed by thin per-provider adapters, not a class hierarchy (spec §9's
// re-architecture note). Health tracking is this package's own rolling
// EWMA state machine (recordSuccess/recordFailure below), driving the
// spec's healthy/degraded/disabled vocabulary directly rather than through
// a generic closed/open/half-open circuit breaker.
package providerpool

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

// ProviderAdapter is implemented once per provider wire format. Adapters
// MUST NOT retry internally (spec §4.3) — the pool owns retry/backoff so
// that policy is uniform and testable independent of any one provider.
type ProviderAdapter interface {
	// Send issues one attempt of the request and returns the canonical
	// response shape. The context carries the per-call timeout deadline.
	Send(ctx context.Context, member types.CouncilMember, prompt string, convoContext []types.ConversationTurn) (types.ProviderResponse, error)

	// Health reports adapter-observed liveness, independent of the pool's
	// own rolling health tracking.
	Health(ctx context.Context) (available bool, latency time.Duration)
}

// Pool routes calls through a ProviderAdapter registry, applying the
// retry loop and per-call timeout from spec §4.3 and tracking fleet
// health per provider.
type Pool struct {
	mu       sync.Mutex
	adapters map[string]ProviderAdapter // keyed by provider name
	health   map[string]*types.ProviderHealth
	rlStatus map[string]*types.RateLimitStatus
	logger   core.Logger

	// probeBucket bounds how often a disabled provider is still called to
	// drive recovery (spec §4.3 "still callable... at a bounded probe
	// rate"), grounded on the teacher circuit breaker's half-open token
	// admission: a token bucket of 1 probe per 30s per disabled provider
	// (SPEC_FULL.md §4 Supplemented Features).
	probeBucket map[string]time.Time
}

// NewPool creates an empty provider pool.
func NewPool(logger core.Logger) *Pool {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Pool{
		adapters:    make(map[string]ProviderAdapter),
		health:      make(map[string]*types.ProviderHealth),
		rlStatus:    make(map[string]*types.RateLimitStatus),
		probeBucket: make(map[string]time.Time),
		logger:      logger,
	}
}

// Register installs an adapter for a provider name ("openai", "anthropic",
// "bedrock", "gemini", ...).
func (p *Pool) Register(provider string, adapter ProviderAdapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[provider] = adapter
	if _, ok := p.health[provider]; !ok {
		p.health[provider] = &types.ProviderHealth{Status: types.HealthStateHealthy, SuccessRate: 1.0}
	}
	if _, ok := p.rlStatus[provider]; !ok {
		p.rlStatus[provider] = &types.RateLimitStatus{}
	}
}

// Health returns a snapshot of a provider's rolling health.
func (p *Pool) Health(provider string) types.ProviderHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[provider]; ok {
		return *h
	}
	return types.ProviderHealth{Status: types.HealthStateHealthy}
}

// RateLimitStatus returns a snapshot of a provider's rate-limit bookkeeping.
func (p *Pool) RateLimitStatus(provider string) types.RateLimitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.rlStatus[provider]; ok {
		return *s
	}
	return types.RateLimitStatus{}
}

// callAllowed reports whether the pool should even attempt a call to a
// disabled provider: at most once every 30s, to drive health recovery
// without treating it as generally available.
func (p *Pool) callAllowed(provider string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.health[provider]
	if h == nil || h.Status != types.HealthStateDisabled {
		return true
	}
	last, probed := p.probeBucket[provider]
	if !probed || time.Since(last) >= 30*time.Second {
		p.probeBucket[provider] = time.Now()
		return true
	}
	return false
}

// Send runs the full per-member send pipeline: per-call timeout, retry
// loop with backoff honoring Retry-After, and health bookkeeping (§4.3).
func (p *Pool) Send(ctx context.Context, member types.CouncilMember, prompt string, convoContext []types.ConversationTurn) (types.ProviderResponse, error) {
	p.mu.Lock()
	adapter, ok := p.adapters[member.Provider]
	p.mu.Unlock()
	if !ok {
		return types.ProviderResponse{}, ccerrors.New("providerpool.Send", ccerrors.KindValidationError, member.ID,
			fmt.Sprintf("no adapter registered for provider %q", member.Provider), nil)
	}

	if !p.callAllowed(member.Provider) {
		return types.ProviderResponse{}, ccerrors.New("providerpool.Send", ccerrors.KindServiceUnavailable, member.ID,
			fmt.Sprintf("provider %q is disabled", member.Provider), nil)
	}

	policy := member.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = types.DefaultRetryPolicy()
	}

	var lastResp types.ProviderResponse
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(member.TimeoutSeconds)*time.Second)
		start := time.Now()
		resp, err := adapter.Send(callCtx, member, prompt, convoContext)
		cancel()

		if err == nil && resp.Success {
			p.recordSuccess(member.Provider, time.Since(start))
			p.clearRateLimit(member.Provider)
			return resp, nil
		}

		code := classify(resp, err, callCtx)
		lastResp = resp
		lastErr = adapterError(member.ID, code, resp, err)

		p.recordFailure(member.Provider, code)

		if code == types.ErrorCodeRateLimit {
			p.recordRateLimit(member.Provider, retryAfterDelay(resp))
		}

		if !policy.RetryableErrorCodes[code] {
			return lastResp, lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(policy, attempt)
		if code == types.ErrorCodeRateLimit {
			if ra := retryAfterDelay(resp); ra > 0 {
				delay = ra
			}
		}

		select {
		case <-ctx.Done():
			return lastResp, ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastResp, lastErr
}

// backoffDelay implements spec §4.3's formula:
// delay(k) = min(initialDelayMs * backoffMultiplier^k, maxDelayMs).
func backoffDelay(policy types.RetryPolicy, attempt int) time.Duration {
	ms := float64(policy.InitialDelayMs) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if ms > float64(policy.MaxDelayMs) {
		ms = float64(policy.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// retryAfterDelay reads a Retry-After hint already normalized into the
// response's Error field by the adapter (adapters are expected to surface
// "retry-after-seconds:N" in Error when present). A production adapter
// would instead attach the hint as structured data; this is adapted for
// the council's ProviderResponse shape, which carries no raw header map.
func retryAfterDelay(resp types.ProviderResponse) time.Duration {
	var seconds int
	if n, err := fmt.Sscanf(resp.Error, "retry-after-seconds:%d", &seconds); err == nil && n == 1 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// classify maps an adapter outcome to an ErrorCode per spec §4.3's table.
func classify(resp types.ProviderResponse, err error, ctx context.Context) types.ErrorCode {
	if resp.ErrorCode != "" {
		return resp.ErrorCode
	}
	if ctx.Err() == context.DeadlineExceeded {
		return types.ErrorCodeTimeout
	}
	if err != nil {
		return types.ErrorCodeNetworkError
	}
	return types.ErrorCodeUnknown
}

func adapterError(memberID string, code types.ErrorCode, resp types.ProviderResponse, err error) error {
	msg := resp.Error
	if msg == "" && err != nil {
		msg = err.Error()
	}
	switch code {
	case types.ErrorCodeAuthError:
		return ccerrors.New("providerpool.Send", ccerrors.KindAuthError, memberID, msg, err)
	case types.ErrorCodeRateLimit:
		return ccerrors.New("providerpool.Send", ccerrors.KindRateLimit, memberID, msg, err)
	case types.ErrorCodeServiceUnavailable:
		return ccerrors.New("providerpool.Send", ccerrors.KindServiceUnavailable, memberID, msg, err)
	case types.ErrorCodeTimeout:
		return ccerrors.New("providerpool.Send", ccerrors.KindTimeout, memberID, msg, err)
	case types.ErrorCodeNetworkError:
		return ccerrors.New("providerpool.Send", ccerrors.KindNetworkError, memberID, msg, err)
	default:
		return ccerrors.New("providerpool.Send", ccerrors.KindServiceUnavailable, memberID, msg, err)
	}
}

// recordSuccess updates rolling health on a successful call (§4.3:
// "recovery to healthy when a successful call lands while degraded").
func (p *Pool) recordSuccess(provider string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.health[provider]
	if h == nil {
		h = &types.ProviderHealth{Status: types.HealthStateHealthy}
		p.health[provider] = h
	}
	const alpha = 0.2 // EWMA smoothing factor
	h.SuccessRate = h.SuccessRate*(1-alpha) + alpha*1.0
	h.AvgLatencyMs = h.AvgLatencyMs*(1-alpha) + alpha*float64(latency.Milliseconds())
	h.ConsecutiveFailures = 0
	if h.Status != types.HealthStateHealthy {
		p.logger.Info("provider recovered to healthy", map[string]interface{}{"provider": provider})
		h.Status = types.HealthStateHealthy
	}
}

// recordFailure updates rolling health and evaluates the
// healthy->degraded->disabled transitions (§4.3).
func (p *Pool) recordFailure(provider string, code types.ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.health[provider]
	if h == nil {
		h = &types.ProviderHealth{Status: types.HealthStateHealthy, SuccessRate: 1.0}
		p.health[provider] = h
	}
	const alpha = 0.2
	h.SuccessRate = h.SuccessRate * (1 - alpha)
	h.ConsecutiveFailures++
	h.LastFailure = time.Now()

	switch h.Status {
	case types.HealthStateHealthy:
		if h.SuccessRate < 0.9 || h.ConsecutiveFailures >= 3 {
			h.Status = types.HealthStateDegraded
			p.logger.Warn("provider degraded", map[string]interface{}{"provider": provider, "consecutiveFailures": h.ConsecutiveFailures})
		}
	case types.HealthStateDegraded:
		if h.ConsecutiveFailures >= 10 {
			h.Status = types.HealthStateDisabled
			p.logger.Error("provider disabled", map[string]interface{}{"provider": provider, "consecutiveFailures": h.ConsecutiveFailures})
		}
	}
}

func (p *Pool) recordRateLimit(provider string, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.rlStatus[provider]
	if s == nil {
		s = &types.RateLimitStatus{}
		p.rlStatus[provider] = s
	}
	s.IsRateLimited = true
	s.RetryAfterMs = retryAfter.Milliseconds()
	s.LastRateLimitTime = time.Now()
	s.Count++
}

func (p *Pool) clearRateLimit(provider string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.rlStatus[provider]; ok {
		s.IsRateLimited = false
	}
}
