package providerpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/council-proxy/council/types"
)

// mockAdapter lets tests script a sequence of per-attempt outcomes.
type mockAdapter struct {
	mu      sync.Mutex
	calls   []time.Time
	results []func() (types.ProviderResponse, error)
}

func (m *mockAdapter) Send(ctx context.Context, member types.CouncilMember, prompt string, convo []types.ConversationTurn) (types.ProviderResponse, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, time.Now())
	m.mu.Unlock()

	if idx >= len(m.results) {
		return types.ProviderResponse{Success: true, Content: "ok"}, nil
	}
	return m.results[idx]()
}

func (m *mockAdapter) Health(ctx context.Context) (bool, time.Duration) {
	return true, time.Millisecond
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testMember(id string) types.CouncilMember {
	return types.CouncilMember{
		ID:             id,
		Provider:       "mock",
		Model:          "mock-model",
		TimeoutSeconds: 5,
		RetryPolicy:    types.DefaultRetryPolicy(),
	}
}

func TestSend_SucceedsOnFirstAttempt(t *testing.T) {
	pool := NewPool(nil)
	adapter := &mockAdapter{}
	pool.Register("mock", adapter)

	resp, err := pool.Send(context.Background(), testMember("m1"), "hello", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Error("expected success")
	}
	if adapter.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", adapter.callCount())
	}
	if health := pool.Health("mock"); health.Status != types.HealthStateHealthy {
		t.Errorf("expected healthy status, got %s", health.Status)
	}
}

func TestSend_RetriesUpToMaxAttemptsThenFails(t *testing.T) {
	pool := NewPool(nil)
	adapter := &mockAdapter{
		results: []func() (types.ProviderResponse, error){
			func() (types.ProviderResponse, error) {
				return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeServiceUnavailable, Error: "status 503: down"}, nil
			},
			func() (types.ProviderResponse, error) {
				return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeServiceUnavailable, Error: "status 503: down"}, nil
			},
			func() (types.ProviderResponse, error) {
				return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeServiceUnavailable, Error: "status 503: down"}, nil
			},
		},
	}
	pool.Register("mock", adapter)

	member := testMember("m1")
	member.RetryPolicy.InitialDelayMs = 1
	member.RetryPolicy.MaxDelayMs = 5

	_, err := pool.Send(context.Background(), member, "hello", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if adapter.callCount() != member.RetryPolicy.MaxAttempts {
		t.Errorf("expected %d attempts, got %d", member.RetryPolicy.MaxAttempts, adapter.callCount())
	}
}

func TestSend_NonRetryableErrorStopsImmediately(t *testing.T) {
	pool := NewPool(nil)
	adapter := &mockAdapter{
		results: []func() (types.ProviderResponse, error){
			func() (types.ProviderResponse, error) {
				return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeAuthError, Error: "status 401: bad key"}, nil
			},
		},
	}
	pool.Register("mock", adapter)

	_, err := pool.Send(context.Background(), testMember("m1"), "hello", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if adapter.callCount() != 1 {
		t.Errorf("expected exactly 1 call for a non-retryable error, got %d", adapter.callCount())
	}
}

func TestSend_RetryAfterOverridesBackoffDelay(t *testing.T) {
	pool := NewPool(nil)
	adapter := &mockAdapter{
		results: []func() (types.ProviderResponse, error){
			func() (types.ProviderResponse, error) {
				return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeRateLimit, Error: "retry-after-seconds:2"}, nil
			},
		},
	}
	pool.Register("mock", adapter)

	member := testMember("m1")
	member.RetryPolicy.MaxAttempts = 2

	start := time.Now()
	resp, err := pool.Send(context.Background(), member, "hello", nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success on second attempt")
	}
	if elapsed < 2*time.Second {
		t.Errorf("expected delay >= 2s honoring Retry-After, got %v", elapsed)
	}
	if elapsed > 2100*time.Millisecond {
		t.Errorf("expected delay <= 2100ms, got %v", elapsed)
	}
	if adapter.callCount() != 2 {
		t.Errorf("expected exactly 2 calls, got %d", adapter.callCount())
	}

	rl := pool.RateLimitStatus("mock")
	if rl.IsRateLimited {
		t.Error("expected isRateLimited cleared after the eventual success")
	}
	if rl.Count != 1 {
		t.Errorf("expected rateLimitCount == 1, got %d", rl.Count)
	}
}

func TestBackoffDelay_Formula(t *testing.T) {
	policy := types.RetryPolicy{InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2.0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, 1000 * time.Millisecond}, // capped at MaxDelayMs
	}
	for _, tt := range cases {
		got := backoffDelay(policy, tt.attempt)
		if got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRecordFailure_TransitionsHealthyToDegradedToDisabled(t *testing.T) {
	pool := NewPool(nil)
	pool.Register("mock", &mockAdapter{})

	for i := 0; i < 3; i++ {
		pool.recordFailure("mock", types.ErrorCodeServiceUnavailable)
	}
	if got := pool.Health("mock").Status; got != types.HealthStateDegraded {
		t.Fatalf("after 3 consecutive failures, status = %s, want degraded", got)
	}

	for i := 0; i < 7; i++ {
		pool.recordFailure("mock", types.ErrorCodeServiceUnavailable)
	}
	if got := pool.Health("mock").Status; got != types.HealthStateDisabled {
		t.Fatalf("after 10 consecutive failures, status = %s, want disabled", got)
	}
}

func TestRecordSuccess_RecoversFromDegraded(t *testing.T) {
	pool := NewPool(nil)
	pool.Register("mock", &mockAdapter{})

	for i := 0; i < 3; i++ {
		pool.recordFailure("mock", types.ErrorCodeTimeout)
	}
	if got := pool.Health("mock").Status; got != types.HealthStateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	pool.recordSuccess("mock", time.Millisecond)
	if got := pool.Health("mock").Status; got != types.HealthStateHealthy {
		t.Errorf("expected recovery to healthy on success, got %s", got)
	}
	if got := pool.Health("mock").ConsecutiveFailures; got != 0 {
		t.Errorf("expected consecutiveFailures reset to 0, got %d", got)
	}
}

func TestSend_UnregisteredProviderFailsFast(t *testing.T) {
	pool := NewPool(nil)
	_, err := pool.Send(context.Background(), testMember("m1"), "hello", nil)
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestCallAllowed_ProbesDisabledProviderAtBoundedRate(t *testing.T) {
	pool := NewPool(nil)
	pool.Register("mock", &mockAdapter{})

	for i := 0; i < 10; i++ {
		pool.recordFailure("mock", types.ErrorCodeServiceUnavailable)
	}
	if got := pool.Health("mock").Status; got != types.HealthStateDisabled {
		t.Fatalf("expected disabled, got %s", got)
	}

	if !pool.callAllowed("mock") {
		t.Fatal("expected the first probe against a disabled provider to be allowed")
	}
	if pool.callAllowed("mock") {
		t.Error("expected a second immediate probe to be denied (bounded to 1 per 30s)")
	}
}

func TestAdapterError_WrapsErrorCodeToKind(t *testing.T) {
	err := adapterError("m1", types.ErrorCodeRateLimit, types.ProviderResponse{Error: "slow down"}, nil)
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	// adapterError passes resp.Error as the Message, but since no wrapped
	// err is supplied, ccerrors.New defaults Err to the kind's sentinel —
	// and CouncilError.Error() prefers "Op [Member]: Err" over Message
	// whenever both Op and Err are set (mirrors core.FrameworkError).
	want := fmt.Sprintf("providerpool.Send [m1]: rate limited")
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
