package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/council-proxy/council/budget"
	"github.com/council-proxy/council/config"
	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/cost"
	"github.com/council-proxy/council/idempotency"
	"github.com/council-proxy/council/providerpool"
	"github.com/council-proxy/council/synthesis"
	"github.com/council-proxy/council/types"
)

// echoAdapter replies with a fixed, per-member content, or fails for
// members named in failFor.
type echoAdapter struct {
	content string
	failFor map[string]bool
}

func (e *echoAdapter) Send(ctx context.Context, member types.CouncilMember, prompt string, convo []types.ConversationTurn) (types.ProviderResponse, error) {
	if e.failFor[member.ID] {
		return types.ProviderResponse{Success: false, Error: "simulated failure"}, errors.New("simulated failure")
	}
	return types.ProviderResponse{Content: e.content + ":" + member.ID, Success: true, Usage: types.TokenUsage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}}, nil
}

func (e *echoAdapter) Health(ctx context.Context) (bool, time.Duration) { return true, 0 }

type wordVectorEmbedding struct{}

func (wordVectorEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 1}, nil
}

func testConfig(members []config.MemberConfig) config.CouncilConfig {
	cfg := config.DefaultCouncilConfig()
	cfg.Members = members
	cfg.Synthesis.Strategy = string(types.StrategyConsensusExtraction)
	cfg.Performance.GlobalTimeoutSeconds = 5
	return cfg
}

func newOrchestrator(t *testing.T, adapter providerpool.ProviderAdapter) (*Orchestrator, func()) {
	t.Helper()
	pool := providerpool.NewPool(nil)
	pool.Register("mock", adapter)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	idemRC, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: "redis://" + mr.Addr(), DB: core.RedisDBIdempotency, Namespace: "council:idem"})
	if err != nil {
		t.Fatalf("failed to connect idempotency redis: %v", err)
	}
	budgetRC, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: "redis://" + mr.Addr(), DB: core.RedisDBBudget, Namespace: "council:budget"})
	if err != nil {
		t.Fatalf("failed to connect budget redis: %v", err)
	}

	idemStore := idempotency.NewStore(idemRC, nil)
	enforcer := budget.NewEnforcer(budgetRC, nil)
	synth := synthesis.New(pool, wordVectorEmbedding{}, nil)

	orch := New(pool, idemStore, enforcer, synth, nil, cost.NewTable(), NoOpAuditStore{}, nil)
	return orch, func() { mr.Close() }
}

func members(ids ...string) []config.MemberConfig {
	var out []config.MemberConfig
	for _, id := range ids {
		out = append(out, config.MemberConfig{ID: id, Provider: "mock", Model: "gpt-4", TimeoutSeconds: 5})
	}
	return out
}

func TestExecute_HappyPathProducesDecision(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &echoAdapter{content: "answer"})
	defer cleanup()

	cfg := testConfig(members("m1", "m2", "m3"))
	decision, err := orch.Execute(context.Background(), types.UserRequest{ID: "r1", Query: "q"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.ContributingMembers) != 3 {
		t.Errorf("ContributingMembers = %v, want all 3", decision.ContributingMembers)
	}
}

func TestExecute_DropsFailedMembersButProceeds(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &echoAdapter{content: "answer", failFor: map[string]bool{"m2": true}})
	defer cleanup()

	cfg := testConfig(members("m1", "m2", "m3"))
	decision, err := orch.Execute(context.Background(), types.UserRequest{ID: "r2", Query: "q"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.ContributingMembers) != 2 {
		t.Errorf("ContributingMembers = %v, want 2 (m2 dropped)", decision.ContributingMembers)
	}
}

func TestExecute_NoSurvivorsFailsFatal(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &echoAdapter{failFor: map[string]bool{"m1": true, "m2": true}})
	defer cleanup()

	cfg := testConfig(members("m1", "m2"))
	_, err := orch.Execute(context.Background(), types.UserRequest{ID: "r3", Query: "q"}, cfg)
	if err == nil {
		t.Fatal("expected an error when every member fails")
	}
}

func TestExecute_InsufficientCouncilWhenRequired(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &echoAdapter{failFor: map[string]bool{"m2": true}})
	defer cleanup()

	cfg := testConfig(members("m1", "m2"))
	cfg.MinimumSize = 2
	cfg.RequireMinimumForConsensus = true

	_, err := orch.Execute(context.Background(), types.UserRequest{ID: "r4", Query: "q"}, cfg)
	if err == nil {
		t.Fatal("expected insufficient-council error")
	}
}

func TestExecute_IdempotentReplayReturnsCachedDecision(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &echoAdapter{content: "answer"})
	defer cleanup()

	cfg := testConfig(members("m1", "m2"))
	req := types.UserRequest{ID: "r5", Query: "q", IdempotencyKey: "key-5"}

	first, err := orch.Execute(context.Background(), req, cfg)
	if err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}

	req2 := types.UserRequest{ID: "r5-retry", Query: "q", IdempotencyKey: "key-5"}
	second, err := orch.Execute(context.Background(), req2, cfg)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if second.Content != first.Content {
		t.Errorf("replay Content = %q, want the cached %q", second.Content, first.Content)
	}
}

func TestExecute_DeliberationRunsWhenConfiguredRounds(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &echoAdapter{content: "answer"})
	defer cleanup()

	cfg := testConfig(members("m1", "m2"))
	cfg.Deliberation.Rounds = 2
	decision, err := orch.Execute(context.Background(), types.UserRequest{ID: "r6", Query: "q"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decision.ContributingMembers) != 2 {
		t.Errorf("ContributingMembers = %v, want 2", decision.ContributingMembers)
	}
}

func TestExecute_GlobalTimeoutProducesTimeoutError(t *testing.T) {
	orch, cleanup := newOrchestrator(t, &slowAdapter{delay: 200 * time.Millisecond})
	defer cleanup()

	cfg := testConfig(members("m1"))

	// A parent context already past its deadline forces Execute's derived
	// global-timeout context to report DeadlineExceeded immediately,
	// exercising the timeout branch deterministically without waiting out
	// a real deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := orch.Execute(ctx, types.UserRequest{ID: "r7", Query: "q"}, cfg)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

type slowAdapter struct{ delay time.Duration }

func (s *slowAdapter) Send(ctx context.Context, member types.CouncilMember, prompt string, convo []types.ConversationTurn) (types.ProviderResponse, error) {
	select {
	case <-time.After(s.delay):
		return types.ProviderResponse{Content: "late", Success: true}, nil
	case <-ctx.Done():
		return types.ProviderResponse{}, ctx.Err()
	}
}

func (s *slowAdapter) Health(ctx context.Context) (bool, time.Duration) { return true, 0 }
