// Package orchestrator drives one request from admission to terminal
// status (spec §4.1): idempotency gate, budget pre-check, parallel
// initial fan-out, optional fixed-round deliberation, synthesis dispatch,
// and publication (spend recording, audit persistence, idempotency
// completion). The fan-out shape — goroutine-per-member, panic-safe,
// order-independent collection under a shared deadline — is grounded on
// orchestration/executor.go's SmartExecutor.Execute, trimmed of its
// dependency-graph scheduling since the council's fan-out is always a flat
// parallel round, never a DAG.
package orchestrator

import (
	"context"
	"time"

	"github.com/council-proxy/council/budget"
	"github.com/council-proxy/council/ccerrors"
	"github.com/council-proxy/council/config"
	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/cost"
	"github.com/council-proxy/council/idempotency"
	"github.com/council-proxy/council/providerpool"
	"github.com/council-proxy/council/synthesis"
	"github.com/council-proxy/council/telemetry"
	"github.com/council-proxy/council/toolengine"
	"github.com/council-proxy/council/types"
)

// defaultIdempotencyTTL is spec §4.4's "default TTL = 86400s".
const defaultIdempotencyTTL = 24 * time.Hour

// AuditStore persists the audit rows spec §6 describes (request, round,
// exchange, cost tables keyed by requestId). Out of scope for
// specification as storage (spec §1); Orchestrator only needs the
// interface.
type AuditStore interface {
	PersistRequest(ctx context.Context, req types.UserRequest) error
	PersistRound(ctx context.Context, requestID string, round types.DeliberationRound) error
	PersistCost(ctx context.Context, requestID string, agg cost.Aggregate) error
}

// NoOpAuditStore discards every audit write, for callers that haven't
// wired a persistence layer yet.
type NoOpAuditStore struct{}

func (NoOpAuditStore) PersistRequest(ctx context.Context, req types.UserRequest) error { return nil }
func (NoOpAuditStore) PersistRound(ctx context.Context, requestID string, round types.DeliberationRound) error {
	return nil
}
func (NoOpAuditStore) PersistCost(ctx context.Context, requestID string, agg cost.Aggregate) error {
	return nil
}

// Orchestrator wires every component package behind the single
// Execute(request, config) public operation (spec §4.1).
type Orchestrator struct {
	pool        *providerpool.Pool
	idempotency *idempotency.Store
	budget      *budget.Enforcer
	synth       *synthesis.Synthesizer
	tools       *toolengine.Engine
	pricing     *cost.Table
	audit       AuditStore
	logger      core.Logger
}

// New wires an Orchestrator from its component collaborators. A nil
// logger, pricing table or audit store is replaced by a no-op logger, the
// default cost table and a discarding audit store; a nil budget enforcer
// or idempotency store skips that step. tools is stored but not invoked by
// Execute.
func New(pool *providerpool.Pool, idem *idempotency.Store, budgetEnforcer *budget.Enforcer, synth *synthesis.Synthesizer, tools *toolengine.Engine, pricing *cost.Table, audit AuditStore, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if pricing == nil {
		pricing = cost.NewTable()
	}
	if audit == nil {
		audit = NoOpAuditStore{}
	}
	return &Orchestrator{
		pool: pool, idempotency: idem, budget: budgetEnforcer, synth: synth,
		tools: tools, pricing: pricing, audit: audit, logger: logger,
	}
}

// survivor is a council member that passed admission and is still in the
// running for the fan-out phase.
type survivor struct {
	member types.CouncilMember
}

// Execute drives one request through the full state machine (spec §4.1
// "New -> Admitting -> Fanning-Out -> (Deliberating)? -> Synthesizing ->
// Publishing -> Done|Failed|TimedOut"). The request audit row is written
// on entry. Spend recording and the cost audit row happen only when a
// decision is published; a failure path only caches the error under the
// idempotency key, and a replayed idempotent result has no side effects.
func (o *Orchestrator) Execute(ctx context.Context, req types.UserRequest, cfg config.CouncilConfig) (types.ConsensusDecision, error) {
	globalTimeout := time.Duration(cfg.Performance.GlobalTimeoutSeconds) * time.Second
	if globalTimeout <= 0 {
		globalTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, globalTimeout)
	defer cancel()

	if err := o.audit.PersistRequest(ctx, req); err != nil {
		o.logger.Warn("orchestrator: failed to persist request audit row", map[string]interface{}{"requestId": req.ID, "error": err.Error()})
	}

	telemetry.AddSpanEvent(ctx, "orchestrator.admitting")

	// Admitting: idempotency gate.
	if req.IdempotencyKey != "" {
		if decision, err, handled := o.admitIdempotent(ctx, req); handled {
			return decision, err
		}
	}

	// Admitting: budget pre-check, per member (spec §4.1 step 1). The
	// spec gives no per-member cost-estimation formula at admission time
	// (actual cost is only known after the call completes), so the
	// pre-check here uses estimatedCost=0: it catches any member whose
	// scope is already past its cap, while a scope exactly at its cap is
	// still admitted, deferring real spend accounting to Publishing.
	survivors, excluded := o.admitByBudget(ctx, cfg.Members)
	if len(survivors) < cfg.MinimumSize && cfg.RequireMinimumForConsensus {
		err := ccerrors.New("orchestrator.Execute", ccerrors.KindInsufficientCouncil, "",
			"fewer members survived budget admission than the configured minimum", ccerrors.ErrInsufficientCouncil)
		return o.fail(ctx, req, err)
	}
	if len(excluded) > 0 {
		o.logger.Info("orchestrator: excluded members over budget", map[string]interface{}{"requestId": req.ID, "excluded": excluded})
	}

	members := make([]types.CouncilMember, len(survivors))
	for i, s := range survivors {
		members[i] = s.member
	}

	// Fanning-Out.
	telemetry.AddSpanEvent(ctx, "orchestrator.fanning_out")
	initial, fanErr := o.fanOutInitial(ctx, members, req)
	if ctx.Err() == context.DeadlineExceeded {
		return o.timeout(ctx, req)
	}
	if fanErr != nil {
		return o.fail(ctx, req, fanErr)
	}
	if len(initial) == 0 {
		return o.fail(ctx, req, ccerrors.New("orchestrator.Execute", ccerrors.KindNoSurvivorsError, "", "no member responded to the initial fan-out", ccerrors.ErrNoSurvivors))
	}
	if len(initial) < cfg.MinimumSize && cfg.RequireMinimumForConsensus {
		return o.fail(ctx, req, ccerrors.New("orchestrator.Execute", ccerrors.KindInsufficientCouncil, "", "fewer members survived the initial fan-out than the configured minimum", ccerrors.ErrInsufficientCouncil))
	}

	usage := make(map[string]types.TokenUsage, len(initial))
	var survivingMembers []types.CouncilMember
	memberByID := make(map[string]types.CouncilMember, len(members))
	for _, m := range members {
		memberByID[m.ID] = m
	}
	for _, r := range initial {
		usage[r.MemberID] = r.Usage
		if m, ok := memberByID[r.MemberID]; ok {
			survivingMembers = append(survivingMembers, m)
		}
	}

	thread := types.DeliberationThread{RequestID: req.ID}
	round0 := types.DeliberationRound{RoundNumber: 0, Exchanges: make(map[string]types.Exchange, len(initial))}
	for _, r := range initial {
		round0.Exchanges[r.MemberID] = types.Exchange{
			MemberID: r.MemberID, Content: r.Content, Usage: r.Usage, Latency: r.Latency,
			Timestamp: r.Timestamp, RoundNumber: 0,
		}
	}
	thread.Rounds = append(thread.Rounds, round0)
	if err := o.audit.PersistRound(ctx, req.ID, round0); err != nil {
		o.logger.Warn("orchestrator: failed to persist round 0 audit row", map[string]interface{}{"requestId": req.ID, "error": err.Error()})
	}

	latest := round0.SortedExchanges()

	// Deliberating, only for non-iterative strategies (spec §4.1 step 3:
	// iterative-consensus runs its own round loop in §4.2 instead).
	strategy := types.SynthesisStrategy(cfg.Synthesis.Strategy)
	if cfg.Deliberation.Rounds > 0 && strategy != types.StrategyIterativeConsensus {
		telemetry.AddSpanEvent(ctx, "orchestrator.deliberating")
		var delibErr error
		latest, survivingMembers, delibErr = o.deliberate(ctx, req, survivingMembers, thread, cfg.Deliberation.Rounds, usage)
		if ctx.Err() == context.DeadlineExceeded {
			return o.timeout(ctx, req)
		}
		if delibErr != nil {
			return o.fail(ctx, req, delibErr)
		}
	}

	if len(latest) == 0 {
		return o.fail(ctx, req, ccerrors.New("orchestrator.Execute", ccerrors.KindNoSurvivorsError, "", "no member responses survived to synthesis", ccerrors.ErrNoSurvivors))
	}

	// Synthesizing.
	telemetry.AddSpanEvent(ctx, "orchestrator.synthesizing")
	responses := make([]synthesis.MemberResponse, len(latest))
	for i, ex := range latest {
		responses[i] = synthesis.MemberResponse{MemberID: ex.MemberID, Content: ex.Content}
	}
	decision, synthErr := o.synth.Synthesize(ctx, req, survivingMembers, responses, cfg.Synthesis)
	if ctx.Err() == context.DeadlineExceeded {
		return o.timeout(ctx, req)
	}
	if synthErr != nil {
		return o.fail(ctx, req, synthErr)
	}

	// Publishing.
	telemetry.AddSpanEvent(ctx, "orchestrator.publishing")
	o.publish(ctx, req, survivingMembers, usage, decision)
	return decision, nil
}

func (o *Orchestrator) timeout(ctx context.Context, req types.UserRequest) (types.ConsensusDecision, error) {
	err := ccerrors.New("orchestrator.Execute", ccerrors.KindTimeout, "", "global deadline exceeded", ccerrors.ErrTimeout)
	telemetry.RecordSpanError(ctx, err)
	return o.fail(context.Background(), req, err)
}

func (o *Orchestrator) fail(ctx context.Context, req types.UserRequest, err error) (types.ConsensusDecision, error) {
	telemetry.RecordSpanError(ctx, err)
	if req.IdempotencyKey != "" && o.idempotency != nil {
		if cerr := o.idempotency.CompleteFailure(ctx, req.IdempotencyKey, req.ID, err, defaultIdempotencyTTL); cerr != nil {
			o.logger.Warn("orchestrator: failed to cache failure result", map[string]interface{}{"requestId": req.ID, "error": cerr.Error()})
		}
	}
	return types.ConsensusDecision{}, err
}
