package orchestrator

import (
	"context"
	"time"

	"github.com/council-proxy/council/cost"
	"github.com/council-proxy/council/types"
)

// publish is the terminal "Publishing" state (spec §4.1 state 5): record
// actual spend per (provider, model), persist the cost audit row, and cache
// the decision for idempotency replay. Every sub-step is best-effort —
// failures here are logged, never surfaced as a failed Execute, since the
// decision itself is already final.
func (o *Orchestrator) publish(ctx context.Context, req types.UserRequest, members []types.CouncilMember, usage map[string]types.TokenUsage, decision types.ConsensusDecision) {
	now := time.Now()
	items := make([]cost.LineItem, 0, len(members))

	for _, m := range members {
		u := usage[m.ID]
		c := o.pricing.Calculate(m.Model, u)
		items = append(items, cost.LineItem{MemberID: m.ID, ProviderID: m.Provider, Cost: c})

		if o.budget != nil {
			if err := o.budget.RecordSpending(ctx, m.Provider, m.Model, c, now); err != nil {
				o.logger.Warn("orchestrator: failed to record spending", map[string]interface{}{"member": m.ID, "error": err.Error()})
			}
		}
	}

	agg := cost.Sum(items)
	if err := o.audit.PersistCost(ctx, req.ID, agg); err != nil {
		o.logger.Warn("orchestrator: failed to persist cost audit row", map[string]interface{}{"requestId": req.ID, "error": err.Error()})
	}

	if req.IdempotencyKey != "" && o.idempotency != nil {
		if err := o.idempotency.CompleteSuccess(ctx, req.IdempotencyKey, req.ID, decision, defaultIdempotencyTTL); err != nil {
			o.logger.Warn("orchestrator: failed to cache success result", map[string]interface{}{"requestId": req.ID, "error": err.Error()})
		}
	}
}
