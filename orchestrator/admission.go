package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/council-proxy/council/ccerrors"
	"github.com/council-proxy/council/config"
	"github.com/council-proxy/council/types"
)

// admitIdempotent implements spec §4.4's admission branch: claim the key;
// if it already existed, either replay the cached terminal result or wait
// for the in-flight call to finish, unless this call IS the one holding
// the claim (same requestID), in which case it proceeds as the admitter.
// handled=false means "not found, proceed fresh" (the common path).
func (o *Orchestrator) admitIdempotent(ctx context.Context, req types.UserRequest) (types.ConsensusDecision, error, bool) {
	existing, found, err := o.idempotency.Claim(ctx, req.IdempotencyKey, req.ID, defaultIdempotencyTTL)
	if err != nil {
		return types.ConsensusDecision{}, err, true
	}
	if !found {
		return types.ConsensusDecision{}, nil, false
	}

	if existing.Status == types.IdempotencyInProgress && existing.RequestID != req.ID {
		waited, err := o.idempotency.Wait(ctx, req.IdempotencyKey)
		if err != nil {
			return types.ConsensusDecision{}, err, true
		}
		existing = waited
	} else if existing.Status == types.IdempotencyInProgress {
		// Same requestID reclaiming its own in-flight key: proceed as the
		// admitter rather than waiting on itself.
		return types.ConsensusDecision{}, nil, false
	}

	switch existing.Status {
	case types.IdempotencyCompleted:
		if existing.Decision != nil {
			return *existing.Decision, nil, true
		}
		return types.ConsensusDecision{}, nil, false
	case types.IdempotencyFailed:
		if existing.Error != nil {
			return types.ConsensusDecision{}, errors.New(existing.Error.Message), true
		}
		return types.ConsensusDecision{}, ccerrors.New("orchestrator.admitIdempotent", ccerrors.KindValidationError, "", "cached failure with no error detail", nil), true
	default:
		return types.ConsensusDecision{}, nil, false
	}
}

// admitByBudget evaluates every configured member against its budget caps
// with estimatedCost=0 (see Execute's comment), returning the members that
// pass and the ids of those excluded.
func (o *Orchestrator) admitByBudget(ctx context.Context, members []config.MemberConfig) ([]survivor, []string) {
	now := time.Now()
	survivors := make([]survivor, 0, len(members))
	var excluded []string

	for _, mc := range members {
		member := toCouncilMember(mc)
		if o.budget == nil {
			survivors = append(survivors, survivor{member: member})
			continue
		}
		result, err := o.budget.CheckBudget(ctx, member.Provider, member.Model, 0, now)
		if err != nil {
			o.logger.Warn("orchestrator: budget check failed, admitting member anyway", map[string]interface{}{"member": member.ID, "error": err.Error()})
			survivors = append(survivors, survivor{member: member})
			continue
		}
		if !result.Allowed {
			excluded = append(excluded, member.ID)
			continue
		}
		survivors = append(survivors, survivor{member: member})
	}
	return survivors, excluded
}

func toCouncilMember(mc config.MemberConfig) types.CouncilMember {
	timeout := mc.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	return types.CouncilMember{
		ID:             mc.ID,
		Provider:       mc.Provider,
		Model:          mc.Model,
		Version:        mc.Version,
		Weight:         mc.Weight,
		TimeoutSeconds: timeout,
		RetryPolicy:    types.DefaultRetryPolicy(),
	}
}
