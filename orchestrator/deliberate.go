package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/council-proxy/council/types"
)

// deliberate runs `rounds` fixed rounds of critique exchanges (spec §4.1
// state 3): each member sees every other member's prior-round content,
// attributed by member id, and produces a new Exchange. A member that
// fails to respond in a round is dropped from every subsequent round; it
// still contributes whatever it said in earlier rounds to the audit trail.
func (o *Orchestrator) deliberate(ctx context.Context, req types.UserRequest, members []types.CouncilMember, thread types.DeliberationThread, rounds int, usage map[string]types.TokenUsage) ([]types.Exchange, []types.CouncilMember, error) {
	prior := thread.Rounds[len(thread.Rounds)-1].SortedExchanges()
	current := members

	for round := 1; round <= rounds; round++ {
		prompt := buildDeliberationPrompt(req.Query, prior)

		next, survivingMembers := o.deliberationRound(ctx, current, prompt, req, round, usage)
		if len(next) == 0 {
			return nil, nil, fmt.Errorf("deliberation round %d: every member dropped out", round)
		}

		roundRecord := types.DeliberationRound{RoundNumber: round, Exchanges: make(map[string]types.Exchange, len(next))}
		for _, ex := range next {
			roundRecord.Exchanges[ex.MemberID] = ex
		}
		if err := o.audit.PersistRound(ctx, req.ID, roundRecord); err != nil {
			o.logger.Warn("orchestrator: failed to persist deliberation round audit row", map[string]interface{}{"requestId": req.ID, "round": round, "error": err.Error()})
		}

		prior = next
		current = survivingMembers
	}

	return prior, current, nil
}

func (o *Orchestrator) deliberationRound(ctx context.Context, members []types.CouncilMember, prompt string, req types.UserRequest, round int, usage map[string]types.TokenUsage) ([]types.Exchange, []types.CouncilMember) {
	type outcome struct {
		ex types.Exchange
		ok bool
	}
	results := make([]outcome, len(members))
	var wg sync.WaitGroup

	for i, member := range members {
		wg.Add(1)
		go func(i int, member types.CouncilMember) {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("orchestrator: deliberation call panicked", map[string]interface{}{"member": member.ID, "round": round, "panic": fmt.Sprintf("%v", r)})
				}
				wg.Done()
			}()

			start := time.Now()
			resp, err := o.pool.Send(ctx, member, prompt, req.ConversationContext)
			if err != nil || !resp.Success {
				o.logger.Warn("orchestrator: member dropped from deliberation", map[string]interface{}{"member": member.ID, "round": round, "error": errString(err, resp)})
				return
			}
			results[i] = outcome{ok: true, ex: types.Exchange{
				MemberID: member.ID, Content: resp.Content, Usage: resp.Usage,
				Latency: time.Since(start), Timestamp: time.Now(), RoundNumber: round,
			}}
		}(i, member)
	}
	wg.Wait()

	exchanges := make([]types.Exchange, 0, len(members))
	survivors := make([]types.CouncilMember, 0, len(members))
	for i, r := range results {
		if !r.ok {
			continue
		}
		exchanges = append(exchanges, r.ex)
		survivors = append(survivors, members[i])
		acc := usage[r.ex.MemberID]
		acc.PromptTokens += r.ex.Usage.PromptTokens
		acc.CompletionTokens += r.ex.Usage.CompletionTokens
		acc.TotalTokens += r.ex.Usage.TotalTokens
		usage[r.ex.MemberID] = acc
	}
	return exchanges, survivors
}

// buildDeliberationPrompt attributes every prior-round exchange to its
// member id so each participant can critique the others by name.
func buildDeliberationPrompt(query string, prior []types.Exchange) string {
	var b strings.Builder
	b.WriteString("Original question:\n")
	b.WriteString(query)
	b.WriteString("\n\nOther council members responded:\n")
	for _, ex := range prior {
		b.WriteString("\n[" + ex.MemberID + "]\n")
		b.WriteString(ex.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nRound " + strconv.Itoa(prior[0].RoundNumber+1) + ": considering the above, refine or defend your position.")
	return b.String()
}
