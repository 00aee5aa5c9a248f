package synthesis

import (
	"context"
	"sort"
	"strconv"

	"github.com/council-proxy/council/config"
	"github.com/council-proxy/council/types"
)

// iterativeConsensus drives the bounded negotiation loop of spec §4.2:
// build a negotiation prompt per member, execute a round (parallel or
// sequential), score it by pairwise embedding similarity, and stop on
// convergence, deadlock, or exhaustion.
func (s *Synthesizer) iterativeConsensus(ctx context.Context, req types.UserRequest, members []types.CouncilMember, initial []MemberResponse, cfg config.IterativeConsensusConfig) (types.ConsensusDecision, error) {
	maxRounds := cfg.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}

	current := make([]types.NegotiationResponse, len(initial))
	for i, r := range initial {
		current[i] = types.NegotiationResponse{MemberID: r.MemberID, Content: r.Content, RoundNumber: 0}
	}
	sortNegotiationResponses(current)

	var history []float64
	var disagreements []string
	var agreements []types.Agreement
	var examples []types.NegotiationExample

	for round := 1; round <= maxRounds; round++ {
		vectors, err := s.embedAll(ctx, contentsOf(current))
		if err != nil {
			s.logger.Warn("iterative consensus: embedding failed, triggering fallback", map[string]interface{}{"round": round, "error": err.Error()})
			return s.fallbackDecision(ctx, members, toMemberResponses(current), types.FallbackEmbeddingFailure)
		}

		sim := similarityMatrix(vectors)
		avg := avgUpperTriangle(sim)
		history = append(history, avg)

		if fullyConverged(sim, cfg.AgreementThreshold) {
			memberIDs := memberIDsOf(current)
			best := highestCohesionIndex(sim, memberIDs)
			return types.ConsensusDecision{
				Content:             current[best].Content,
				Confidence:          confidenceForIterative(avg, cfg.AgreementThreshold),
				AgreementLevel:      avg,
				SynthesisStrategy:   types.StrategyIterativeConsensus,
				ContributingMembers: contributingMembers(toMemberResponses(current)),
				Timestamp:           timeNow(),
			}, nil
		}

		if deadlocked(history, cfg.DeadlockWindow, cfg.DeadlockTolerance, cfg.AgreementThreshold) {
			s.logger.Info("iterative consensus: deadlock detected", map[string]interface{}{"round": round, "avgSimilarity": avg})
			return s.fallbackDecision(ctx, members, toMemberResponses(current), types.FallbackDeadlock)
		}

		if round == maxRounds {
			s.logger.Info("iterative consensus: round cap reached", map[string]interface{}{"maxRounds": maxRounds})
			return s.fallbackDecision(ctx, members, toMemberResponses(current), types.FallbackExhaustion)
		}

		disagreements = identifyDisagreements(current, sim)
		agreements = extractAgreements(current, sim, cfg.AgreementThreshold)

		next, err := s.runRound(ctx, req, members, current, disagreements, agreements, examples, round, cfg)
		if err != nil {
			return types.ConsensusDecision{}, err
		}
		current = next
		sortNegotiationResponses(current)
	}

	// Unreachable: the loop always returns by round == maxRounds.
	return s.fallbackDecision(ctx, members, toMemberResponses(current), types.FallbackExhaustion)
}

// runRound executes one negotiation round, parallel or sequential per
// config (spec §4.2 step 2). Each member that fails to respond is dropped
// from the surviving set for this round rather than aborting the whole
// negotiation, mirroring the pool's per-member isolation in fan-out.
func (s *Synthesizer) runRound(ctx context.Context, req types.UserRequest, members []types.CouncilMember, current []types.NegotiationResponse, disagreements []string, agreements []types.Agreement, examples []types.NegotiationExample, round int, cfg config.IterativeConsensusConfig) ([]types.NegotiationResponse, error) {
	sanitizedQuery := sanitizeQuery(req.Query)

	if cfg.NegotiationMode == "sequential" {
		var out []types.NegotiationResponse
		seen := append([]types.NegotiationResponse(nil), current...)
		for _, nr := range current {
			member, ok := findMember(members, nr.MemberID)
			if !ok {
				continue
			}
			prompt := buildNegotiationPrompt(negotiationPromptInput{
				Query: sanitizedQuery, Responses: seen, Disagreements: disagreements, Agreements: agreements, Examples: examples,
			})
			resp, err := s.pool.Send(ctx, member, prompt, nil)
			if err != nil || !resp.Success {
				continue
			}
			updated := types.NegotiationResponse{MemberID: nr.MemberID, Content: resp.Content, RoundNumber: round}
			out = append(out, updated)
			seen = replaceResponse(seen, updated)
		}
		if len(out) == 0 {
			return nil, emptyRoundError(round)
		}
		return out, nil
	}

	type result struct {
		resp types.NegotiationResponse
		ok   bool
	}
	results := make(chan result, len(current))
	for _, nr := range current {
		nr := nr
		go func() {
			member, ok := findMember(members, nr.MemberID)
			if !ok {
				results <- result{ok: false}
				return
			}
			prompt := buildNegotiationPrompt(negotiationPromptInput{
				Query: sanitizedQuery, Responses: current, Disagreements: disagreements, Agreements: agreements, Examples: examples,
			})
			resp, err := s.pool.Send(ctx, member, prompt, nil)
			if err != nil || !resp.Success {
				results <- result{ok: false}
				return
			}
			results <- result{resp: types.NegotiationResponse{MemberID: nr.MemberID, Content: resp.Content, RoundNumber: round}, ok: true}
		}()
	}

	var out []types.NegotiationResponse
	for range current {
		r := <-results
		if r.ok {
			out = append(out, r.resp)
		}
	}
	if len(out) == 0 {
		return nil, emptyRoundError(round)
	}
	return out, nil
}

func emptyRoundError(round int) error {
	return errEmptyRound{round: round}
}

type errEmptyRound struct{ round int }

func (e errEmptyRound) Error() string {
	return "iterative consensus: every member failed to respond in round " + strconv.Itoa(e.round)
}

// deadlocked reports whether the last deadlockWindow avgSimilarity values
// are within deadlockTolerance of each other and still below threshold
// (spec §4.2 step 7).
func deadlocked(history []float64, window int, tolerance float64, threshold float64) bool {
	if window < 2 || len(history) < window {
		return false
	}
	h := history[len(history)-window:]
	lo, hi := h[0], h[0]
	for _, v := range h {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return (hi-lo) <= tolerance && h[len(h)-1] < threshold
}

// confidenceForIterative mirrors types.ConfidenceForAgreement but treats
// exactly-at-threshold convergence as high per spec §4.2's final-decision
// rule ("confidence = high if agreementLevel >= threshold"), independent
// of the generic agreementLevel=1 cutoff used elsewhere.
func confidenceForIterative(agreementLevel, threshold float64) types.Confidence {
	if agreementLevel >= threshold {
		return types.ConfidenceHigh
	}
	return types.ConfidenceForAgreement(agreementLevel)
}

// fallbackDecision applies the two-step fallback order from spec §4.2:
// weighted fusion first, then (if fusion itself can't run) the highest
// weighted response verbatim.
func (s *Synthesizer) fallbackDecision(ctx context.Context, members []types.CouncilMember, responses []MemberResponse, reason types.FallbackReason) (types.ConsensusDecision, error) {
	return s.weightedFusion(ctx, members, responses, reason)
}

func contentsOf(responses []types.NegotiationResponse) []string {
	out := make([]string, len(responses))
	for i, r := range responses {
		out[i] = r.Content
	}
	return out
}

func memberIDsOf(responses []types.NegotiationResponse) []string {
	out := make([]string, len(responses))
	for i, r := range responses {
		out[i] = r.MemberID
	}
	return out
}

func toMemberResponses(responses []types.NegotiationResponse) []MemberResponse {
	out := make([]MemberResponse, len(responses))
	for i, r := range responses {
		out[i] = MemberResponse{MemberID: r.MemberID, Content: r.Content}
	}
	return out
}

func replaceResponse(in []types.NegotiationResponse, updated types.NegotiationResponse) []types.NegotiationResponse {
	out := make([]types.NegotiationResponse, len(in))
	copy(out, in)
	for i, r := range out {
		if r.MemberID == updated.MemberID {
			out[i] = updated
			return out
		}
	}
	return append(out, updated)
}

func sortNegotiationResponses(responses []types.NegotiationResponse) {
	sort.Slice(responses, func(i, j int) bool { return responses[i].MemberID < responses[j].MemberID })
}
