package synthesis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/council-proxy/council/ccerrors"
	"github.com/council-proxy/council/config"
	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/providerpool"
	"github.com/council-proxy/council/types"
)

// Synthesizer produces one ConsensusDecision from a round of member
// responses, dispatching across the four SynthesisStrategy variants (spec
// §4.1 state 4, §4.2). The LLM-driven strategies (weighted-fusion,
// meta-synthesis) route through the same Provider Pool used for initial
// fan-out, mirroring the teacher's AISynthesizer calling back into its own
// agent registry rather than a dedicated synthesis-only client.
type Synthesizer struct {
	pool       *providerpool.Pool
	embeddings EmbeddingService
	logger     core.Logger
}

// New creates a Synthesizer. embeddings may be nil, in which case every
// strategy that needs similarity falls back immediately with
// FallbackEmbeddingFailure.
func New(pool *providerpool.Pool, embeddings EmbeddingService, logger core.Logger) *Synthesizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Synthesizer{pool: pool, embeddings: embeddings, logger: logger}
}

// MemberResponse is one member's content going into synthesis, independent
// of which phase (initial response or final deliberation exchange)
// produced it.
type MemberResponse struct {
	MemberID string
	Content  string
}

// Synthesize dispatches to the configured strategy (spec §4.1 step 4).
func (s *Synthesizer) Synthesize(ctx context.Context, req types.UserRequest, members []types.CouncilMember, responses []MemberResponse, cfg config.SynthesisConfig) (types.ConsensusDecision, error) {
	if len(responses) == 0 {
		return types.ConsensusDecision{}, ccerrors.New("synthesis.Synthesize", ccerrors.KindNoSurvivorsError, "", "no member responses to synthesize", ccerrors.ErrNoSurvivors)
	}

	switch types.SynthesisStrategy(cfg.Strategy) {
	case types.StrategyIterativeConsensus:
		return s.iterativeConsensus(ctx, req, members, responses, cfg.IterativeConsensus)
	case types.StrategyConsensusExtraction:
		return s.consensusExtraction(ctx, members, responses)
	case types.StrategyWeightedFusion:
		return s.weightedFusion(ctx, members, responses, types.FallbackNone)
	case types.StrategyMetaSynthesis:
		return s.metaSynthesis(ctx, req, members, responses)
	default:
		return types.ConsensusDecision{}, ccerrors.New("synthesis.Synthesize", ccerrors.KindValidationError, "",
			fmt.Sprintf("unknown synthesis strategy %q", cfg.Strategy), nil)
	}
}

func contributingMembers(responses []MemberResponse) []string {
	ids := make([]string, 0, len(responses))
	for _, r := range responses {
		ids = append(ids, r.MemberID)
	}
	sort.Strings(ids)
	return ids
}

// embedAll embeds every response's content, failing fast on the first
// error (spec §4.2 "Embedding failure policy": any failure in a round
// aborts that round entirely rather than partially scoring it).
func (s *Synthesizer) embedAll(ctx context.Context, contents []string) ([][]float32, error) {
	if s.embeddings == nil {
		return nil, ccerrors.ErrEmbeddingFailure
	}
	vectors := make([][]float32, len(contents))
	for i, c := range contents {
		v, err := s.embeddings.Embed(ctx, c)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// consensusExtraction computes the pairwise similarity of the given round's
// responses and selects the most central one as the decision content (spec
// §4.1 step 4's "compute a decision from the current set of exchanges",
// reusing the §4.2 similarity machinery on a single round rather than a
// multi-round negotiation).
func (s *Synthesizer) consensusExtraction(ctx context.Context, members []types.CouncilMember, responses []MemberResponse) (types.ConsensusDecision, error) {
	contents := make([]string, len(responses))
	memberIDs := make([]string, len(responses))
	for i, r := range responses {
		contents[i] = r.Content
		memberIDs[i] = r.MemberID
	}

	vectors, err := s.embedAll(ctx, contents)
	if err != nil {
		s.logger.Warn("consensus extraction: embedding failed, falling back to weighted fusion", map[string]interface{}{"error": err.Error()})
		return s.weightedFusion(ctx, members, responses, types.FallbackEmbeddingFailure)
	}

	sim := similarityMatrix(vectors)
	avg := avgUpperTriangle(sim)
	best := highestCohesionIndex(sim, memberIDs)

	return types.ConsensusDecision{
		Content:             responses[best].Content,
		Confidence:          types.ConfidenceForAgreement(avg),
		AgreementLevel:      avg,
		SynthesisStrategy:   types.StrategyConsensusExtraction,
		ContributingMembers: contributingMembers(responses),
		Timestamp:           timeNow(),
	}, nil
}

// weightedFusion renormalizes each surviving member's configured Weight
// (default 1/n when unset) and asks the highest-weighted member's own
// provider to fuse the round into one response (spec §4.2 fallback #1:
// "weighted fusion... using member weights"). If no provider pool is wired
// or the call fails, falls back further to fallback #2, the single
// highest-weighted response verbatim, at confidence=low.
func (s *Synthesizer) weightedFusion(ctx context.Context, members []types.CouncilMember, responses []MemberResponse, reason types.FallbackReason) (types.ConsensusDecision, error) {
	weights := renormalizeWeights(members, responses)
	topID, topWeight := pickTopWeighted(weights)

	if s.pool != nil {
		if member, ok := findMember(members, topID); ok {
			prompt := buildFusionPrompt(responses, weights)
			resp, err := s.pool.Send(ctx, member, prompt, nil)
			if err == nil && resp.Success && resp.Content != "" {
				return types.ConsensusDecision{
					Content:             resp.Content,
					Confidence:          types.ConfidenceLow,
					AgreementLevel:      topWeight,
					SynthesisStrategy:   types.StrategyWeightedFusion,
					ContributingMembers: contributingMembers(responses),
					FallbackReason:      reason,
					Timestamp:           timeNow(),
				}, nil
			}
			if err != nil {
				s.logger.Warn("weighted fusion: LLM fuse call failed, falling back to highest-weighted response verbatim", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	return s.highestWeightedVerbatim(responses, weights, reason)
}

// highestWeightedVerbatim is spec §4.2 fallback #2: "return the single
// highest-cohesion response with confidence = low", read here as
// highest-weight since no similarity matrix is necessarily available at
// this point (it is the fallback for when fusion itself is unavailable).
func (s *Synthesizer) highestWeightedVerbatim(responses []MemberResponse, weights map[string]float64, reason types.FallbackReason) (types.ConsensusDecision, error) {
	topID, topWeight := pickTopWeighted(weights)
	for _, r := range responses {
		if r.MemberID == topID {
			return types.ConsensusDecision{
				Content:             r.Content,
				Confidence:          types.ConfidenceLow,
				AgreementLevel:      topWeight,
				SynthesisStrategy:   types.StrategyWeightedFusion,
				ContributingMembers: contributingMembers(responses),
				FallbackReason:      reason,
				Timestamp:           timeNow(),
			}, nil
		}
	}
	return types.ConsensusDecision{}, ccerrors.New("synthesis.weightedFusion", ccerrors.KindNoSurvivorsError, "", "no response matched the top-weighted member", ccerrors.ErrNoSurvivors)
}

// metaSynthesis always asks an LLM (the highest-weighted member) to
// summarize the round into one meta-response, grounded on
// orchestration/synthesizer.go's AISynthesizer strategy. Falls back to
// consensusExtraction's deterministic pick if the call fails.
func (s *Synthesizer) metaSynthesis(ctx context.Context, req types.UserRequest, members []types.CouncilMember, responses []MemberResponse) (types.ConsensusDecision, error) {
	weights := renormalizeWeights(members, responses)
	topID, _ := pickTopWeighted(weights)

	if s.pool != nil {
		if member, ok := findMember(members, topID); ok {
			prompt := buildMetaSynthesisPrompt(req.Query, responses)
			resp, err := s.pool.Send(ctx, member, prompt, nil)
			if err == nil && resp.Success && resp.Content != "" {
				return types.ConsensusDecision{
					Content:             resp.Content,
					Confidence:          types.ConfidenceMedium,
					AgreementLevel:      0,
					SynthesisStrategy:   types.StrategyMetaSynthesis,
					ContributingMembers: contributingMembers(responses),
					Timestamp:           timeNow(),
				}, nil
			}
			if err != nil {
				s.logger.Warn("meta-synthesis: LLM call failed, falling back to consensus extraction", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	return s.consensusExtraction(ctx, members, responses)
}

func buildFusionPrompt(responses []MemberResponse, weights map[string]float64) string {
	var b []byte
	b = append(b, "Fuse the following member responses into a single response, giving more weight to higher-weighted members:\n\n"...)
	for _, r := range responses {
		b = append(b, fmt.Sprintf("- [%s] (weight %.2f): %s\n", r.MemberID, weights[r.MemberID], r.Content)...)
	}
	return string(b)
}

func buildMetaSynthesisPrompt(query string, responses []MemberResponse) string {
	var b []byte
	b = append(b, fmt.Sprintf("Original query: %s\n\nProduce one meta-response synthesizing every member's perspective below:\n\n", query)...)
	for _, r := range responses {
		b = append(b, fmt.Sprintf("- [%s]: %s\n", r.MemberID, r.Content)...)
	}
	return string(b)
}

func findMember(members []types.CouncilMember, id string) (types.CouncilMember, bool) {
	for _, m := range members {
		if m.ID == id {
			return m, true
		}
	}
	return types.CouncilMember{}, false
}

// renormalizeWeights returns weights for every member present in
// responses, defaulting unset (zero) weights to 1/n and renormalizing the
// whole set to sum to 1 (spec §4.2 fallback #1: "renormalized across
// survivors; default weight 1/n").
func renormalizeWeights(members []types.CouncilMember, responses []MemberResponse) map[string]float64 {
	n := len(responses)
	raw := make(map[string]float64, n)
	var total float64
	for _, r := range responses {
		w := 1.0 / float64(n)
		if m, ok := findMember(members, r.MemberID); ok && m.Weight > 0 {
			w = m.Weight
		}
		raw[r.MemberID] = w
		total += w
	}
	if total == 0 {
		return raw
	}
	out := make(map[string]float64, n)
	for id, w := range raw {
		out[id] = w / total
	}
	return out
}

func pickTopWeighted(weights map[string]float64) (string, float64) {
	var topID string
	var topW float64 = -1
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if weights[id] > topW {
			topW = weights[id]
			topID = id
		}
	}
	return topID, topW
}

func timeNow() time.Time {
	return time.Now()
}
