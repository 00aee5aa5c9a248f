package synthesis

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/council-proxy/council/types"
)

var (
	codeFenceRe  = regexp.MustCompile("```[\\s\\S]*?```")
	inlineTickRe = regexp.MustCompile("`[^`]*`")
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	controlRe    = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	// injectionPhrases are matched case-insensitively and simply dropped;
	// they are common prompt-injection openers, not legitimate query
	// content (spec §4.2 prompt contract sanitization).
	injectionPhrases = []string{
		"ignore previous instructions",
		"ignore all previous instructions",
		"forget everything",
		"system:",
		"show me your prompt",
		"[inst]", "[/inst]",
		"<<sys>>", "<</sys>>",
	}
)

const sanitizedQueryMaxLen = 2000

// sanitizeQuery implements the spec §4.2 prompt-contract sanitization: strip
// code fences/backticks, control characters, known injection phrases and
// HTML-like tags, collapse whitespace, then truncate.
func sanitizeQuery(s string) string {
	s = codeFenceRe.ReplaceAllString(s, " ")
	s = inlineTickRe.ReplaceAllString(s, " ")
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = controlRe.ReplaceAllString(s, "")

	lower := strings.ToLower(s)
	for _, phrase := range injectionPhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx == -1 {
				break
			}
			s = s[:idx] + " " + s[idx+len(phrase):]
			lower = strings.ToLower(s)
		}
	}

	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > sanitizedQueryMaxLen {
		s = s[:sanitizedQueryMaxLen]
	}
	return s
}

// contentTokens splits content into lowercase words longer than 3
// characters, used by the disagreement summaries (spec §4.2
// "Disagreement identification").
func contentTokens(content string) map[string]bool {
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	out := make(map[string]bool)
	for _, f := range fields {
		if len(f) > 3 {
			out[strings.ToLower(f)] = true
		}
	}
	return out
}

// identifyDisagreements emits one human-readable summary per pair whose
// similarity is below 0.7, derived from the symmetric difference of content
// tokens, capped at 3 words per side (spec §4.2).
func identifyDisagreements(responses []types.NegotiationResponse, sim [][]float64) []string {
	var out []string
	for i := 0; i < len(responses); i++ {
		for j := i + 1; j < len(responses); j++ {
			if sim[i][j] >= 0.7 {
				continue
			}
			a := contentTokens(responses[i].Content)
			b := contentTokens(responses[j].Content)
			onlyA := sortedDiff(a, b, 3)
			onlyB := sortedDiff(b, a, 3)
			out = append(out, fmt.Sprintf("members %s and %s disagree: %s emphasizes %s, %s emphasizes %s",
				responses[i].MemberID, responses[j].MemberID,
				responses[i].MemberID, strings.Join(onlyA, ", "),
				responses[j].MemberID, strings.Join(onlyB, ", ")))
		}
	}
	return out
}

func sortedDiff(a, b map[string]bool, limit int) []string {
	var out []string
	for w := range a {
		if !b[w] {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// extractAgreements groups members whose round responses mutually clear the
// threshold, transitively extending each group, and emits groups disjoint
// by member (first group formed wins), per spec §4.2 "Agreement
// extraction".
func extractAgreements(responses []types.NegotiationResponse, sim [][]float64, threshold float64) []types.Agreement {
	n := len(responses)
	claimed := make([]bool, n)
	var agreements []types.Agreement

	for i := 0; i < n; i++ {
		if claimed[i] {
			continue
		}
		for j := i + 1; j < n; j++ {
			if claimed[j] || sim[i][j] < threshold {
				continue
			}
			group := []int{i, j}
			for k := 0; k < n; k++ {
				if k == i || k == j || claimed[k] {
					continue
				}
				if sim[i][k] >= threshold && sim[j][k] >= threshold {
					group = append(group, k)
				}
			}

			var ids []string
			var sum float64
			var pairs int
			for gi := 0; gi < len(group); gi++ {
				ids = append(ids, responses[group[gi]].MemberID)
				for gj := gi + 1; gj < len(group); gj++ {
					sum += sim[group[gi]][group[gj]]
					pairs++
				}
			}
			cohesion := 1.0
			if pairs > 0 {
				cohesion = sum / float64(pairs)
			}
			sort.Strings(ids)

			agreements = append(agreements, types.Agreement{
				MemberIDs: ids,
				Position:  responses[i].Content,
				Cohesion:  cohesion,
			})
			for _, gi := range group {
				claimed[gi] = true
			}
			break
		}
	}
	return agreements
}

// negotiationPromptInput is the language-agnostic prompt contract payload
// (spec §4.2 "Prompt contract").
type negotiationPromptInput struct {
	Query         string
	Responses     []types.NegotiationResponse
	Disagreements []string
	Agreements    []types.Agreement
	Examples      []types.NegotiationExample
}

// buildNegotiationPrompt renders the per-member negotiation prompt for the
// next round. Grounded on orchestration/synthesizer.go's
// buildSynthesisPrompt: numbered sections, each member's content attributed
// by id, rather than a single free-form blob.
func buildNegotiationPrompt(in negotiationPromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Original query: %s\n\n", in.Query)

	b.WriteString("Member responses so far:\n")
	for _, r := range in.Responses {
		fmt.Fprintf(&b, "- [%s] (round %d): %s\n", r.MemberID, r.RoundNumber, r.Content)
	}
	b.WriteString("\n")

	if len(in.Disagreements) > 0 {
		b.WriteString("Outstanding disagreements:\n")
		for _, d := range in.Disagreements {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}

	if len(in.Agreements) > 0 {
		b.WriteString("Existing agreements:\n")
		for _, a := range in.Agreements {
			fmt.Fprintf(&b, "- %s agree (cohesion %.2f): %s\n", strings.Join(a.MemberIDs, ", "), a.Cohesion, a.Position)
		}
		b.WriteString("\n")
	}

	examples := in.Examples
	if len(examples) > 2 {
		examples = examples[:2]
	}
	if len(examples) > 0 {
		b.WriteString("Prior resolved disagreements for reference:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "- [%s] disagreement: %s -> resolution: %s\n", ex.Category, ex.Disagreement, ex.Resolution)
		}
		b.WriteString("\n")
	}

	b.WriteString("Revise your position, addressing the disagreements above where you can, and state where you now agree with the other members.")
	return b.String()
}
