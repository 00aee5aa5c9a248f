// Package cost prices token usage and aggregates spend across providers
// and members (spec §3 "cost audit tables", §8 invariants 4-5). Grounded
// on Shannon's BudgetManager.ModelPricing table, re-keyed onto a
// per-million-token price (spec's `promptPrice`/`completionPrice` are per
// 1e6 tokens) instead of Shannon's per-1K convention.
package cost

import "github.com/council-proxy/council/types"

// ModelPrice is one model's per-million-token pricing row.
type ModelPrice struct {
	PromptPricePerMillion     float64
	CompletionPricePerMillion float64
}

// Table resolves a model id to its pricing row. Populating it is an
// external collaborator's job (spec §1 Out of scope: "model-pricing
// scrapers"); the council core only consumes the resolved table.
type Table struct {
	prices  map[string]ModelPrice
	fallback ModelPrice
}

// NewTable builds a pricing table, seeded with the same representative
// model set the teacher's budget manager ships by default so the council
// has sane pricing out of the box without a live scrape.
func NewTable() *Table {
	return &Table{
		prices: map[string]ModelPrice{
			"gpt-4":         {PromptPricePerMillion: 30.0, CompletionPricePerMillion: 60.0},
			"gpt-4-turbo":   {PromptPricePerMillion: 10.0, CompletionPricePerMillion: 30.0},
			"gpt-3.5-turbo": {PromptPricePerMillion: 0.5, CompletionPricePerMillion: 1.5},
			"claude-3-opus":   {PromptPricePerMillion: 15.0, CompletionPricePerMillion: 75.0},
			"claude-3-sonnet": {PromptPricePerMillion: 3.0, CompletionPricePerMillion: 15.0},
			"claude-3-haiku":  {PromptPricePerMillion: 0.25, CompletionPricePerMillion: 1.25},
		},
		fallback: ModelPrice{PromptPricePerMillion: 1.0, CompletionPricePerMillion: 2.0},
	}
}

// Set installs or replaces a model's pricing row.
func (t *Table) Set(modelID string, price ModelPrice) {
	t.prices[modelID] = price
}

// PriceFor returns the pricing row for modelID, or the table's fallback
// price if the model is unknown (an unpriced model must still be billable,
// not free).
func (t *Table) PriceFor(modelID string) ModelPrice {
	if p, ok := t.prices[modelID]; ok {
		return p
	}
	return t.fallback
}

// Calculate implements spec §8 invariant 5 exactly:
// cost = (promptTokens/1e6)*promptPrice + (completionTokens/1e6)*completionPrice.
func (t *Table) Calculate(modelID string, usage types.TokenUsage) float64 {
	price := t.PriceFor(modelID)
	return (float64(usage.PromptTokens)/1e6)*price.PromptPricePerMillion +
		(float64(usage.CompletionTokens)/1e6)*price.CompletionPricePerMillion
}

// LineItem is one member's billed cost for a request, the unit Aggregate
// sums over (spec §8 invariant 4).
type LineItem struct {
	MemberID   string
	ProviderID string
	Cost       float64
}

// Aggregate is the cost-rollup shape consumed by audit persistence:
// total cost plus cost grouped by provider and by member.
type Aggregate struct {
	Total      float64
	ByProvider map[string]float64
	ByMember   map[string]float64
}

// Sum rolls up a set of per-member line items into totals and
// provider/member breakdowns (spec §8 invariant 4).
func Sum(items []LineItem) Aggregate {
	agg := Aggregate{ByProvider: make(map[string]float64), ByMember: make(map[string]float64)}
	for _, it := range items {
		agg.Total += it.Cost
		agg.ByProvider[it.ProviderID] += it.Cost
		agg.ByMember[it.MemberID] += it.Cost
	}
	return agg
}
