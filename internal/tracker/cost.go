package tracker

import (
	"sync"

	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// Category buckets token usage by the kind of call that produced it.
type Category string

const (
	// CategoryNarrator covers narrator generation and world-state extraction.
	CategoryNarrator Category = "narrator"

	// CategoryPlayers covers player reactions and spokesperson synthesis.
	CategoryPlayers Category = "players"

	// CategoryClassification covers routing classification and other analysis
	// calls.
	CategoryClassification Category = "classification"
)

// ModelPrice is the price of one million tokens for a model, in USD.
type ModelPrice struct {
	PromptUSDPerMTok     float64 `json:"prompt_usd_per_mtok" yaml:"prompt_usd_per_mtok"`
	CompletionUSDPerMTok float64 `json:"completion_usd_per_mtok" yaml:"completion_usd_per_mtok"`
}

// CategoryCost is the accumulated usage for one category.
type CategoryCost struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedUSD     float64 `json:"estimated_usd"`
}

// CostBreakdown is the per-category and total usage snapshot exposed at
// session finalization.
type CostBreakdown struct {
	Categories   map[Category]CategoryCost `json:"categories"`
	TotalTokens  int                       `json:"total_tokens"`
	EstimatedUSD float64                   `json:"estimated_usd"`
}

// CostTracker accumulates token-usage records from every model invocation into
// category totals and a derived monetary estimate.
//
// Unlike the other trackers it is fed from parallel player generations, so all
// methods are safe for concurrent use.
type CostTracker struct {
	mu     sync.Mutex
	prices map[string]ModelPrice
	totals map[Category]CategoryCost
}

// NewCostTracker creates a tracker with the given per-model price table.
// Models absent from the table contribute zero to the monetary estimate but
// their tokens are still counted.
func NewCostTracker(prices map[string]ModelPrice) *CostTracker {
	return &CostTracker{
		prices: prices,
		totals: make(map[Category]CategoryCost),
	}
}

// Add records usage from one model invocation under the given category.
func (t *CostTracker) Add(category Category, model string, usage llm.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := t.totals[category]
	cost.PromptTokens += usage.PromptTokens
	cost.CompletionTokens += usage.CompletionTokens
	if price, ok := t.prices[model]; ok {
		cost.EstimatedUSD += float64(usage.PromptTokens) / 1e6 * price.PromptUSDPerMTok
		cost.EstimatedUSD += float64(usage.CompletionTokens) / 1e6 * price.CompletionUSDPerMTok
	}
	t.totals[category] = cost
}

// Breakdown returns a snapshot of the accumulated totals.
func (t *CostTracker) Breakdown() CostBreakdown {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := CostBreakdown{Categories: make(map[Category]CategoryCost, len(t.totals))}
	for cat, cost := range t.totals {
		out.Categories[cat] = cost
		out.TotalTokens += cost.PromptTokens + cost.CompletionTokens
		out.EstimatedUSD += cost.EstimatedUSD
	}
	return out
}
