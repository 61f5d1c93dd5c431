// Package pricing models the cost impact of trimming under prompt-cache
// pricing: cached reads are cheap, cache writes are not, and a trim
// invalidates the cache once.
package pricing

import (
	"fmt"
	"math"
	"strings"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/analyze"
)

// DefaultCacheHitRate is the assumed steady-state fraction of a turn's
// prompt served from the cache.
const DefaultCacheHitRate = 0.90

// Trimmable-share calibration constants. These are conservative estimates
// of how much of each bucket the trimmer actually removes, not measured
// quantities.
const (
	toolResultTrimShare = 0.7
	toolUseTrimShare    = 0.3
	stubOverheadBytes   = 35
)

// maxRemovalRatio caps how much of a transcript the model assumes away.
const maxRemovalRatio = 0.95

// Model is one pricing table row. Rates are USD per million tokens.
type Model struct {
	Name              string  `json:"name"`
	CacheWritePerMTok float64 `json:"cache_write_per_mtok"`
	CacheReadPerMTok  float64 `json:"cache_read_per_mtok"`
}

// Models is the built-in pricing table.
var Models = []Model{
	{Name: "opus", CacheWritePerMTok: 6.25, CacheReadPerMTok: 0.50},
	{Name: "sonnet", CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.30},
	{Name: "haiku", CacheWritePerMTok: 1.25, CacheReadPerMTok: 0.10},
}

// DefaultModel is used when no model is named.
const DefaultModel = "opus"

// FindModel resolves a pricing row by name (case-insensitive).
func FindModel(name string) (Model, error) {
	if name == "" {
		name = DefaultModel
	}
	for _, m := range Models {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	names := make([]string, len(Models))
	for i, m := range Models {
		names[i] = m.Name
	}
	return Model{}, fmt.Errorf("unknown model %q: known models are %s", name, strings.Join(names, ", "))
}

// Projection is the cost outlook over a number of turns.
type Projection struct {
	Turns        int     `json:"turns"`
	WithoutTrim  float64 `json:"without_trim"`
	WithTrim     float64 `json:"with_trim"`
	SavedPercent float64 `json:"saved_percent"`
}

// Impact is the derived cache-impact report. Costs are USD per turn.
type Impact struct {
	Model            string  `json:"model"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	PreTrimTokens    int     `json:"pre_trim_tokens"`
	PostTrimTokens   int     `json:"post_trim_tokens"`
	ReductionPercent float64 `json:"reduction_percent"`

	PreTrimSteadyCost  float64 `json:"pre_trim_steady_cost"`
	PostTrimFirstCost  float64 `json:"post_trim_first_cost"`
	PostTrimSteadyCost float64 `json:"post_trim_steady_cost"`

	// CacheMissPenalty is the one-time extra cost of the first post-trim
	// turn relative to staying on the warm pre-trim cache.
	CacheMissPenalty float64 `json:"cache_miss_penalty"`
	SavingsPerTurn   float64 `json:"savings_per_turn"`

	// BreakEvenTurns is 0 when trimming never pays for itself.
	BreakEvenTurns int `json:"break_even_turns"`

	Projections []Projection `json:"projections"`
}

// projectionTurns are the horizons reported by EstimateImpact.
var projectionTurns = []int{5, 10, 20, 50}

// EstimateImpact turns an analyzer report into per-turn costs, break-even
// and multi-turn projections. hitRate <= 0 uses DefaultCacheHitRate.
func EstimateImpact(a *analyze.Analysis, m Model, hitRate float64) *Impact {
	if hitRate <= 0 {
		hitRate = DefaultCacheHitRate
	}

	preTokens := a.EstimatedTokens
	postTokens := postTrimTokens(a)

	steady := func(tokens int) float64 {
		mtok := float64(tokens) / 1e6
		return hitRate*mtok*m.CacheReadPerMTok + (1-hitRate)*mtok*m.CacheWritePerMTok
	}
	coldFirst := float64(postTokens) / 1e6 * m.CacheWritePerMTok

	impact := &Impact{
		Model:              m.Name,
		CacheHitRate:       hitRate,
		PreTrimTokens:      preTokens,
		PostTrimTokens:     postTokens,
		PreTrimSteadyCost:  steady(preTokens),
		PostTrimFirstCost:  coldFirst,
		PostTrimSteadyCost: steady(postTokens),
	}
	if preTokens > 0 {
		impact.ReductionPercent = float64(preTokens-postTokens) / float64(preTokens) * 100
	}

	impact.CacheMissPenalty = impact.PostTrimFirstCost - impact.PreTrimSteadyCost
	impact.SavingsPerTurn = impact.PreTrimSteadyCost - impact.PostTrimSteadyCost
	if impact.SavingsPerTurn > 0 {
		impact.BreakEvenTurns = int(math.Ceil(impact.CacheMissPenalty/impact.SavingsPerTurn)) + 1
	}

	for _, n := range projectionTurns {
		without := impact.PreTrimSteadyCost * float64(n)
		with := impact.PostTrimFirstCost + impact.PostTrimSteadyCost*float64(n-1)
		p := Projection{Turns: n, WithoutTrim: without, WithTrim: with}
		if without > 0 {
			p.SavedPercent = (without - with) / without * 100
		}
		impact.Projections = append(impact.Projections, p)
	}

	return impact
}

// postTrimTokens estimates the working token count after a trim. The
// trimmable share of each bucket is scaled by its calibration constant, stub
// overhead is added back, and the system overhead never trims away.
func postTrimTokens(a *analyze.Analysis) int {
	if a.TotalBytes == 0 {
		return a.EstimatedTokens
	}

	removedBytes := float64(a.Breakdown.FileHistory.Bytes) +
		float64(a.Breakdown.ThinkingSignatures.Bytes) +
		toolResultTrimShare*float64(a.Breakdown.ToolResults.Bytes) -
		stubOverheadBytes*float64(a.Breakdown.ToolResults.Count) +
		toolUseTrimShare*float64(a.Breakdown.ToolUseRequests.Bytes)

	ratio := removedBytes / float64(a.TotalBytes)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > maxRemovalRatio {
		ratio = maxRemovalRatio
	}

	conversational := float64(a.EstimatedTokens - analyze.SystemOverheadTokens)
	if conversational < 0 {
		conversational = 0
	}
	return int(conversational*(1-ratio)) + analyze.SystemOverheadTokens
}
