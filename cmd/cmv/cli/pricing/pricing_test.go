package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/analyze"
)

func TestFindModel(t *testing.T) {
	t.Parallel()

	m, err := FindModel("opus")
	require.NoError(t, err)
	assert.Equal(t, 6.25, m.CacheWritePerMTok)
	assert.Equal(t, 0.50, m.CacheReadPerMTok)

	m, err = FindModel("")
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, m.Name)

	m, err = FindModel("SONNET")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", m.Name)

	_, err = FindModel("gpt")
	require.Error(t, err)
}

// analysisWithRatio builds a report whose estimated tokens and removal
// ratio are exactly controlled.
func analysisWithRatio(estimated int, total, fileHistoryBytes int64) *analyze.Analysis {
	a := &analyze.Analysis{
		TotalBytes:      total,
		EstimatedTokens: estimated,
		ContextLimit:    analyze.ContextLimit,
	}
	a.Breakdown.FileHistory.Bytes = fileHistoryBytes
	return a
}

func TestEstimateImpact_BreakEven(t *testing.T) {
	t.Parallel()

	// 100k pre-trim tokens; half of the conversational share trims away,
	// leaving 60k post-trim.
	a := analysisWithRatio(100_000, 1000, 500)
	opus, err := FindModel("opus")
	require.NoError(t, err)

	impact := EstimateImpact(a, opus, 0.9)

	assert.Equal(t, 100_000, impact.PreTrimTokens)
	assert.Equal(t, 60_000, impact.PostTrimTokens)
	assert.InDelta(t, 0.1075, impact.PreTrimSteadyCost, 1e-9)
	assert.InDelta(t, 0.375, impact.PostTrimFirstCost, 1e-9)
	assert.InDelta(t, 0.0645, impact.PostTrimSteadyCost, 1e-9)
	assert.InDelta(t, 0.2675, impact.CacheMissPenalty, 1e-9)
	assert.InDelta(t, 0.043, impact.SavingsPerTurn, 1e-9)
	assert.Equal(t, 8, impact.BreakEvenTurns)
}

func TestEstimateImpact_Projections(t *testing.T) {
	t.Parallel()

	a := analysisWithRatio(100_000, 1000, 500)
	opus, err := FindModel("opus")
	require.NoError(t, err)

	impact := EstimateImpact(a, opus, 0.9)
	require.Len(t, impact.Projections, 4)

	ten := impact.Projections[1]
	assert.Equal(t, 10, ten.Turns)
	assert.InDelta(t, 1.075, ten.WithoutTrim, 1e-9)
	assert.InDelta(t, 0.375+0.0645*9, ten.WithTrim, 1e-9)
	assert.Greater(t, ten.SavedPercent, 0.0)

	// Longer horizons amortize the cache-miss penalty better.
	fifty := impact.Projections[3]
	assert.Greater(t, fifty.SavedPercent, ten.SavedPercent)
}

func TestEstimateImpact_NothingToTrim(t *testing.T) {
	t.Parallel()

	// Pure conversation: no removable buckets, no savings, no break-even.
	a := analysisWithRatio(50_000, 1000, 0)
	opus, err := FindModel("opus")
	require.NoError(t, err)

	impact := EstimateImpact(a, opus, 0)
	assert.Equal(t, DefaultCacheHitRate, impact.CacheHitRate)
	assert.Equal(t, impact.PreTrimTokens, impact.PostTrimTokens)
	assert.Zero(t, impact.BreakEvenTurns)
}

func TestEstimateImpact_RemovalRatioClamped(t *testing.T) {
	t.Parallel()

	// File history larger than the file itself (cannot happen, but the
	// clamp must hold).
	a := analysisWithRatio(100_000, 1000, 5000)
	opus, err := FindModel("opus")
	require.NoError(t, err)

	impact := EstimateImpact(a, opus, 0.9)
	minPost := int(float64(100_000-analyze.SystemOverheadTokens)*0.05) + analyze.SystemOverheadTokens
	assert.Equal(t, minPost, impact.PostTrimTokens)
}

func TestEstimateImpact_StubOverheadAddedBack(t *testing.T) {
	t.Parallel()

	a := &analyze.Analysis{TotalBytes: 10_000, EstimatedTokens: 100_000}
	a.Breakdown.ToolResults.Bytes = 1000
	a.Breakdown.ToolResults.Count = 10
	opus, err := FindModel("opus")
	require.NoError(t, err)

	impact := EstimateImpact(a, opus, 0.9)
	// removed = 0.7*1000 - 35*10 = 350; ratio = 0.035
	want := int(float64(80_000)*(1-0.035)) + analyze.SystemOverheadTokens
	assert.Equal(t, want, impact.PostTrimTokens)
}
