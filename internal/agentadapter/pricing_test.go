package agentadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// S1 boundary scenario.
func TestComputeCost_BoundaryScenario(t *testing.T) {
	cost, known := ComputeCost("opus", 1_000_000, 100_000)
	assert.True(t, known)
	assert.InDelta(t, 22.50, cost, 1e-9)

	cost, known = ComputeCost("haiku", 1_000_000, 1_000_000)
	assert.True(t, known)
	assert.InDelta(t, 4.80, cost, 1e-9)

	_, known = ComputeCost("unknown-model", 1_000_000, 1_000_000)
	assert.False(t, known)
}

func TestNormalizeUsage_ZeroTokensAlwaysZeroCost(t *testing.T) {
	u := NormalizeUsage("opus", 0, 0, 0, 0, 99.0)
	assert.Zero(t, u.CostUSD)
	assert.Zero(t, u.TotalTokens)
}

func TestNormalizeUsage_UnknownModelFallsBackToAdapterReportedCost(t *testing.T) {
	u := NormalizeUsage("mystery", 100, 50, 0, 0, 1.23)
	assert.Equal(t, 1.23, u.CostUSD)
	assert.Equal(t, int64(150), u.TotalTokens)
}

func TestNormalizeUsage_UnknownModelNoReportedCostIsZero(t *testing.T) {
	u := NormalizeUsage("mystery", 100, 50, 0, 0, 0)
	assert.Zero(t, u.CostUSD)
}
