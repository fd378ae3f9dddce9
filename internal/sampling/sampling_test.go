package sampling

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Strategy: StrategyAlways}.Validate())
	assert.NoError(t, Config{Strategy: StrategyNever}.Validate())
	assert.NoError(t, Config{Strategy: StrategyRatio, Ratio: 0.5}.Validate())
	assert.NoError(t, Config{Strategy: StrategyParent, Ratio: 1}.Validate())

	assert.Error(t, Config{Strategy: StrategyRatio, Ratio: -0.1}.Validate())
	assert.Error(t, Config{Strategy: StrategyRatio, Ratio: 1.1}.Validate())
	assert.Error(t, Config{Strategy: "bogus"}.Validate())
}

func TestDeciderAlwaysAndNever(t *testing.T) {
	always := NewDecider(Config{Strategy: StrategyAlways})
	defer always.Close()
	assert.True(t, always.ShouldSample("t1", "s1", true))
	assert.True(t, always.SpanSampled("s1"))
	assert.True(t, always.TraceSampled("t1"))

	never := NewDecider(Config{Strategy: StrategyNever})
	defer never.Close()
	assert.False(t, never.ShouldSample("t1", "s1", true))
	assert.False(t, never.SpanSampled("s1"))
	assert.False(t, never.TraceSampled("t1"))
}

func TestDeciderRatioIsDeterministicPerTrace(t *testing.T) {
	d := NewDecider(Config{Strategy: StrategyRatio, Ratio: 0.5})
	defer d.Close()

	for i := 0; i < 50; i++ {
		traceID := fmt.Sprintf("trace-%d", i)
		first := d.ShouldSample(traceID, fmt.Sprintf("s%d-a", i), true)
		// Every span of the trace gets the same verdict.
		second := d.ShouldSample(traceID, fmt.Sprintf("s%d-b", i), false)
		assert.Equal(t, first, second, "trace %s", traceID)
		assert.Equal(t, first, d.TraceSampled(traceID))
	}
}

func TestDeciderRatioBounds(t *testing.T) {
	all := NewDecider(Config{Strategy: StrategyRatio, Ratio: 1})
	defer all.Close()
	none := NewDecider(Config{Strategy: StrategyRatio, Ratio: 0})
	defer none.Close()

	for i := 0; i < 20; i++ {
		traceID := fmt.Sprintf("trace-%d", i)
		assert.True(t, all.ShouldSample(traceID, fmt.Sprintf("a%d", i), true))
		assert.False(t, none.ShouldSample(traceID, fmt.Sprintf("n%d", i), true))
	}
}

func TestDeciderRatioRoughlyProportional(t *testing.T) {
	d := NewDecider(Config{Strategy: StrategyRatio, Ratio: 0.5})
	defer d.Close()

	sampled := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if d.TraceSampled(fmt.Sprintf("trace-%d", i)) {
			sampled++
		}
	}
	assert.InDelta(t, n/2, sampled, n/10)
}

func TestDeciderParentInheritsRootDecision(t *testing.T) {
	d := NewDecider(Config{Strategy: StrategyParent, Ratio: 0.5})
	defer d.Close()

	for i := 0; i < 50; i++ {
		traceID := fmt.Sprintf("trace-%d", i)
		root := d.ShouldSample(traceID, fmt.Sprintf("root-%d", i), true)
		child := d.ShouldSample(traceID, fmt.Sprintf("child-%d", i), false)
		assert.Equal(t, root, child)
	}
}

func TestDeciderSpanTrackingClearedOnEnd(t *testing.T) {
	d := NewDecider(Config{Strategy: StrategyAlways})
	defer d.Close()

	require.True(t, d.ShouldSample("t1", "s1", true))
	assert.Equal(t, 1, d.PendingSpans())

	assert.True(t, d.SpanSampled("s1"))
	assert.Zero(t, d.PendingSpans())

	// A span never seen at start defaults to unsampled.
	assert.False(t, d.SpanSampled("s1"))
}

func TestDeciderCloseIdempotent(t *testing.T) {
	d := NewDecider(Config{Strategy: StrategyAlways})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
