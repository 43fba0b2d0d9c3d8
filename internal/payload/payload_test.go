package payload

import (
	"math/big"
	"testing"

	"github.com/gotchoices/fret/internal/ringspace"
	"github.com/stretchr/testify/assert"
)

func TestComputeNearRadiusZeroBelowSizeEstimateOne(t *testing.T) {
	r := ComputeNearRadius(0.5, 4)
	assert.Equal(t, ringspace.Zero(), r)
}

func TestComputeNearRadiusShrinksAsNetworkGrows(t *testing.T) {
	small := ComputeNearRadius(10, 4)
	large := ComputeNearRadius(100000, 4)
	assert.True(t, ringspace.Less(large, small), "a bigger network implies a smaller near-radius")
}

func TestComputeNearRadiusGrowsWithK(t *testing.T) {
	low := ComputeNearRadius(1000, 1)
	high := ComputeNearRadius(1000, 20)
	assert.True(t, ringspace.Less(low, high))
}

func TestComputeNearRadiusCapsAtRingMax(t *testing.T) {
	r := ComputeNearRadiusBeta(2, 1000000, 1000000)
	assert.Equal(t, ringspace.Max(), r)
}

func TestShouldIncludePayloadFalseBelowSizeEstimateOne(t *testing.T) {
	assert.False(t, ShouldIncludePayload(ringspace.Zero(), 0.5, 1, 4))
}

func TestShouldIncludePayloadFalseAtZeroConfidence(t *testing.T) {
	assert.False(t, ShouldIncludePayload(ringspace.Zero(), 100, 0, 4))
}

func TestShouldIncludePayloadTrueAtZeroDistance(t *testing.T) {
	assert.True(t, ShouldIncludePayload(ringspace.Zero(), 100, 1, 4))
}

func TestShouldIncludePayloadFalseFarFromTarget(t *testing.T) {
	far := ringspace.Max()
	assert.False(t, ShouldIncludePayload(far, 100, 1, 4))
}

func TestShouldIncludePayloadScalesWithConfidence(t *testing.T) {
	// A distance halfway into the near zone clears the default 0.5
	// threshold at full confidence but not at low confidence.
	nearZone := scaledRingFraction(100, 4, DefaultBeta)
	half := new(big.Int).Rsh(nearZone, 1)
	var aligned ringspace.Coord
	b := half.Bytes()
	copy(aligned[ringspace.Size-len(b):], b)

	assert.True(t, ShouldIncludePayloadParams(aligned, 100, 1, 4, DefaultBeta, DefaultThreshold))
	assert.False(t, ShouldIncludePayloadParams(aligned, 100, 0.1, 4, DefaultBeta, DefaultThreshold))
}
