// Package relevance scores Digitree entries by recency, frequency,
// success/failure history, smoothed latency, and how sparsely populated
// their ring-distance band is, so capacity eviction can keep the peers
// most worth keeping.
package relevance

import "math"

// Entry holds the mutable scoring state a Digitree keeps per peer. It is
// embedded by digitree.Entry rather than duplicated there.
type Entry struct {
	Relevance    float64
	LastAccessMs int64
	AccessCount  int64
	SuccessCount int64
	FailureCount int64
	AvgLatencyMs float64
}

const (
	// minRelevance/maxRelevance bound the score so neither unbounded
	// positive drift nor unbounded negative drift can occur (§4.3).
	minRelevance = -10.0
	maxRelevance = 10.0

	touchIncrement   = 0.05
	successIncrement = 0.3
	failurePenalty   = 0.2

	latencyEMAWeight = 0.2
)

func clamp(v float64) float64 {
	if v < minRelevance {
		return minRelevance
	}
	if v > maxRelevance {
		return maxRelevance
	}
	return v
}

// Model tracks, per logarithmic-distance band, an exponential moving
// average of observed peer density. The sparsity bonus at a given distance
// is inversely proportional to its band's density, so long-range bands
// that are thin get a retention boost.
type Model struct {
	bands [bandCount]float64
}

// bandCount splits the [0,1] normalized-distance axis into 16 bands; coarse
// enough to converge quickly, fine enough to distinguish near from far.
const bandCount = 16

const bandEMAWeight = 0.1

func bandIndex(x float64) int {
	idx := int(x * float64(bandCount))
	if idx < 0 {
		idx = 0
	}
	if idx >= bandCount {
		idx = bandCount - 1
	}
	return idx
}

// NewModel returns a Model with every band initialized to a neutral
// density, so early sparsity bonuses aren't artificially huge before any
// observations arrive.
func NewModel() *Model {
	m := &Model{}
	for i := range m.bands {
		m.bands[i] = 1.0
	}
	return m
}

// Observe records that a peer was seen at normalized distance x: every
// band's density decays toward 0 and x's band moves toward bandCount, so
// the densities keep averaging 1 while often-seen bands rise above it and
// rarely-seen bands fall below it.
func (m *Model) Observe(x float64) {
	obs := bandIndex(x)
	for i := range m.bands {
		target := 0.0
		if i == obs {
			target = float64(bandCount)
		}
		m.bands[i] = (1-bandEMAWeight)*m.bands[i] + bandEMAWeight*target
	}
}

// sparsityBonus is inversely proportional to the observed density of x's
// band: thin bands (density near 0) yield a bonus approaching 1; saturated
// bands yield a bonus near 0.
func (m *Model) sparsityBonus(x float64) float64 {
	d := m.bands[bandIndex(x)]
	if d <= 0 {
		return 1
	}
	return 1 / (1 + d)
}

// Touch applies the recency/frequency nudge: called on any positive
// interaction (snapshot merge, successful query) that isn't itself a
// completed ping/lookup worth the larger RecordSuccess bump.
func (m *Model) Touch(e *Entry, nowMs int64, x float64) {
	e.AccessCount++
	e.LastAccessMs = nowMs
	bonus := m.sparsityBonus(x)
	e.Relevance = clamp(e.Relevance + touchIncrement*(1+bonus))
	m.Observe(x)
}

// RecordSuccess applies the larger positive nudge for a successful ping,
// weighting it so that faster (lower smoothed latency) peers get a
// proportionally bigger bump.
func (m *Model) RecordSuccess(e *Entry, latencyMs float64, x float64) {
	e.SuccessCount++
	if e.AvgLatencyMs == 0 {
		e.AvgLatencyMs = latencyMs
	} else {
		e.AvgLatencyMs = (1-latencyEMAWeight)*e.AvgLatencyMs + latencyEMAWeight*latencyMs
	}

	// Faster peers get a bigger bump: speedFactor is 1 at 500ms, capped
	// at 2 for 250ms or less, and floored at 0.5 for 1s or more.
	speedFactor := 500.0 / math.Max(e.AvgLatencyMs, 25.0)
	if speedFactor > 2 {
		speedFactor = 2
	}
	if speedFactor < 0.5 {
		speedFactor = 0.5
	}

	bonus := m.sparsityBonus(x)
	e.Relevance = clamp(e.Relevance + successIncrement*speedFactor*(1+bonus))
	m.Observe(x)
}

// RecordFailure applies a negative nudge proportional to the entry's
// current success ratio: a peer with a long success history is docked
// harder for a single new failure than one that was already unreliable.
func (m *Model) RecordFailure(e *Entry, x float64) {
	e.FailureCount++
	total := e.SuccessCount + e.FailureCount
	ratio := 0.5
	if total > 0 {
		ratio = float64(e.SuccessCount) / float64(total)
	}
	e.Relevance = clamp(e.Relevance - failurePenalty*(0.5+ratio))
}
