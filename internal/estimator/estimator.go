// Package estimator derives network-size, churn, and partition signals
// from a weighted ring buffer of size observations: self's own estimate
// from the spacing of its S/P set, plus external estimates carried in
// ping and snapshot replies (§4.4).
package estimator

import (
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/gotchoices/fret/internal/ringspace"
)

// ringSpan is 2^256, the size of the full coordinate space, used to turn
// a neighbor-spacing distance into a fraction of the ring.
var ringSpan = new(big.Int).Lsh(big.NewInt(1), 256)

const (
	// MaxObservations bounds the ring buffer; once full, the oldest
	// observation is overwritten by the newest.
	MaxObservations = 100

	// Window is how long an observation stays load-bearing before aging
	// fully out of the weighted estimate.
	Window = 5 * time.Minute

	// minObservationsForPartition: fewer than this, detectPartition
	// always reports false (no basis for comparison yet).
	minObservationsForPartition = 10
)

// Observation is one size report: either derived by this node from its
// own S/P spacing (source == SelfSource) or carried in from a peer's
// reply.
type Observation struct {
	Estimate    float64
	Confidence  float64
	TimestampMs int64
	Source      string
}

// SelfSource labels self-derived observations.
const SelfSource = "self"

// Estimator accumulates observations and derives estimates from them.
// Safe for concurrent use.
type Estimator struct {
	mu   sync.Mutex
	now  func() time.Time
	ring [MaxObservations]Observation
	set  [MaxObservations]bool
	next int
	size int
}

// New returns an Estimator. nowFunc defaults to time.Now when nil.
func New(nowFunc func() time.Time) *Estimator {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Estimator{now: nowFunc}
}

// ReportNetworkSize appends one observation (§4.4).
func (e *Estimator) ReportNetworkSize(estimate, confidence float64, source string) {
	if source == "" {
		source = SelfSource
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring[e.next] = Observation{
		Estimate:    estimate,
		Confidence:  confidence,
		TimestampMs: e.now().UnixMilli(),
		Source:      source,
	}
	e.set[e.next] = true
	e.next = (e.next + 1) % MaxObservations
	if e.size < MaxObservations {
		e.size++
	}
}

// liveLocked returns every observation still within Window, oldest
// first by timestamp.
func (e *Estimator) liveLocked() []Observation {
	nowMs := e.now().UnixMilli()
	out := make([]Observation, 0, e.size)
	for i := 0; i < MaxObservations; i++ {
		if !e.set[i] {
			continue
		}
		o := e.ring[i]
		if nowMs-o.TimestampMs >= Window.Milliseconds() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}

// SizeEstimateResult is getNetworkSizeEstimate's return shape: the
// weighted value, its aggregate confidence, and how many distinct
// observations contributed.
type SizeEstimateResult struct {
	Estimate   float64
	Confidence float64
	Sources    int
}

// SelfSpacingEstimate derives a size estimate from the spacing of self's
// S/P set (§4.4): the farthest neighbor's XOR distance from self, taken
// as a fraction of the full ring, tells us roughly what share of the
// ring len(neighbors) peers cover — the denser that band, the larger the
// inferred network. Confidence grows with how many neighbors
// contributed, saturating at 1 once there are 8 or more.
func SelfSpacingEstimate(self ringspace.Coord, neighbors []ringspace.Coord) (estimate, confidence float64) {
	if len(neighbors) == 0 {
		return 1, 0
	}

	var maxDist *big.Int
	for _, n := range neighbors {
		d := new(big.Int).SetBytes(ringspace.Xor(self, n).Bytes())
		if maxDist == nil || d.Cmp(maxDist) > 0 {
			maxDist = d
		}
	}
	if maxDist.Sign() == 0 {
		return 1, 0
	}

	spanF := new(big.Float).SetInt(ringSpan)
	distF := new(big.Float).SetInt(maxDist)
	fraction, _ := new(big.Float).Quo(distF, spanF).Float64()
	if fraction <= 0 {
		return 1, 0
	}

	estimate = float64(len(neighbors)) / fraction
	if estimate < 1 {
		estimate = 1
	}
	confidence = float64(len(neighbors)) / 8
	if confidence > 1 {
		confidence = 1
	}
	return estimate, confidence
}

// GetNetworkSizeEstimate combines every live observation (self and
// external), weighting each by exp(-age/(Window/3)) * confidence, and
// returns the weighted mean, rounded, with an aggregate confidence
// (the weighted mean of confidences using the same weights) and source
// count (§4.4).
func (e *Estimator) GetNetworkSizeEstimate() SizeEstimateResult {
	e.mu.Lock()
	nowMs := e.now().UnixMilli()
	obs := e.liveLocked()
	e.mu.Unlock()

	if len(obs) == 0 {
		return SizeEstimateResult{Estimate: 1, Confidence: 0, Sources: 0}
	}

	decay := float64(Window.Milliseconds()) / 3
	var sumW, sumWEstimate, sumWConfidence float64
	for _, o := range obs {
		age := float64(nowMs - o.TimestampMs)
		if age < 0 {
			age = 0
		}
		w := math.Exp(-age/decay) * o.Confidence
		sumW += w
		sumWEstimate += w * o.Estimate
		sumWConfidence += w * o.Confidence
	}
	if sumW == 0 {
		return SizeEstimateResult{Estimate: 1, Confidence: 0, Sources: len(obs)}
	}

	estimate := math.Round(sumWEstimate / sumW)
	if estimate < 1 {
		estimate = 1
	}
	confidence := sumWConfidence / sumW
	return SizeEstimateResult{Estimate: estimate, Confidence: confidence, Sources: len(obs)}
}

// GetNetworkChurn splits the live observation window into an older and
// a newer half by count, and returns the slope, in peers per minute,
// between their mean estimates.
func (e *Estimator) GetNetworkChurn() float64 {
	e.mu.Lock()
	obs := e.liveLocked()
	e.mu.Unlock()

	if len(obs) < 2 {
		return 0
	}
	mid := len(obs) / 2
	older := obs[:mid]
	newer := obs[mid:]

	oldMean, oldTime := meanAndMidTime(older)
	newMean, newTime := meanAndMidTime(newer)

	deltaMinutes := (newTime - oldTime) / 60000
	if deltaMinutes <= 0 {
		return 0
	}
	return (newMean - oldMean) / deltaMinutes
}

func meanAndMidTime(obs []Observation) (mean float64, midTimeMs float64) {
	if len(obs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.Estimate
	}
	mean = sum / float64(len(obs))
	midTimeMs = float64(obs[len(obs)/2].TimestampMs)
	return mean, midTimeMs
}

// DetectPartition reports a likely network split (§4.4): true when the
// current weighted estimate has dropped below half the mean of the last
// five observations older than 30s (with confidence >= 0.3), or when
// absolute churn exceeds 10% of the current estimate per minute. Fewer
// than 10 total observations always reports false.
func (e *Estimator) DetectPartition() bool {
	e.mu.Lock()
	obs := e.liveLocked()
	nowMs := e.now().UnixMilli()
	e.mu.Unlock()

	if len(obs) < minObservationsForPartition {
		return false
	}

	current := e.GetNetworkSizeEstimate()

	// "last five observations older than 30s": take the five most
	// recent observations whose age exceeds 30s, most-recent first.
	var older []Observation
	for i := len(obs) - 1; i >= 0 && len(older) < 5; i-- {
		if nowMs-obs[i].TimestampMs >= 30*1000 {
			older = append(older, obs[i])
		}
	}
	if len(older) > 0 {
		var sum float64
		for _, o := range older {
			sum += o.Estimate
		}
		mean := sum / float64(len(older))
		if current.Estimate < mean/2 && current.Confidence >= 0.3 {
			return true
		}
	}

	churn := e.GetNetworkChurn()
	if churn < 0 {
		churn = -churn
	}
	if current.Estimate > 0 && churn > 0.1*current.Estimate {
		return true
	}
	return false
}
