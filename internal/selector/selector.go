// Package selector picks the next hop for a routed lookup out of a
// node's known peers (§4.8). Two modes share one concept of a
// Candidate: the cost-function mode (default, near/far weighted
// scoring) and a legacy tolerance-band mode, which the route pipeline
// does not call; only this package's tests exercise it.
package selector

import (
	"sort"

	"github.com/gotchoices/fret/internal/ringspace"
)

// Candidate is one peer under consideration as a next hop.
type Candidate struct {
	ID             string
	Coord          ringspace.Coord
	Connected      bool
	LinkQuality    float64 // [0,1]
	BackoffPenalty float64 // [0,1]
}

// DefaultTolerance is the legacy mode's default byte-index tolerance.
const DefaultTolerance = 1

// weights holds the cost function's four coefficients.
type weights struct{ wd, wconn, wq, wb float64 }

// computeWeights implements §4.8's weight derivation: near candidates
// favor distance over connectivity; confidence nudges the balance
// between distance and connectivity weight within clamped bounds.
func computeWeights(near bool, confidence float64) weights {
	w := weights{wd: 0.4, wconn: 0.4, wq: 0.1, wb: 0.1}
	if near {
		w = weights{wd: 0.7, wconn: 0.1, wq: 0.1, wb: 0.1}
	}
	shift := (confidence - 0.5) * 0.2
	w.wd += shift
	w.wconn -= shift
	if w.wd < 0.1 {
		w.wd = 0.1
	}
	if w.wconn < 0.05 {
		w.wconn = 0.05
	}
	return w
}

type scoredCandidate struct {
	c    Candidate
	cost float64
	dist ringspace.Coord
	near bool
}

func scoreCandidate(c Candidate, target, nearRadius ringspace.Coord, confidence float64) scoredCandidate {
	dist := ringspace.Xor(c.Coord, target)
	near := !ringspace.Less(nearRadius, dist) // dist <= nearRadius
	normDist := ringspace.NormalizedLogDistance(c.Coord, target)

	w := computeWeights(near, confidence)
	connF := 0.0
	if c.Connected {
		connF = 1
	}
	cost := w.wd*normDist - w.wconn*connF - w.wq*c.LinkQuality + w.wb*c.BackoffPenalty
	return scoredCandidate{c: c, cost: cost, dist: dist, near: near}
}

// NextHopCostFunction implements the cost-function mode (§4.8): scores
// every candidate, partitions into near/far by nearRadius, and picks the
// best of whichever partition is non-empty, preferring near. Returns
// false if candidates is empty.
func NextHopCostFunction(candidates []Candidate, target, nearRadius ringspace.Coord, confidence float64) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	var near, far []scoredCandidate
	for _, c := range candidates {
		s := scoreCandidate(c, target, nearRadius, confidence)
		if s.near {
			near = append(near, s)
		} else {
			far = append(far, s)
		}
	}

	if len(near) > 0 {
		sort.Slice(near, func(i, j int) bool {
			if cmp := ringspace.Compare(near[i].dist, near[j].dist); cmp != 0 {
				return cmp < 0
			}
			if near[i].c.Connected != near[j].c.Connected {
				return near[i].c.Connected // connected-first
			}
			if near[i].cost != near[j].cost {
				return near[i].cost < near[j].cost
			}
			return near[i].c.ID < near[j].c.ID
		})
		return near[0].c, true
	}

	sort.Slice(far, func(i, j int) bool {
		if far[i].cost != far[j].cost {
			return far[i].cost < far[j].cost
		}
		if cmp := ringspace.Compare(far[i].dist, far[j].dist); cmp != 0 {
			return cmp < 0
		}
		return far[i].c.ID < far[j].c.ID
	})
	return far[0].c, true
}

// leadingNonZeroByteIndex is the index of dist's first nonzero byte (0 =
// most significant), or ringspace.Size when dist is all-zero.
func leadingNonZeroByteIndex(dist ringspace.Coord) int {
	for i, b := range dist {
		if b != 0 {
			return i
		}
	}
	return ringspace.Size
}

// NextHopLegacy implements the legacy tolerance-band mode (§4.8):
// pick bestByDist, then among connected candidates within tolerance
// bytes of its precision, pick the closest (tie-break by connectivity +
// link quality). tolerance<=0 uses DefaultTolerance.
func NextHopLegacy(candidates []Candidate, target ringspace.Coord, tolerance int) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	type ranked struct {
		c   Candidate
		d   ringspace.Coord
		idx int
	}
	all := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		d := ringspace.Xor(c.Coord, target)
		all = append(all, ranked{c: c, d: d, idx: leadingNonZeroByteIndex(d)})
	}

	best := all[0]
	for _, r := range all[1:] {
		if ringspace.Less(r.d, best.d) {
			best = r
		}
	}

	var qualifying []ranked
	for _, r := range all {
		if !r.c.Connected {
			continue
		}
		if r.idx < best.idx-tolerance {
			continue
		}
		qualifying = append(qualifying, r)
	}
	if len(qualifying) == 0 {
		return best.c, true
	}

	sort.Slice(qualifying, func(i, j int) bool {
		if cmp := ringspace.Compare(qualifying[i].d, qualifying[j].d); cmp != 0 {
			return cmp < 0
		}
		scoreI := 1 + 0.25*qualifying[i].c.LinkQuality
		scoreJ := 1 + 0.25*qualifying[j].c.LinkQuality
		return scoreI > scoreJ
	})
	return qualifying[0].c, true
}
