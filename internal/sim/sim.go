// Package sim implements the deterministic, transport-free simulation
// harness (§4.12): a seeded PRNG, a priority-queue event scheduler, N
// synthetic peers evenly spaced on the ring, and the coverage/hop metrics
// the core's convergence and routing invariants are checked against.
package sim

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/relevance"
	"github.com/gotchoices/fret/internal/ringspace"
)

// EventKind names one scheduled simulation event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventLeave
	EventJoin
	EventStabilize
	EventRoute
)

// Event is one absolute-time entry in the scheduler's priority queue.
type Event struct {
	TimeMs int64
	Kind   EventKind
	PeerID string
	Key    string // EventRoute target key
	index  int
}

type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].TimeMs != q[j].TimeMs {
		return q[i].TimeMs < q[j].TimeMs
	}
	return q[i].Kind < q[j].Kind
}
func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *eventQueue) Push(x any) {
	e := x.(*Event)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Metrics accumulates the simulation's observable counters (§4.12).
type Metrics struct {
	Joins               int
	Leaves              int
	StabilizationCycles int
	RoutingAttempts     int
	RoutingSuccesses    int
	RoutingHops         []int
	CoverageSeries      []float64
	DeadNeighborRatios  []float64
}

// MeanHops returns the average hop count across successful routes, or 0.
func (m *Metrics) MeanHops() float64 {
	if len(m.RoutingHops) == 0 {
		return 0
	}
	sum := 0
	for _, h := range m.RoutingHops {
		sum += h
	}
	return float64(sum) / float64(len(m.RoutingHops))
}

// SuccessRate returns RoutingSuccesses/RoutingAttempts, or 0 with no attempts.
func (m *Metrics) SuccessRate() float64 {
	if m.RoutingAttempts == 0 {
		return 0
	}
	return float64(m.RoutingSuccesses) / float64(m.RoutingAttempts)
}

// MeanCoverage returns the mean of every recorded coverage sample.
func (m *Metrics) MeanCoverage() float64 {
	if len(m.CoverageSeries) == 0 {
		return 0
	}
	var sum float64
	for _, c := range m.CoverageSeries {
		sum += c
	}
	return sum / float64(len(m.CoverageSeries))
}

// simPeer is one synthetic node: a Digitree plus a liveness flag.
type simPeer struct {
	id    string
	coord ringspace.Coord
	alive bool
	tree  *digitree.Store
}

// Network is the simulation harness instance.
type Network struct {
	rng     *rand.Rand
	queue   eventQueue
	nowMs   int64
	m       int
	k       int
	metrics Metrics

	peers   map[string]*simPeer
	order   []string // ids in coordinate order, fixed at construction
}

// NewNetwork builds a Network with n peers evenly spaced on the ring,
// seeded from seed for determinism.
func NewNetwork(n, k, m int, seed int64) *Network {
	if n < 1 {
		n = 1
	}
	net := &Network{
		rng:   rand.New(rand.NewSource(seed)),
		m:     m,
		k:     k,
		peers: make(map[string]*simPeer, n),
	}
	heap.Init(&net.queue)

	for i := 0; i < n; i++ {
		id := syntheticID(i)
		coord := evenlySpacedCoord(i, n)
		model := relevance.NewModel()
		peer := &simPeer{
			id:    id,
			coord: coord,
			alive: true,
		}
		peer.tree = digitree.New(id, coord, n+1, m, model, func() int64 { return net.nowMs })
		net.peers[id] = peer
		net.order = append(net.order, id)
	}
	sort.Slice(net.order, func(i, j int) bool {
		return ringspace.Compare(net.peers[net.order[i]].coord, net.peers[net.order[j]].coord) < 0
	})
	for _, p := range net.peers {
		for _, other := range net.peers {
			if other.id != p.id {
				p.tree.Upsert(other.id, other.coord)
			}
		}
	}
	return net
}

// syntheticID names peer i deterministically.
func syntheticID(i int) string {
	return "sim-peer-" + strconv.Itoa(i)
}

// evenlySpacedCoord places peer i of n evenly around the 256-bit ring.
func evenlySpacedCoord(i, n int) ringspace.Coord {
	frac := float64(i) / float64(n)
	span := ringspace.Max()
	scaled := make([]byte, ringspace.Size)
	carry := 0.0
	for j := range scaled {
		v := float64(span[j])*frac + carry
		b := math.Floor(v)
		scaled[j] = byte(uint32(b) & 0xFF)
		carry = (v - b) * 256
	}
	var out ringspace.Coord
	copy(out[:], scaled)
	return out
}

// Schedule enqueues an event at an absolute time.
func (n *Network) Schedule(e Event) {
	heap.Push(&n.queue, &e)
}

// Run pops events in time order until the queue is empty or until
// stopMs, whichever comes first, dispatching each to its handler.
func (n *Network) Run(stopMs int64) {
	for n.queue.Len() > 0 {
		next := n.queue[0]
		if next.TimeMs > stopMs {
			return
		}
		ev := heap.Pop(&n.queue).(*Event)
		n.nowMs = ev.TimeMs
		n.dispatch(ev)
	}
}

func (n *Network) dispatch(ev *Event) {
	switch ev.Kind {
	case EventJoin:
		n.handleJoin(ev.PeerID)
	case EventLeave:
		n.handleLeave(ev.PeerID)
	case EventStabilize:
		n.handleStabilize()
	case EventRoute:
		n.handleRoute(ev.Key)
	}
}

// Metrics returns the accumulated counters so far.
func (n *Network) Metrics() *Metrics { return &n.metrics }

// AlivePeers returns the ids of every currently live peer, in
// coordinate order.
func (n *Network) AlivePeers() []string {
	out := make([]string, 0, len(n.order))
	for _, id := range n.order {
		if n.peers[id].alive {
			out = append(out, id)
		}
	}
	return out
}
