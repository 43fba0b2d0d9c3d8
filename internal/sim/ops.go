package sim

import (
	"math"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/ringspace"
)

func (n *Network) handleJoin(id string) {
	peer, ok := n.peers[id]
	if !ok || peer.alive {
		return
	}
	peer.alive = true
	n.metrics.Joins++
	for _, other := range n.peers {
		if other.id == id || !other.alive {
			continue
		}
		other.tree.Upsert(id, peer.coord)
		peer.tree.Upsert(other.id, other.coord)
	}
}

func (n *Network) handleLeave(id string) {
	peer, ok := n.peers[id]
	if !ok || !peer.alive {
		return
	}
	peer.alive = false
	n.metrics.Leaves++
	for _, other := range n.peers {
		if other.id == id {
			continue
		}
		other.tree.Remove(id)
	}
}

// handleStabilize simulates one full round of S/P bidirectional merges
// between each live peer and its m-sized neighborhood, records coverage
// and dead-neighbor-ratio metrics, then prunes dead ids (§4.12).
func (n *Network) handleStabilize() {
	n.metrics.StabilizationCycles++
	alive := n.AlivePeers()
	if len(alive) == 0 {
		return
	}
	aliveSet := make(map[string]bool, len(alive))
	for _, id := range alive {
		aliveSet[id] = true
	}

	for _, id := range alive {
		peer := n.peers[id]
		neighbors := digitree.UnionDedup(
			peer.tree.NeighborsRight(peer.coord, n.m),
			peer.tree.NeighborsLeft(peer.coord, n.m),
		)
		for _, nb := range neighbors {
			if nb.ID == id {
				continue
			}
			other, ok := n.peers[nb.ID]
			if !ok || !other.alive {
				continue
			}
			// Bidirectional merge: each side learns the other and the
			// live members of the other's S/P set.
			other.tree.Upsert(id, peer.coord)
			peer.tree.Upsert(other.id, other.coord)
			for _, x := range neighbors {
				if x.ID != other.id && aliveSet[x.ID] {
					other.tree.Upsert(x.ID, x.Coord)
				}
			}
			otherSP := digitree.UnionDedup(
				other.tree.NeighborsRight(other.coord, n.m),
				other.tree.NeighborsLeft(other.coord, n.m),
			)
			for _, x := range otherSP {
				if x.ID != id && aliveSet[x.ID] {
					peer.tree.Upsert(x.ID, x.Coord)
				}
			}
		}
	}

	var coverageSum, deadSum float64
	for _, id := range alive {
		peer := n.peers[id]
		sp := digitree.UnionDedup(
			peer.tree.NeighborsRight(peer.coord, n.m),
			peer.tree.NeighborsLeft(peer.coord, n.m),
		)
		aliveCount, deadCount := 0, 0
		for _, e := range sp {
			if e.ID == id {
				continue
			}
			if aliveSet[e.ID] {
				aliveCount++
			} else {
				deadCount++
			}
		}
		denom := 2 * n.m
		if len(alive)-1 < denom {
			denom = len(alive) - 1
		}
		if denom < 1 {
			denom = 1
		}
		coverageSum += float64(aliveCount) / float64(denom)
		if total := aliveCount + deadCount; total > 0 {
			deadSum += float64(deadCount) / float64(total)
		}
	}
	n.metrics.CoverageSeries = append(n.metrics.CoverageSeries, coverageSum/float64(len(alive)))
	n.metrics.DeadNeighborRatios = append(n.metrics.DeadNeighborRatios, deadSum/float64(len(alive)))

	for _, id := range alive {
		peer := n.peers[id]
		for _, e := range peer.tree.List() {
			if e.ID != id && !aliveSet[e.ID] {
				peer.tree.Remove(e.ID)
			}
		}
	}
}

// handleRoute implements greedy ring routing bounded by
// ⌈2·log₂(alive)⌉+4 hops (§4.12): pick a random live originator, then
// hop to the current peer's known successor of the target while that
// successor is alive, unvisited, and XOR-closer to the target. A route
// that exceeds the bound is not counted as a success.
func (n *Network) handleRoute(key string) {
	n.metrics.RoutingAttempts++
	alive := n.AlivePeers()
	if len(alive) == 0 {
		return
	}
	target := ringspace.HashKey(key)
	maxHops := int(math.Ceil(2*math.Log2(math.Max(float64(len(alive)), 2)))) + 4

	current := alive[n.rng.Intn(len(alive))]
	visited := map[string]bool{current: true}
	hops := 0
	for {
		peer := n.peers[current]
		succ, ok := peer.tree.SuccessorOfCoord(target)
		if !ok || succ.ID == current {
			break
		}
		other, known := n.peers[succ.ID]
		if !known || !other.alive || visited[succ.ID] {
			break
		}
		curDist := ringspace.Xor(peer.coord, target)
		nextDist := ringspace.Xor(succ.Coord, target)
		if ringspace.Compare(nextDist, curDist) >= 0 {
			break
		}
		current = succ.ID
		visited[current] = true
		hops++
		if hops > maxHops {
			return
		}
	}
	n.metrics.RoutingSuccesses++
	n.metrics.RoutingHops = append(n.metrics.RoutingHops, hops)
}
