package service

import (
	"context"
	"log"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/envelope"
	"github.com/gotchoices/fret/internal/estimator"
	"github.com/gotchoices/fret/internal/ringspace"
)

// stabilizationTick re-seeds from the current S/P union and bootstraps,
// pings the first few, fetches their snapshots, and merges what comes
// back (§4.10). A tick never panics or propagates a per-peer error: each
// contacted peer is isolated so one unreachable neighbor never stalls the
// others.
func (s *Service) stabilizationTick(ctx context.Context) {
	defer func() { recover() }()
	s.diag.incr(&s.diag.StabilizationTicks)

	spWidth := s.m
	if spWidth < 2 {
		spWidth = 2
	}
	candidates := digitree.UnionDedup(
		s.tree.NeighborsRight(s.coord, spWidth),
		s.tree.NeighborsLeft(s.coord, spWidth),
	)
	for _, id := range s.bootstraps {
		if id == s.id {
			continue
		}
		s.tree.Upsert(id, ringspace.HashID(id))
	}

	if len(candidates) > 0 {
		coords := make([]ringspace.Coord, 0, len(candidates))
		for _, e := range candidates {
			coords = append(coords, e.Coord)
		}
		selfEstimate, selfConfidence := estimator.SelfSpacingEstimate(s.coord, coords)
		s.est.ReportNetworkSize(selfEstimate, selfConfidence, estimator.SelfSource)
	}

	targets := make([]string, 0, stabilizeFetchCount)
	for _, e := range candidates {
		if e.ID == s.id {
			continue
		}
		targets = append(targets, e.ID)
		if len(targets) >= stabilizeFetchCount {
			break
		}
	}

	for _, id := range targets {
		s.stabilizeOne(ctx, id)
	}

	if s.tree.Size() < 2*s.m+1 {
		s.setMode(ModeActive)
	} else {
		s.setMode(ModePassive)
	}
}

func (s *Service) stabilizeOne(ctx context.Context, id string) {
	defer func() { recover() }()

	pingBody, _ := envelope.EncodeJSON(struct{}{})
	start := s.NowMs()
	if reply, err := s.request(ctx, id, ProtocolPing, pingBody); err == nil {
		var pr envelope.PingResponse
		if envelope.DecodeJSON(reply, &pr) == nil && pr.OK {
			latency := float64(s.NowMs() - start)
			_ = s.tree.RecordSuccess(id, latency)
			if pr.SizeEstimate != nil && pr.Confidence != nil {
				s.est.ReportNetworkSize(float64(*pr.SizeEstimate), *pr.Confidence, id)
			}
		}
	} else {
		log.Printf("service: stabilize ping %s: %v", id, err)
		_ = s.tree.RecordFailure(id)
		return
	}

	s.diag.incr(&s.diag.SnapshotsFetched)
	reqBody, _ := envelope.EncodeJSON(struct{}{})
	reply, err := s.request(ctx, id, ProtocolNeighbors, reqBody)
	if err != nil {
		log.Printf("service: stabilize snapshot fetch %s: %v", id, err)
		return
	}
	var snap envelope.NeighborSnapshot
	if err := envelope.DecodeJSON(reply, &snap); err != nil {
		return
	}
	s.mergeSnapshot(snap)
}

// mergeSnapshot folds a peer's neighbor snapshot into this node's
// Digitree: rejects stale timestamps, upserts the sender plus every
// listed successor/predecessor/sample id, and touches each to register
// the interaction (§4.10 Snapshot merge).
func (s *Service) mergeSnapshot(snap envelope.NeighborSnapshot) {
	nowMs := s.NowMs()
	if nowMs-snap.Timestamp > staleSnapshotMs || snap.Timestamp-nowMs > staleSnapshotMs {
		return
	}
	if snap.From != "" && snap.From != s.id {
		s.tree.Upsert(snap.From, ringspace.HashID(snap.From))
		_ = s.tree.Touch(snap.From)
		s.diag.incr(&s.diag.PeerDiscoveries)
	}
	for _, id := range append(append([]string{}, snap.Successors...), snap.Predecessors...) {
		if id == "" || id == s.id {
			continue
		}
		s.tree.Upsert(id, ringspace.HashID(id))
		_ = s.tree.Touch(id)
	}
	for _, sample := range snap.Sample {
		if sample.ID == "" || sample.ID == s.id {
			continue
		}
		coord, err := ringspace.Parse(sample.Coord)
		if err != nil {
			coord = ringspace.HashID(sample.ID)
		}
		s.tree.Upsert(sample.ID, coord)
		_ = s.tree.Touch(sample.ID)
	}
}

// staleSnapshotMs bounds how far a snapshot's timestamp may drift from
// now before it's discarded rather than merged.
const staleSnapshotMs = 5 * 60 * 1000
