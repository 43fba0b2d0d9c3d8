package service

import (
	"context"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/envelope"
)

func (s *Service) rateLimitReply(protocol string) ([]byte, bool) {
	busy, rejected := envelope.CheckRateLimit(nil, s.limiters[protocol], 1)
	if !rejected {
		return nil, false
	}
	s.diag.countReject("rateLimited")
	body, _ := envelope.EncodeJSON(busy)
	return body, true
}

func (s *Service) handlePing(ctx context.Context, peerID string, body []byte) ([]byte, error) {
	if reply, busy := s.rateLimitReply(ProtocolPing); busy {
		return reply, nil
	}
	est := s.est.GetNetworkSizeEstimate()
	size := int64(est.Estimate)
	conf := est.Confidence
	resp := envelope.PingResponse{
		OK:           true,
		TS:           s.NowMs(),
		SizeEstimate: &size,
		Confidence:   &conf,
	}
	s.diag.incr(&s.diag.PingsSent)
	return envelope.EncodeJSON(resp)
}

func (s *Service) handleNeighbors(ctx context.Context, peerID string, body []byte) ([]byte, error) {
	if reply, busy := s.rateLimitReply(ProtocolNeighbors); busy {
		return reply, nil
	}
	return envelope.EncodeJSON(s.buildSnapshot())
}

func (s *Service) handleNeighborsAnnounce(ctx context.Context, peerID string, body []byte) ([]byte, error) {
	if reply, busy := s.rateLimitReply(ProtocolNeighborsAnnounce); busy {
		return reply, nil
	}
	var snap envelope.NeighborSnapshot
	if err := envelope.DecodeJSON(body, &snap); err != nil {
		s.diag.countReject("malformedMessage")
		return envelope.EncodeJSON(envelope.PingResponse{OK: false, TS: s.NowMs()})
	}
	s.mergeSnapshot(snap)
	return envelope.EncodeJSON(envelope.PingResponse{OK: true, TS: s.NowMs()})
}

// buildSnapshot captures this node's current S/P set plus a small sample
// of other known peers, for a requester's neighbors call or a proactive
// announce (§4.10, §6).
func (s *Service) buildSnapshot() envelope.NeighborSnapshot {
	succ := digitree.IDs(s.tree.NeighborsRight(s.coord, s.m))
	pred := digitree.IDs(s.tree.NeighborsLeft(s.coord, s.m))
	est := s.est.GetNetworkSizeEstimate()
	size := int64(est.Estimate)
	conf := est.Confidence

	var sample []envelope.PeerSample
	for _, e := range s.tree.List() {
		if len(sample) >= 8 {
			break
		}
		sample = append(sample, envelope.PeerSample{ID: e.ID, Coord: e.Coord.String(), Relevance: e.Relevance})
	}

	return envelope.NeighborSnapshot{
		V:            envelope.ProtocolVersion,
		From:         s.id,
		Timestamp:    s.NowMs(),
		Successors:   succ,
		Predecessors: pred,
		Sample:       sample,
		SizeEstimate: &size,
		Confidence:   &conf,
	}
}

// announceToNeighbors pushes this node's snapshot to up to max S/P
// neighbors, best-effort: a single peer's failure never aborts the
// others (§4.10).
func (s *Service) announceToNeighbors(ctx context.Context, max int) {
	targets := s.fanoutTargets(max)
	snap := s.buildSnapshot()
	body, err := envelope.EncodeJSON(snap)
	if err != nil {
		return
	}
	for _, id := range targets {
		_, _ = s.request(ctx, id, ProtocolNeighborsAnnounce, body)
		s.diag.incr(&s.diag.AnnouncementsSent)
	}
}

// fanoutTargets returns up to max neighbor ids (other than self),
// unioning the right and left walks around self's coordinate.
func (s *Service) fanoutTargets(max int) []string {
	entries := digitree.UnionDedup(
		s.tree.NeighborsRight(s.coord, max),
		s.tree.NeighborsLeft(s.coord, max),
	)
	out := make([]string, 0, max)
	for _, e := range entries {
		if e.ID == s.id {
			continue
		}
		out = append(out, e.ID)
		if len(out) >= max {
			break
		}
	}
	return out
}
