package service

import (
	"context"
	"sort"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/envelope"
	"github.com/gotchoices/fret/internal/ringspace"
)

const maxReplacementSuggestions = 6
const maxSanitizedReplacements = 12
const maxWarmupPings = 6

// Leave sends a best-effort LeaveNotice to this node's current neighbors
// and a set of suggested replacements, then returns. It does not stop
// the stabilization loop; call Stop separately (§4.10 Graceful leave).
func (s *Service) Leave(ctx context.Context) {
	targets := s.fanoutTargets(s.leaveFanout())
	replacements := s.computeReplacements()

	notice := envelope.LeaveNotice{
		V:            envelope.ProtocolVersion,
		From:         s.id,
		Replacements: replacements,
		Timestamp:    s.NowMs(),
	}
	body, err := envelope.EncodeJSON(notice)
	if err != nil {
		return
	}
	for _, id := range targets {
		func() {
			defer func() { recover() }()
			_, _ = s.request(ctx, id, ProtocolLeave, body)
			s.diag.incr(&s.diag.LeavesSent)
		}()
	}
}

func (s *Service) leaveFanout() int {
	if s.profile.Name == "edge" {
		return 2
	}
	return 4
}

// computeReplacements walks the Digitree m*2 steps outward on both sides
// of self's coordinate, excludes the current S/P set, and returns up to
// maxReplacementSuggestions ids sorted by connectivity then relevance
// (§4.10 Graceful leave).
func (s *Service) computeReplacements() []string {
	span := 2 * s.m
	if span < 2 {
		span = 2
	}
	protected := s.tree.ProtectedIDsAround(s.coord, s.m)

	wide := digitree.UnionDedup(
		s.tree.NeighborsRight(s.coord, span),
		s.tree.NeighborsLeft(s.coord, span),
	)

	candidates := make([]digitree.Entry, 0, len(wide))
	for _, e := range wide {
		if protected[e.ID] {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].State == digitree.Connected, candidates[j].State == digitree.Connected
		if ci != cj {
			return ci
		}
		return candidates[i].Relevance > candidates[j].Relevance
	})

	out := make([]string, 0, maxReplacementSuggestions)
	for _, e := range candidates {
		out = append(out, e.ID)
		if len(out) >= maxReplacementSuggestions {
			break
		}
	}
	return out
}

// handleLeave processes an inbound LeaveNotice (§4.10 Graceful leave,
// receiver side): removes the departing peer, reconstructs the
// replacement list from the notice's suggestions plus this node's own
// wider cohort, warms up the result, and re-announces to the neighbors
// left around the departing coordinate.
func (s *Service) handleLeave(ctx context.Context, peerID string, body []byte) ([]byte, error) {
	if reply, busy := s.rateLimitReply(ProtocolLeave); busy {
		return reply, nil
	}
	var notice envelope.LeaveNotice
	if err := envelope.DecodeJSON(body, &notice); err != nil {
		s.diag.countReject("malformedMessage")
		return envelope.EncodeJSON(envelope.PingResponse{OK: false, TS: s.NowMs()})
	}
	nowMs := s.NowMs()
	if nowMs-notice.Timestamp > staleSnapshotMs || notice.Timestamp-nowMs > staleSnapshotMs {
		s.diag.countReject("timestampBounds")
		return envelope.EncodeJSON(envelope.PingResponse{OK: false, TS: nowMs})
	}

	departing := notice.From
	departingCoord, known := s.lookupCoord(departing)
	s.tree.Remove(departing)
	s.diag.incr(&s.diag.LeavesReceived)

	expandedCohort := digitree.IDs(digitree.UnionDedup(
		s.tree.NeighborsRight(departingCoord, s.m),
		s.tree.NeighborsLeft(departingCoord, s.m),
	))
	merged := append(append([]string{}, notice.Replacements...), expandedCohort...)
	merged = digitree.SanitizeIDs(merged, maxSanitizedReplacements)

	snap := s.buildSnapshot()
	snapBody, snapErr := envelope.EncodeJSON(snap)

	warmed := 0
	for _, id := range merged {
		if id == s.id || id == departing {
			continue
		}
		if warmed >= maxWarmupPings {
			break
		}
		_, alreadyConnected := s.tree.GetByID(id)
		s.tree.Upsert(id, ringspace.HashID(id))
		func() {
			defer func() { recover() }()
			pingBody, _ := envelope.EncodeJSON(struct{}{})
			if _, err := s.request(ctx, id, ProtocolPing, pingBody); err == nil {
				_ = s.tree.RecordSuccess(id, 0)
				// A replacement we didn't already know about hasn't seen our
				// S/P set yet; announce it alongside the warm-up ping so it
				// can start stabilizing toward us without waiting for its own
				// next tick (§4.10 Graceful leave, receiver).
				if !alreadyConnected && snapErr == nil {
					_, _ = s.request(ctx, id, ProtocolNeighborsAnnounce, snapBody)
					s.diag.incr(&s.diag.AnnouncementsSent)
				}
			}
		}()
		warmed++
	}

	if known {
		s.announceAroundCoord(ctx, departingCoord, 4)
	}

	return envelope.EncodeJSON(envelope.PingResponse{OK: true, TS: nowMs})
}

func (s *Service) lookupCoord(id string) (ringspace.Coord, bool) {
	if e, ok := s.tree.GetByID(id); ok {
		return e.Coord, true
	}
	if id == "" {
		return ringspace.Coord{}, false
	}
	return ringspace.HashID(id), true
}

// announceAroundCoord pushes a fresh snapshot to up to max connected S/P
// neighbors around coord, best-effort.
func (s *Service) announceAroundCoord(ctx context.Context, coord ringspace.Coord, max int) {
	entries := digitree.UnionDedup(
		s.tree.NeighborsRight(coord, max),
		s.tree.NeighborsLeft(coord, max),
	)
	snap := s.buildSnapshot()
	body, err := envelope.EncodeJSON(snap)
	if err != nil {
		return
	}
	sent := 0
	for _, e := range entries {
		if e.ID == s.id || e.State != digitree.Connected {
			continue
		}
		func() {
			defer func() { recover() }()
			_, _ = s.request(ctx, e.ID, ProtocolNeighborsAnnounce, body)
		}()
		s.diag.incr(&s.diag.AnnouncementsSent)
		sent++
		if sent >= max {
			break
		}
	}
}
