// Package route implements the maybeAct routing pipeline (§4.11): the
// server side that decides whether to act locally, forward, or refuse a
// RouteAndMaybeAct request, and the client side that drives an iterative
// lookup across hops.
package route

import (
	"context"
	"log"
	"sort"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/envelope"
	"github.com/gotchoices/fret/internal/payload"
	"github.com/gotchoices/fret/internal/ringspace"
	"github.com/gotchoices/fret/internal/selector"
	"github.com/gotchoices/fret/internal/service"
)

const (
	maxPayloadBytes  = 128 * 1024
	busyRetryAfterMs = 500
)

// Server wraps a *service.Service with the maybeAct handler (§4.11).
type Server struct {
	svc       *service.Service
	inflight  *envelope.InFlight
	backoff   map[string]float64
}

// NewServer builds a route Server around svc and registers its handler.
// svc must not have been started yet.
func NewServer(svc *service.Service, host service.Host) *Server {
	s := &Server{
		svc:      svc,
		inflight: envelope.NewInFlight(svc.Profile().InFlightActCap),
		backoff:  make(map[string]float64),
	}
	host.RegisterHandler(service.ProtocolMaybeAct, s.handleMaybeAct)
	return s
}

// assembleCohort returns the k closest known ids to target in self's own
// Digitree view (an approximation any single node can compute locally;
// §4.11), ordered by ascending XOR distance from target.
func (s *Server) assembleCohort(target ringspace.Coord, k int) (cohort []string) {
	entries := digitree.UnionDedup(
		s.svc.Tree().NeighborsRight(target, k),
		s.svc.Tree().NeighborsLeft(target, k),
	)
	sort.Slice(entries, func(i, j int) bool {
		di := ringspace.Xor(entries[i].Coord, target)
		dj := ringspace.Xor(entries[j].Coord, target)
		return ringspace.Compare(di, dj) < 0
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	return digitree.IDs(entries)
}

// neighborDistance returns self's index within assembleCohort(target,
// wantK), or -1 if self is not present in that cohort (§4.11 in-cluster
// test).
func (s *Server) neighborDistance(target ringspace.Coord, wantK int) int {
	for i, id := range s.assembleCohort(target, wantK) {
		if id == s.svc.ID() {
			return i
		}
	}
	return -1
}

func (s *Server) nearAnchorResponse(target ringspace.Coord, k int) envelope.NearAnchor {
	cohort := s.assembleCohort(target, k)
	est := s.svc.Estimator().GetNetworkSizeEstimate()
	anchors := digitree.IDs(digitree.UnionDedup(
		s.svc.Tree().NeighborsRight(target, 3),
		s.svc.Tree().NeighborsLeft(target, 3),
	))
	return envelope.NearAnchor{
		V:                    envelope.ProtocolVersion,
		Anchors:              anchors,
		CohortHint:           cohort,
		EstimatedClusterSize: int(est.Estimate),
		Confidence:           est.Confidence,
	}
}

// handleMaybeAct implements the 8-step server pipeline (§4.11).
func (s *Server) handleMaybeAct(ctx context.Context, peerID string, body []byte) ([]byte, error) {
	var msg envelope.RouteAndMaybeAct
	if err := envelope.DecodeJSON(body, &msg); err != nil {
		s.svc.Diagnostics().CountMalformed()
		return envelope.EncodeJSON(envelope.PingResponse{OK: false, TS: s.svc.NowMs()})
	}

	target, err := ringspace.Parse(msg.Key)
	if err != nil {
		target = ringspace.HashKey(msg.Key)
	}

	// Step 1: breadcrumb self-check — if our own id is already on the
	// request's breadcrumb trail, it has looped back to us; answer with a
	// near anchor instead of acting again.
	for _, id := range msg.Breadcrumbs {
		if id == s.svc.ID() {
			return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
		}
	}

	// Step 2: dedup cache — a repeat of a correlation id gets back the
	// exact response bytes its original attempt produced (P7), not a
	// freshly recomputed one (a committed activity vs. a later-looking
	// NearAnchor, say).
	if msg.CorrelationID != "" && s.svc.Dedup().SeenOrRecord(msg.CorrelationID) {
		if resp, ok := s.svc.Dedup().Response(msg.CorrelationID); ok {
			return resp, nil
		}
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	result, err := s.handleValidated(ctx, peerID, msg, target)
	if err == nil && msg.CorrelationID != "" {
		s.svc.Dedup().StoreResponse(msg.CorrelationID, result)
	}
	return result, err
}

// handleValidated runs steps 3-8 of the pipeline (§4.11) once a request
// has passed the breadcrumb and dedup checks.
func (s *Server) handleValidated(ctx context.Context, peerID string, msg envelope.RouteAndMaybeAct, target ringspace.Coord) ([]byte, error) {
	// Step 3: timestamp validation.
	if err := envelope.ValidateTimestamp(s.svc.NowMs(), msg.Timestamp, 0); err != nil {
		s.svc.Diagnostics().CountReject("timestampBounds")
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	// Step 4: TTL exhausted.
	if msg.TTL <= 0 {
		s.svc.Diagnostics().CountReject("ttlExpired")
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	// Step 5: payload too large.
	if len(msg.Activity) > maxPayloadBytes {
		s.svc.Diagnostics().CountReject("payloadTooLarge")
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	// Step 6: rate limit.
	busy, rejected := envelope.CheckRateLimit(nil, s.svc.Limiter(service.ProtocolMaybeAct), 1)
	if rejected {
		s.svc.Diagnostics().CountReject("rateLimited")
		return envelope.EncodeJSON(busy)
	}

	// Step 7: in-flight concurrency cap.
	if !s.inflight.TryEnter() {
		return envelope.EncodeJSON(envelope.NewBusyResponse(busyRetryAfterMs))
	}
	defer s.inflight.Leave()

	// Step 8: routeAct; its result is cached by the caller, keyed by
	// correlation id.
	return s.routeAct(ctx, peerID, msg, target)
}

// routeAct implements step 8 (§4.11): decide in-cluster vs forward.
func (s *Server) routeAct(ctx context.Context, peerID string, msg envelope.RouteAndMaybeAct, target ringspace.Coord) ([]byte, error) {
	wantK := max(msg.WantK, s.svc.K())
	cohort := s.assembleCohort(target, wantK)
	index := s.neighborDistance(target, wantK)
	inCluster := index == 0 || index == 1
	if inCluster {
		if len(msg.Activity) == 0 {
			return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
		}
		handler := s.svc.ActivityHandlerOrNil()
		if handler == nil {
			return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
		}
		result, err := handler.HandleActivity(ctx, msg.Key, msg.Activity, cohort, msg.MinSigs)
		if err != nil {
			return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
		}
		return envelope.EncodeJSON(envelope.CommitCertificate{V: envelope.ProtocolVersion, Payload: result})
	}

	excluded := map[string]bool{s.svc.ID(): true}
	for _, id := range msg.Breadcrumbs {
		excluded[id] = true
	}

	hopWidth := s.svc.M()
	if hopWidth < 4 {
		hopWidth = 4
	}
	candidateEntries := digitree.UnionDedup(
		s.svc.Tree().NeighborsRight(target, hopWidth),
		s.svc.Tree().NeighborsLeft(target, hopWidth),
	)
	var candidates []selector.Candidate
	for _, e := range candidateEntries {
		if excluded[e.ID] {
			continue
		}
		candidates = append(candidates, selector.Candidate{
			ID:             e.ID,
			Coord:          e.Coord,
			Connected:      e.State == digitree.Connected,
			LinkQuality:    linkQualityOf(e),
			BackoffPenalty: s.getBackoffPenalty(e.ID),
		})
	}

	est := s.svc.Estimator().GetNetworkSizeEstimate()
	nearRadius := payload.ComputeNearRadius(est.Estimate, s.svc.K())
	next, ok := selector.NextHopCostFunction(candidates, target, nearRadius, est.Confidence)
	if !ok {
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	forwarded := msg
	forwarded.TTL = msg.TTL - 1
	forwarded.Breadcrumbs = append(append([]string{}, msg.Breadcrumbs...), s.svc.ID())
	body, err := envelope.EncodeJSON(forwarded)
	if err != nil {
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	reply, err := s.svc.SendRaw(ctx, next.ID, service.ProtocolMaybeAct, body)
	if err != nil {
		log.Printf("route: forward to %s: %v", next.ID, err)
		s.bumpBackoff(next.ID)
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}

	var probe envelope.BusyResponse
	if envelope.DecodeJSON(reply, &probe) == nil && probe.Busy {
		s.bumpBackoff(next.ID)
		return envelope.EncodeJSON(s.nearAnchorResponse(target, msg.WantK))
	}
	s.resetBackoff(next.ID)
	return reply, nil
}

func linkQualityOf(e digitree.Entry) float64 {
	q := e.Relevance / 10.0
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q
}

// getBackoffPenalty returns factor/32 for the exponentially doubled
// (base 1s, capped at 32s) per-peer backoff counter (§4.11).
func (s *Server) getBackoffPenalty(id string) float64 {
	return s.backoff[id] / 32
}

func (s *Server) bumpBackoff(id string) {
	cur := s.backoff[id]
	if cur <= 0 {
		cur = 1
	} else {
		cur *= 2
	}
	if cur > 32 {
		cur = 32
	}
	s.backoff[id] = cur
}

func (s *Server) resetBackoff(id string) { delete(s.backoff, id) }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
