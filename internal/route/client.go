package route

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/envelope"
	"github.com/gotchoices/fret/internal/payload"
	"github.com/gotchoices/fret/internal/ringspace"
	"github.com/gotchoices/fret/internal/selector"
	"github.com/gotchoices/fret/internal/service"
)

// ProgressKind names one step of an iterative lookup's progress stream.
type ProgressKind int

const (
	ProgressProbing ProgressKind = iota
	ProgressForwarding
	ProgressNearAnchor
	ProgressActivitySent
	ProgressComplete
	ProgressExhausted
)

// RouteProgress is one event emitted while Client.IterativeLookup walks
// the ring toward a key (§4.11 Client).
type RouteProgress struct {
	Kind         ProgressKind          `json:"kind"`
	Hop          int                   `json:"hop"`
	PeerID       string                `json:"peer_id,omitempty"`
	NearAnchor   *envelope.NearAnchor  `json:"near_anchor,omitempty"`
	Result       []byte                `json:"result,omitempty"`
	TTLRemaining int                   `json:"ttl_remaining"`
}

func (k ProgressKind) String() string {
	switch k {
	case ProgressProbing:
		return "probing"
	case ProgressForwarding:
		return "forwarding"
	case ProgressNearAnchor:
		return "near_anchor"
	case ProgressActivitySent:
		return "activity_sent"
	case ProgressComplete:
		return "complete"
	case ProgressExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalJSON renders ProgressKind as its string name.
func (k ProgressKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// LookupOptions configures one IterativeLookup call.
type LookupOptions struct {
	WantK    int
	TTL      int
	MinSigs  int
	Activity []byte
}

// Client drives the maybeAct pipeline from the caller's side: pick a
// first hop from the local Digitree, send, and follow NearAnchor
// redirections up to a bounded number of attempts.
type Client struct {
	svc *service.Service
}

// NewClient wraps svc for outbound lookups.
func NewClient(svc *service.Service) *Client { return &Client{svc: svc} }

// IterativeLookup walks toward key, emitting progress events on the
// returned channel; the channel is closed when the lookup completes,
// exhausts its attempt budget, or ctx is done. Max attempts is
// ttl+2 (§4.11 Client).
func (c *Client) IterativeLookup(ctx context.Context, key string, opts LookupOptions) <-chan RouteProgress {
	out := make(chan RouteProgress, 4)
	go func() {
		defer close(out)
		c.run(ctx, key, opts, out)
	}()
	return out
}

func (c *Client) run(ctx context.Context, key string, opts LookupOptions, out chan<- RouteProgress) {
	if opts.WantK <= 0 {
		opts.WantK = c.svc.K()
	}
	if opts.TTL <= 0 {
		opts.TTL = 16
	}
	maxAttempts := opts.TTL + 2
	target := ringspace.HashKey(key)

	correlationID := uuid.NewString()
	breadcrumbs := []string{c.svc.ID()}
	var bestAnchors []string
	backoff := make(map[string]float64)

	hop := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		nextID, nextCoord, ok := c.pickTarget(target, bestAnchors, breadcrumbs, backoff)
		if !ok {
			out <- RouteProgress{Kind: ProgressExhausted, Hop: hop, TTLRemaining: opts.TTL - attempt}
			return
		}

		msgKind := ProgressForwarding
		if attempt == 0 {
			msgKind = ProgressProbing
		}
		out <- RouteProgress{Kind: msgKind, Hop: hop, PeerID: nextID, TTLRemaining: opts.TTL - attempt}

		// Decide payload inclusion (§4.7): recompute the estimate each
		// attempt, and only carry the activity inline once nextID is
		// close enough to the key to be worth it.
		est := c.svc.Estimator().GetNetworkSizeEstimate()
		includePayload := len(opts.Activity) > 0
		if includePayload {
			distToKey := ringspace.Xor(nextCoord, target)
			includePayload = payload.ShouldIncludePayload(distToKey, est.Estimate, est.Confidence, opts.WantK)
		}
		activity := opts.Activity
		if !includePayload {
			activity = nil
		}

		req := envelope.RouteAndMaybeAct{
			V:             envelope.ProtocolVersion,
			Key:           target.String(),
			WantK:         opts.WantK,
			TTL:           opts.TTL - attempt,
			MinSigs:       opts.MinSigs,
			Activity:      activity,
			Breadcrumbs:   breadcrumbs,
			CorrelationID: correlationID,
			Timestamp:     c.svc.NowMs(),
		}
		body, err := envelope.EncodeJSON(req)
		if err != nil {
			out <- RouteProgress{Kind: ProgressExhausted, Hop: hop, TTLRemaining: 0}
			return
		}

		reply, err := c.svc.SendRaw(ctx, nextID, service.ProtocolMaybeAct, body)
		if err != nil {
			bumpClientBackoff(backoff, nextID)
			bestAnchors = removeAnchor(bestAnchors, nextID)
			breadcrumbs = append(breadcrumbs, nextID)
			hop++
			continue
		}

		switch classifyReply(reply) {
		case replyBusy:
			bumpClientBackoff(backoff, nextID)
			breadcrumbs = append(breadcrumbs, nextID)
			hop++
			continue
		case replyNearAnchor:
			var anchor envelope.NearAnchor
			_ = envelope.DecodeJSON(reply, &anchor)
			out <- RouteProgress{Kind: ProgressNearAnchor, Hop: hop, PeerID: nextID, NearAnchor: &anchor, TTLRemaining: opts.TTL - attempt}

			if len(opts.Activity) > 0 && !includePayload && len(anchor.Anchors) > 0 {
				extended := append(append([]string{}, breadcrumbs...), nextID)
				if c.sendFollowUp(ctx, out, anchor.Anchors[0], target, opts, correlationID, extended, hop+1) {
					return
				}
				bestAnchors = anchor.Anchors
				breadcrumbs = extended
				hop++
				continue
			}

			if len(anchor.Anchors) > 0 {
				bestAnchors = anchor.Anchors
			}
			breadcrumbs = append(breadcrumbs, nextID)
			hop++
			continue
		case replyCommit:
			var cert envelope.CommitCertificate
			_ = envelope.DecodeJSON(reply, &cert)
			out <- RouteProgress{Kind: ProgressActivitySent, Hop: hop, PeerID: nextID, Result: cert.Payload}
			out <- RouteProgress{Kind: ProgressComplete, Hop: hop, PeerID: nextID, Result: cert.Payload}
			return
		default:
			// Unrecognized reply shape: treat as a dead end and keep trying.
			bumpClientBackoff(backoff, nextID)
			breadcrumbs = append(breadcrumbs, nextID)
			hop++
		}
	}
	out <- RouteProgress{Kind: ProgressExhausted, Hop: hop, TTLRemaining: 0}
}

// sendFollowUp issues the one-hop, ttl=1 maybeAct the client sends to the
// first NearAnchor-suggested anchor when it had activity to deliver but
// deferred including it (§4.11 Client). Reports true (and emits the
// terminal progress events itself) only if that follow-up committed.
func (c *Client) sendFollowUp(ctx context.Context, out chan<- RouteProgress, anchorID string, target ringspace.Coord, opts LookupOptions, correlationID string, breadcrumbs []string, hop int) bool {
	req := envelope.RouteAndMaybeAct{
		V:             envelope.ProtocolVersion,
		Key:           target.String(),
		WantK:         opts.WantK,
		TTL:           1,
		MinSigs:       opts.MinSigs,
		Activity:      opts.Activity,
		Breadcrumbs:   breadcrumbs,
		CorrelationID: correlationID,
		Timestamp:     c.svc.NowMs(),
	}
	body, err := envelope.EncodeJSON(req)
	if err != nil {
		return false
	}
	reply, err := c.svc.SendRaw(ctx, anchorID, service.ProtocolMaybeAct, body)
	if err != nil {
		return false
	}
	if classifyReply(reply) != replyCommit {
		return false
	}
	var cert envelope.CommitCertificate
	_ = envelope.DecodeJSON(reply, &cert)
	out <- RouteProgress{Kind: ProgressActivitySent, Hop: hop, PeerID: anchorID, Result: cert.Payload}
	out <- RouteProgress{Kind: ProgressComplete, Hop: hop, PeerID: anchorID, Result: cert.Payload}
	return true
}

// replyShape discriminates maybeAct's polymorphic reply (§6) by checking
// which top-level JSON key is present, since every variant's Go struct
// would otherwise decode the others' bytes into its own zero values.
type replyShape int

const (
	replyUnknown replyShape = iota
	replyBusy
	replyNearAnchor
	replyCommit
)

func classifyReply(body []byte) replyShape {
	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) != nil {
		return replyUnknown
	}
	if _, ok := fields["busy"]; ok {
		return replyBusy
	}
	if _, ok := fields["anchors"]; ok {
		return replyNearAnchor
	}
	if _, ok := fields["payload"]; ok {
		return replyCommit
	}
	return replyUnknown
}

// pickTarget chooses this attempt's destination: the first bestAnchors
// entry not already visited, or a freshly computed local cohort hop when
// bestAnchors offers nothing usable (§4.11 Client).
func (c *Client) pickTarget(target ringspace.Coord, bestAnchors, breadcrumbs []string, backoff map[string]float64) (id string, coord ringspace.Coord, ok bool) {
	excluded := make(map[string]bool, len(breadcrumbs))
	for _, b := range breadcrumbs {
		excluded[b] = true
	}
	for _, anchor := range bestAnchors {
		if anchor == "" || excluded[anchor] {
			continue
		}
		return anchor, ringspace.HashID(anchor), true
	}

	cand, ok := c.pickFirstHop(target, breadcrumbs, backoff)
	if !ok {
		return "", ringspace.Coord{}, false
	}
	return cand.ID, cand.Coord, true
}

func (c *Client) pickFirstHop(target ringspace.Coord, exclude []string, backoff map[string]float64) (selector.Candidate, bool) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	hopWidth := c.svc.M()
	if hopWidth < 4 {
		hopWidth = 4
	}
	entries := digitree.UnionDedup(
		c.svc.Tree().NeighborsRight(target, hopWidth),
		c.svc.Tree().NeighborsLeft(target, hopWidth),
	)
	var candidates []selector.Candidate
	for _, e := range entries {
		if excluded[e.ID] {
			continue
		}
		candidates = append(candidates, selector.Candidate{
			ID:             e.ID,
			Coord:          e.Coord,
			Connected:      e.State == digitree.Connected,
			LinkQuality:    linkQualityOf(e),
			BackoffPenalty: backoff[e.ID] / 32,
		})
	}

	est := c.svc.Estimator().GetNetworkSizeEstimate()
	nearRadius := payload.ComputeNearRadius(est.Estimate, c.svc.K())
	return selector.NextHopCostFunction(candidates, target, nearRadius, est.Confidence)
}

// bumpClientBackoff doubles id's backoff factor (base 1, capped at 32),
// mirroring the server's per-peer backoff (§4.11).
func bumpClientBackoff(backoff map[string]float64, id string) {
	cur := backoff[id]
	if cur <= 0 {
		cur = 1
	} else {
		cur *= 2
	}
	if cur > 32 {
		cur = 32
	}
	backoff[id] = cur
}

// removeAnchor returns anchors with id dropped, used when a send to id
// fails so it's never retried from bestAnchors (§4.11 Client).
func removeAnchor(anchors []string, id string) []string {
	out := make([]string, 0, len(anchors))
	for _, a := range anchors {
		if a != id {
			out = append(out, a)
		}
	}
	return out
}
