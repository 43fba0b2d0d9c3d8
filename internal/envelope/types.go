// Package envelope implements the RPC wire shape every FRET protocol
// handler shares (§4.9, §6): a bounded, idle-gap-terminated read off the
// inbound byte stream, a single JSON object per request/reply, timestamp
// validation, and rate-limit dispatch into a busy response.
package envelope

// ProtocolVersion is the "v" field every versioned message carries.
const ProtocolVersion = 1

// PeerSample is one entry in a NeighborSnapshot's optional sample list.
type PeerSample struct {
	ID        string  `json:"id"`
	Coord     string  `json:"coord"`
	Relevance float64 `json:"relevance"`
}

// PingResponse answers a liveness probe, optionally carrying the
// responder's current size estimate for propagation (§6).
type PingResponse struct {
	OK            bool    `json:"ok"`
	TS            int64   `json:"ts"`
	SizeEstimate  *int64  `json:"size_estimate,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// NeighborSnapshot is pushed (announce) or returned (request) as a
// node's current successor/predecessor view. Signature is always an
// empty string: the field is reserved wire space for a future signing
// scheme and is carried, never populated, by this implementation.
type NeighborSnapshot struct {
	V            int          `json:"v"`
	From         string       `json:"from"`
	Timestamp    int64        `json:"timestamp"`
	Successors   []string     `json:"successors"`
	Predecessors []string     `json:"predecessors"`
	Sample       []PeerSample `json:"sample,omitempty"`
	SizeEstimate *int64       `json:"size_estimate,omitempty"`
	Confidence   *float64     `json:"confidence,omitempty"`
	Sig          string       `json:"sig"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RouteAndMaybeAct is the C11 route-pipeline request. Signature is
// always empty, same reservation as NeighborSnapshot.Sig.
type RouteAndMaybeAct struct {
	V             int      `json:"v"`
	Key           string   `json:"key"`
	WantK         int      `json:"want_k"`
	Wants         []string `json:"wants,omitempty"`
	TTL           int      `json:"ttl"`
	MinSigs       int      `json:"min_sigs"`
	Digest        string   `json:"digest,omitempty"`
	Activity      []byte   `json:"activity,omitempty"`
	Breadcrumbs   []string `json:"breadcrumbs,omitempty"`
	CorrelationID string   `json:"correlation_id"`
	Timestamp     int64    `json:"timestamp"`
	Signature     string   `json:"signature"`
}

// NearAnchor is returned when the routing pipeline cannot (or need not)
// act directly: a set of candidate anchors closer to the target.
type NearAnchor struct {
	V                    int      `json:"v"`
	Anchors              []string `json:"anchors"`
	CohortHint           []string `json:"cohort_hint"`
	EstimatedClusterSize int      `json:"estimated_cluster_size"`
	Confidence           float64  `json:"confidence"`
}

// LeaveNotice announces a graceful departure, optionally suggesting
// replacement peers to fill the gap it leaves in the S/P set.
type LeaveNotice struct {
	V            int      `json:"v"`
	From         string   `json:"from"`
	Replacements []string `json:"replacements,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// BusyResponse is returned whenever a rate-limit bucket rejects a
// request. Any reply is polymorphic; callers must check Busy before
// interpreting anything else about the response (§6).
type BusyResponse struct {
	V            int   `json:"v"`
	Busy         bool  `json:"busy"`
	RetryAfterMs int64 `json:"retry_after_ms"`
}

// NewBusyResponse builds a BusyResponse for the given backoff.
func NewBusyResponse(retryAfterMs int64) BusyResponse {
	if retryAfterMs < 0 {
		retryAfterMs = 0
	}
	return BusyResponse{V: ProtocolVersion, Busy: true, RetryAfterMs: retryAfterMs}
}

// CommitCertificate is the third polymorphic maybeAct reply variant: the
// activity was accepted and committed by the cohort's activity handler.
// Its payload shape is caller-defined (the activity handler's concern);
// envelope only carries it opaquely.
type CommitCertificate struct {
	V       int             `json:"v"`
	Payload []byte          `json:"payload"`
}
