package service

import "sync"

// Diagnostics accumulates counters a node's admin surface exposes (§6,
// §7): rejection counts by kind, and basic activity counters for the
// stabilization loop. Safe for concurrent use.
type Diagnostics struct {
	mu sync.Mutex

	RejectedPayloadTooLarge int64
	RejectedTimestampBounds int64
	RejectedTTLExpired      int64
	RejectedRateLimited     int64
	RejectedMalformed       int64
	RejectedPeerUnreachable int64
	RejectedStreamClosed    int64

	PingsSent          int64
	SnapshotsFetched   int64
	AnnouncementsSent  int64
	StabilizationTicks int64
	PeerDiscoveries    int64
	LeavesSent         int64
	LeavesReceived     int64
}

// CountReject records one rejection of the given kind string (matching
// envelope.RejectKind.String()), for use by packages outside service
// (e.g. the route pipeline) that share this diagnostics sink.
func (d *Diagnostics) CountReject(kind string) { d.countReject(kind) }

// CountMalformed is shorthand for CountReject("malformedMessage").
func (d *Diagnostics) CountMalformed() { d.countReject("malformedMessage") }

func (d *Diagnostics) countReject(kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case "payloadTooLarge":
		d.RejectedPayloadTooLarge++
	case "timestampBounds":
		d.RejectedTimestampBounds++
	case "ttlExpired":
		d.RejectedTTLExpired++
	case "rateLimited":
		d.RejectedRateLimited++
	case "malformedMessage":
		d.RejectedMalformed++
	case "peerUnreachable":
		d.RejectedPeerUnreachable++
	case "streamClosedEarly":
		d.RejectedStreamClosed++
	}
}

func (d *Diagnostics) incr(field *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*field++
}

// Snapshot returns a copy safe to read without holding the lock.
func (d *Diagnostics) Snapshot() Diagnostics {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *d
	cp.mu = sync.Mutex{}
	return cp
}
