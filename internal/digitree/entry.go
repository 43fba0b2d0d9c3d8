// Package digitree implements the bounded, relevance-scored peer cache
// ("Digitree") every FRET node keeps: an ordered map by ring coordinate
// with direction-aware neighbor walks and capacity eviction that protects
// the current successor/predecessor set.
package digitree

import (
	"github.com/gotchoices/fret/internal/relevance"
	"github.com/gotchoices/fret/internal/ringspace"
)

// State is a peer entry's liveness, as observed through the host runtime's
// connect/disconnect notifications.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Entry is one peer known to a node. Copies returned to callers are
// read-only snapshots (§5); all mutation goes through the Store's methods.
type Entry struct {
	ID    string
	Coord ringspace.Coord
	State State
	relevance.Entry
	Metadata map[string]string
}

func (e Entry) clone() Entry {
	out := e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// SerializedEntry is the JSON-safe export/import shape (§4.2, §6).
type SerializedEntry struct {
	ID           string            `json:"id"`
	Coord        string            `json:"coord"`
	Relevance    float64           `json:"relevance"`
	LastAccessMs int64             `json:"last_access_ms"`
	State        string            `json:"state"`
	AccessCount  int64             `json:"access_count"`
	SuccessCount int64             `json:"success_count"`
	FailureCount int64             `json:"failure_count"`
	AvgLatencyMs float64           `json:"avg_latency_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
