// Package service implements the stabilization state machine every FRET
// node runs (§4.10): startup seeding, periodic stabilization ticks,
// snapshot exchange, graceful leave, and the peer-connect/disconnect
// hooks that keep the Digitree's liveness view honest.
package service

// Protocol names, namespaced per network by the host runtime (§6).
const (
	ProtocolPing               = "ping"
	ProtocolNeighbors          = "neighbors"
	ProtocolNeighborsAnnounce  = "neighbors-announce"
	ProtocolMaybeAct           = "maybeAct"
	ProtocolLeave              = "leave"
)

// Profile selects the edge/core budgets named throughout §4-§6: payload
// caps per protocol, in-flight concurrency caps, and fan-out beyond the
// S/P set for graceful-leave replacement suggestions. MaxBytes is not
// read anywhere in this repository: the route handler caps maybeAct
// activities at 128 KiB and the transport caps every frame at 1 MiB,
// whatever the profile.
type Profile struct {
	Name              string
	MaxBytes          map[string]int
	InFlightActCap    int
	FanoutBeyondSP    int
}

// EdgeProfile is the resource-constrained profile for edge nodes.
func EdgeProfile() Profile {
	return Profile{
		Name: "edge",
		MaxBytes: map[string]int{
			ProtocolPing:              1024,
			ProtocolNeighbors:         65536,
			ProtocolNeighborsAnnounce: 65536,
			ProtocolMaybeAct:          262144,
			ProtocolLeave:             4096,
		},
		InFlightActCap: 4,
		FanoutBeyondSP: 2,
	}
}

// CoreProfile is the full-resource profile for well-connected nodes.
func CoreProfile() Profile {
	return Profile{
		Name: "core",
		MaxBytes: map[string]int{
			ProtocolPing:              1024,
			ProtocolNeighbors:         131072,
			ProtocolNeighborsAnnounce: 131072,
			ProtocolMaybeAct:          524288,
			ProtocolLeave:             4096,
		},
		InFlightActCap: 16,
		FanoutBeyondSP: 4,
	}
}

// ProfileByName returns CoreProfile unless name is exactly "edge".
func ProfileByName(name string) Profile {
	if name == "edge" {
		return EdgeProfile()
	}
	return CoreProfile()
}
