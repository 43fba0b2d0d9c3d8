package service

import "context"

// HandlerFunc answers one inbound request on a registered protocol. peerID
// is the stable identifier of the caller supplied by the host runtime.
type HandlerFunc func(ctx context.Context, peerID string, body []byte) ([]byte, error)

// Host is everything a Service needs from the surrounding transport (§1
// Purpose & Scope, §5): sending a framed request and reading one framed
// reply, registering protocol handlers, and learning about peer
// connect/disconnect so the Digitree's liveness view stays honest. A
// concrete host (see internal/transport) wires this to real sockets.
// internal/sim does not use a Host; it drives Digitree stores directly.
type Host interface {
	// Send issues a request to peerID on protocol and returns its reply,
	// or an error (including context deadline/cancellation) if none
	// arrives.
	Send(ctx context.Context, peerID, protocol string, body []byte) ([]byte, error)

	// RegisterHandler installs the handler invoked for inbound requests
	// on protocol. Registering the same protocol twice replaces the
	// previous handler.
	RegisterHandler(protocol string, handler HandlerFunc)

	// OnPeerConnect/OnPeerDisconnect register a callback invoked whenever
	// the host observes a peer transition. Multiple callbacks may be
	// registered; all are invoked in registration order.
	OnPeerConnect(func(peerID string))
	OnPeerDisconnect(func(peerID string))
}

// ActivityHandler executes the application-defined effect of a
// successfully routed maybeAct request once a node determines it is
// in-cluster for the target key (§4.11). Implementations are supplied by
// the embedding application; FRET itself is agnostic to activity content.
type ActivityHandler interface {
	HandleActivity(ctx context.Context, key string, activity []byte, cohort []string, minSigs int) ([]byte, error)
}

// ActivityHandlerFunc adapts a plain function to ActivityHandler.
type ActivityHandlerFunc func(ctx context.Context, key string, activity []byte, cohort []string, minSigs int) ([]byte, error)

func (f ActivityHandlerFunc) HandleActivity(ctx context.Context, key string, activity []byte, cohort []string, minSigs int) ([]byte, error) {
	return f(ctx, key, activity, cohort, minSigs)
}
