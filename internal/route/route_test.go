package route

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotchoices/fret/internal/envelope"
	"github.com/gotchoices/fret/internal/ringspace"
	"github.com/gotchoices/fret/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHost struct{ handlers map[string]service.HandlerFunc }

func newNopHost() *nopHost { return &nopHost{handlers: make(map[string]service.HandlerFunc)} }

func (h *nopHost) Send(ctx context.Context, peerID, protocol string, body []byte) ([]byte, error) {
	return nil, errors.New("nopHost: no routing")
}
func (h *nopHost) RegisterHandler(protocol string, handler service.HandlerFunc) {
	h.handlers[protocol] = handler
}
func (h *nopHost) OnPeerConnect(func(string))    {}
func (h *nopHost) OnPeerDisconnect(func(string)) {}

func newTestServer(selfID string) (*Server, *service.Service) {
	host := newNopHost()
	svc := service.New(service.Config{
		SelfID:   selfID,
		Profile:  service.CoreProfile(),
		K:        3,
		M:        2,
		Capacity: 64,
		Now:      time.Now,
	}, host)
	srv := NewServer(svc, host)
	return srv, svc
}

func TestHandleMaybeActRejectsExpiredTTL(t *testing.T) {
	server, svc := newTestServer("solo")
	msg := envelope.RouteAndMaybeAct{
		V:         envelope.ProtocolVersion,
		Key:       "some-key",
		WantK:     3,
		TTL:       0,
		Timestamp: svc.NowMs(),
	}
	body, err := envelope.EncodeJSON(msg)
	require.NoError(t, err)

	reply, err := server.handleMaybeAct(context.Background(), "caller", body)
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"anchors"`)
}

func TestHandleMaybeActActsWhenInClusterWithActivity(t *testing.T) {
	server, svc := newTestServer("solo")
	svc.SetActivityHandler(service.ActivityHandlerFunc(func(ctx context.Context, key string, activity []byte, cohort []string, minSigs int) ([]byte, error) {
		return []byte("committed"), nil
	}))

	msg := envelope.RouteAndMaybeAct{
		V:         envelope.ProtocolVersion,
		Key:       "some-key",
		WantK:     3,
		TTL:       4,
		Activity:  []byte("do-a-thing"),
		Timestamp: svc.NowMs(),
	}
	body, err := envelope.EncodeJSON(msg)
	require.NoError(t, err)

	reply, err := server.handleMaybeAct(context.Background(), "caller", body)
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"payload"`)
}

func TestHandleMaybeActSelfBreadcrumbReturnsNearAnchor(t *testing.T) {
	server, svc := newTestServer("solo")
	msg := envelope.RouteAndMaybeAct{
		V:           envelope.ProtocolVersion,
		Key:         "some-key",
		WantK:       3,
		TTL:         4,
		Breadcrumbs: []string{"solo"},
		Timestamp:   svc.NowMs(),
	}
	body, err := envelope.EncodeJSON(msg)
	require.NoError(t, err)

	reply, err := server.handleMaybeAct(context.Background(), "caller", body)
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"anchors"`)
}

func TestClassifyReplyDistinguishesVariants(t *testing.T) {
	busy, _ := envelope.EncodeJSON(envelope.NewBusyResponse(10))
	assert.Equal(t, replyBusy, classifyReply(busy))

	anchor, _ := envelope.EncodeJSON(envelope.NearAnchor{V: 1, Anchors: []string{"a"}})
	assert.Equal(t, replyNearAnchor, classifyReply(anchor))

	cert, _ := envelope.EncodeJSON(envelope.CommitCertificate{V: 1, Payload: []byte("x")})
	assert.Equal(t, replyCommit, classifyReply(cert))
}

func TestIterativeLookupExhaustsWithNoCandidates(t *testing.T) {
	_, svc := newTestServer("solo")
	client := NewClient(svc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last RouteProgress
	for ev := range client.IterativeLookup(ctx, "some-key", LookupOptions{TTL: 3}) {
		last = ev
	}
	assert.Equal(t, ProgressExhausted, last.Kind)
}

func TestNeighborDistanceReturnsCohortIndex(t *testing.T) {
	server, _ := newTestServer("solo")
	target := ringspace.HashKey("k")
	assert.Equal(t, 0, server.neighborDistance(target, 3), "solo is the only known peer, so it's index 0 in its own cohort")
	assert.Equal(t, -1, server.neighborDistance(target, 0), "a zero-width cohort never contains self")
}

func TestHandleMaybeActCachesResponseForDuplicateCorrelationID(t *testing.T) {
	server, svc := newTestServer("solo")
	calls := 0
	svc.SetActivityHandler(service.ActivityHandlerFunc(func(ctx context.Context, key string, activity []byte, cohort []string, minSigs int) ([]byte, error) {
		calls++
		return []byte("committed"), nil
	}))

	msg := envelope.RouteAndMaybeAct{
		V:             envelope.ProtocolVersion,
		Key:           "some-key",
		WantK:         3,
		TTL:           4,
		Activity:      []byte("do-a-thing"),
		Timestamp:     svc.NowMs(),
		CorrelationID: "corr-1",
	}
	body, err := envelope.EncodeJSON(msg)
	require.NoError(t, err)

	first, err := server.handleMaybeAct(context.Background(), "caller", body)
	require.NoError(t, err)
	second, err := server.handleMaybeAct(context.Background(), "caller", body)
	require.NoError(t, err)

	assert.Equal(t, first, second, "a repeated correlation id must get back the identical response bytes (P7)")
	assert.Equal(t, 1, calls, "the activity handler must only run once for the original request")
}
