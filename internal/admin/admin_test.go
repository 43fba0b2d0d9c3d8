package admin

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gotchoices/fret/internal/route"
	"github.com/gotchoices/fret/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHost struct{ handlers map[string]service.HandlerFunc }

func newNopHost() *nopHost { return &nopHost{handlers: make(map[string]service.HandlerFunc)} }
func (h *nopHost) Send(ctx context.Context, peerID, protocol string, body []byte) ([]byte, error) {
	return nil, errors.New("no network")
}
func (h *nopHost) RegisterHandler(protocol string, handler service.HandlerFunc) {
	h.handlers[protocol] = handler
}
func (h *nopHost) OnPeerConnect(func(string))    {}
func (h *nopHost) OnPeerDisconnect(func(string)) {}

func newTestAdmin(t *testing.T) *Server {
	gin.SetMode(gin.TestMode)
	host := newNopHost()
	svc := service.New(service.Config{
		SelfID:   "node-a",
		Profile:  service.CoreProfile(),
		K:        3,
		M:        2,
		Capacity: 32,
		Now:      time.Now,
	}, host)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	client := route.NewClient(svc)
	return New(svc, client)
}

func TestHandlePeersListsSelf(t *testing.T) {
	srv := newTestAdmin(t)
	req := httptest.NewRequest("GET", "/v1/peers", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "node-a")
}

func TestHandleDiagnosticsReportsMode(t *testing.T) {
	srv := newTestAdmin(t)
	req := httptest.NewRequest("GET", "/v1/diagnostics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "mode")
}

func TestHandleLookupRejectsMissingKey(t *testing.T) {
	srv := newTestAdmin(t)
	req := httptest.NewRequest("POST", "/v1/lookup", nil)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}
