package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotchoices/fret/internal/dedup"
	"github.com/gotchoices/fret/internal/digitree"
	"github.com/gotchoices/fret/internal/estimator"
	"github.com/gotchoices/fret/internal/ratelimit"
	"github.com/gotchoices/fret/internal/relevance"
	"github.com/gotchoices/fret/internal/ringspace"
)

// Mode is the stabilization cadence a Service is currently running at
// (§4.10): passive by default, active while bootstrapping or while the
// Digitree is under-filled relative to its target S/P width.
type Mode int

const (
	ModePassive Mode = iota
	ModeActive
)

const (
	passiveTickInterval = 1500 * time.Millisecond
	activeTickInterval  = 300 * time.Millisecond

	maxProactiveAnnounce = 8
	stabilizeFetchCount  = 4
)

// Config bundles the construction-time parameters a Service needs.
type Config struct {
	SelfID   string
	Profile  Profile
	K        int // desired replication factor
	M        int // desired S/P width per side
	Capacity int // Digitree capacity
	Bootstraps []string
	Now      func() time.Time
}

// Service is the stabilization state machine every FRET node runs: it
// owns the Digitree, the size estimator, the dedup cache, and the
// per-protocol rate limiters, and drives periodic stabilization ticks and
// graceful leave (§4.10).
type Service struct {
	mu sync.Mutex

	id      string
	coord   ringspace.Coord
	profile Profile
	k, m    int

	host  Host
	model *relevance.Model
	tree  *digitree.Store
	est   *estimator.Estimator
	dedup *dedup.Cache
	limiters map[string]*ratelimit.Limiter

	activityHandler ActivityHandler

	bootstraps []string
	mode       Mode
	now        func() time.Time

	diag *Diagnostics

	stopCh    chan struct{}
	stoppedWG sync.WaitGroup
	started   bool
}

// New builds a Service around cfg and host. Call Start to begin its
// lifecycle.
func New(cfg Config, host Host) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.K < 1 {
		cfg.K = 3
	}
	if cfg.M < 1 {
		cfg.M = 4
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 256
	}
	model := relevance.NewModel()
	coord := ringspace.HashID(cfg.SelfID)
	nowMs := func() int64 { return cfg.Now().UnixMilli() }

	limiters := map[string]*ratelimit.Limiter{
		ProtocolPing:              ratelimit.NewLimiter(20, 5, cfg.Now),
		ProtocolNeighbors:         ratelimit.NewLimiter(10, 2, cfg.Now),
		ProtocolNeighborsAnnounce: ratelimit.NewLimiter(10, 2, cfg.Now),
		ProtocolMaybeAct:          ratelimit.NewLimiter(30, 10, cfg.Now),
		ProtocolLeave:             ratelimit.NewLimiter(5, 1, cfg.Now),
	}

	return &Service{
		id:         cfg.SelfID,
		coord:      coord,
		profile:    cfg.Profile,
		k:          cfg.K,
		m:          cfg.M,
		host:       host,
		model:      model,
		tree:       digitree.New(cfg.SelfID, coord, cfg.Capacity, cfg.M, model, nowMs),
		est:        estimator.New(cfg.Now),
		dedup:      dedup.New(dedup.DefaultTTL, dedup.DefaultCapacity, cfg.Now),
		limiters:   limiters,
		bootstraps: append([]string(nil), cfg.Bootstraps...),
		mode:       ModePassive,
		now:        cfg.Now,
		diag:       &Diagnostics{},
		stopCh:     make(chan struct{}),
	}
}

// SetActivityHandler installs the handler maybeAct invokes once a node
// determines it is in-cluster for a routed key. Must be called before
// Start.
func (s *Service) SetActivityHandler(h ActivityHandler) { s.activityHandler = h }

func (s *Service) ID() string                       { return s.id }
func (s *Service) Coord() ringspace.Coord           { return s.coord }
func (s *Service) Tree() *digitree.Store            { return s.tree }
func (s *Service) Estimator() *estimator.Estimator  { return s.est }
func (s *Service) Dedup() *dedup.Cache              { return s.dedup }
func (s *Service) Diagnostics() *Diagnostics         { return s.diag }
func (s *Service) Profile() Profile                  { return s.profile }
func (s *Service) K() int                            { return s.k }
func (s *Service) M() int                            { return s.m }
func (s *Service) Limiter(protocol string) *ratelimit.Limiter { return s.limiters[protocol] }
func (s *Service) NowMs() int64                      { return s.now().UnixMilli() }

// Mode reports the current stabilization cadence.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Service) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *Service) tickInterval() time.Duration {
	if s.Mode() == ModeActive {
		return activeTickInterval
	}
	return passiveTickInterval
}

// Start seeds the Digitree from the configured bootstraps, registers the
// ping, neighbors, neighbors-announce and leave handlers (route.NewServer
// registers maybeAct), wires peer connect/disconnect hooks, and begins
// the stabilization loop (§4.10). Safe to call once; a second call
// returns an error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service: already started")
	}
	s.started = true
	s.mu.Unlock()

	for _, id := range s.bootstraps {
		if id == s.id {
			continue
		}
		s.tree.Upsert(id, ringspace.HashID(id))
	}
	if len(s.bootstraps) > 0 {
		s.setMode(ModeActive)
	}

	s.host.RegisterHandler(ProtocolPing, s.handlePing)
	s.host.RegisterHandler(ProtocolNeighbors, s.handleNeighbors)
	s.host.RegisterHandler(ProtocolNeighborsAnnounce, s.handleNeighborsAnnounce)
	s.host.RegisterHandler(ProtocolLeave, s.handleLeave)

	s.host.OnPeerConnect(s.onPeerConnect)
	s.host.OnPeerDisconnect(s.onPeerDisconnect)

	s.announceToNeighbors(ctx, maxProactiveAnnounce)

	s.stoppedWG.Add(1)
	go s.runLoop(ctx)
	return nil
}

// Stop halts the stabilization loop. It does not send a LeaveNotice;
// call Leave first for a graceful departure.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	close(s.stopCh)
	s.stoppedWG.Wait()
}

func (s *Service) runLoop(ctx context.Context) {
	defer s.stoppedWG.Done()
	timer := time.NewTimer(s.tickInterval())
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			s.stabilizationTick(ctx)
			timer.Reset(s.tickInterval())
		}
	}
}

func (s *Service) onPeerConnect(peerID string) {
	if err := s.tree.SetState(peerID, digitree.Connected); err != nil {
		s.tree.Upsert(peerID, ringspace.HashID(peerID))
		_ = s.tree.SetState(peerID, digitree.Connected)
	}
	s.setMode(ModeActive)
}

func (s *Service) onPeerDisconnect(peerID string) {
	_ = s.tree.SetState(peerID, digitree.Disconnected)
}

func (s *Service) request(ctx context.Context, peerID, protocol string, body []byte) ([]byte, error) {
	return s.host.Send(ctx, peerID, protocol, body)
}

// SendRaw exposes the host's request path to other packages that extend
// a Service (e.g. the route pipeline's forwarding step).
func (s *Service) SendRaw(ctx context.Context, peerID, protocol string, body []byte) ([]byte, error) {
	return s.request(ctx, peerID, protocol, body)
}

// ActivityHandlerOrNil returns the configured ActivityHandler, or nil if
// none was set via SetActivityHandler.
func (s *Service) ActivityHandlerOrNil() ActivityHandler {
	return s.activityHandler
}
