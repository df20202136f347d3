package posebus

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cortexnav/neuronav/internal/httputil"
	"github.com/cortexnav/neuronav/internal/monitoring"
	"github.com/cortexnav/neuronav/internal/timeutil"
	"github.com/cortexnav/neuronav/internal/track"
)

// State is the server lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBound
	StateRunning
)

// ServerConfig configures a pose broadcast server.
type ServerConfig struct {
	// ListenAddr is the TCP address to bind, e.g. "127.0.0.1:18950".
	ListenAddr string

	// SourceType is the free-form source descriptor reported on the
	// command surface, e.g. "Simulated" or "OpticalTrackerAdapter".
	SourceType string

	// PublishRateHz caps the snapshot fan-out rate; samples arriving
	// faster are coalesced into the next publish (default 10 Hz).
	PublishRateHz float64

	// Clock is swapped for a fake in tests (default real).
	Clock timeutil.Clock
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:    "127.0.0.1:18950",
		SourceType:    "Generic",
		PublishRateHz: 10,
	}
}

type subscriber struct {
	id   string
	ch   chan []byte
	done chan struct{}
}

// Server owns the authoritative latest-pose table for one tracking source.
// An upstream producer pushes samples via RecordSample from any goroutine;
// the publish loop snapshots and broadcasts the whole table at most once
// per publish interval, coalescing bursts. Per tool key, published
// timestamps are monotonically non-decreasing: a sample strictly older than
// the held one is dropped with a warning and never surfaced to the caller.
type Server struct {
	cfg ServerConfig

	mu      sync.Mutex // guards latest, pending, state
	cond    *sync.Cond // signaled when pending is set or shutdown begins
	latest  track.PoseMap
	pending bool
	state   State

	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	subsMu   sync.Mutex
	subs     map[string]*subscriber
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates an idle server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.PublishRateHz <= 0 {
		cfg.PublishRateHz = DefaultServerConfig().PublishRateHz
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.Real{}
	}
	s := &Server{
		cfg:      cfg,
		latest:   make(track.PoseMap),
		subs:     make(map[string]*subscriber),
		shutdown: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SourceType returns the configured source descriptor.
func (s *Server) SourceType() string { return s.cfg.SourceType }

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or "" before Bind.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Bind attaches the listener and the HTTP routes. Idle -> Bound.
func (s *Server) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("bind: server already bound")
	}
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = lis

	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, s.handleStream)
	mux.HandleFunc(SourcePath, s.handleSource)
	mux.HandleFunc(LatestPath, s.handleLatest)
	mux.HandleFunc(RepublishPath, s.handleRepublish)
	mux.HandleFunc(HealthPath, s.handleHealth)
	s.httpSrv = &http.Server{Handler: mux}

	s.state = StateBound
	monitoring.Logf("[PoseServer] bound %s (source type %q)", lis.Addr(), s.cfg.SourceType)
	return nil
}

// Run serves subscribers and runs the publish loop until ctx is cancelled,
// then shuts everything down. Bound -> Running.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateBound {
		s.mu.Unlock()
		return fmt.Errorf("run: server must be bound first")
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("[PoseServer] serve error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishLoop(ctx)
	}()

	<-ctx.Done()

	// Wake the publish loop and detach stream handlers before closing the
	// listener, so no critical section is abandoned mid-snapshot.
	close(s.shutdown)
	s.cond.Broadcast()

	shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutCtx)

	s.wg.Wait()
	monitoring.Logf("[PoseServer] stopped")
	return ctx.Err()
}

// RecordSample records the latest pose for a tool key. A nil pose clears
// the slot (source lost the key entirely). Samples strictly older than the
// held entry are discarded with a warning; the condition is never returned
// to the caller.
func (s *Server) RecordSample(toolKey string, pose *track.TimestampedPose) {
	s.mu.Lock()
	if existing := s.latest[toolKey]; existing != nil && pose != nil && existing.Time > pose.Time {
		s.mu.Unlock()
		monitoring.Logf("[PoseServer] sample for %q out of order (held t=%.6f, got t=%.6f); discarding",
			toolKey, existing.Time, pose.Time)
		return
	}
	s.latest[toolKey] = pose.Clone()
	s.pending = true
	s.cond.Signal()
	s.mu.Unlock()
	monitoring.Debugf("[PoseServer] recorded sample for %q", toolKey)
}

// PublishLatest marks the current table for republication even though no
// sample changed, e.g. when a client reconnects and asks for a refresh.
func (s *Server) PublishLatest() {
	s.mu.Lock()
	s.pending = true
	s.cond.Signal()
	s.mu.Unlock()
}

// LatestPoses returns a copy of the authoritative table.
func (s *Server) LatestPoses() track.PoseMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.Clone()
}

// publishLoop waits for a pending publish, applies the rate limit, then —
// holding the table lock across snapshot and send — broadcasts one message
// and clears the pending flag. Samples recorded while the rate-limit sleep
// is in progress are folded into this same publish; samples recorded while
// the broadcast holds the lock wait for the next one. That coalescing is
// the backpressure mechanism that keeps a 100+ Hz marker stream from
// overwhelming the channel.
func (s *Server) publishLoop(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / s.cfg.PublishRateHz)
	for {
		s.mu.Lock()
		for !s.pending && !s.stopping() {
			s.cond.Wait()
		}
		s.mu.Unlock()
		if s.stopping() || ctx.Err() != nil {
			return
		}

		select {
		case <-s.cfg.Clock.After(interval):
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		}

		s.mu.Lock()
		msg, err := encodePoses(s.latest)
		s.pending = false
		if err == nil {
			s.broadcast(msg)
		}
		s.mu.Unlock()
		if err != nil {
			monitoring.Logf("[PoseServer] %v", err)
		}
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// broadcast enqueues msg to every subscriber. A subscriber that cannot keep
// up has this snapshot dropped; it will catch up on the next publish since
// every message carries the whole table.
func (s *Server) broadcast(msg []byte) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- msg:
		default:
			monitoring.Logf("[PoseServer] subscriber %s slow, dropping snapshot", sub.id)
		}
	}
}

func (s *Server) addSubscriber() *subscriber {
	sub := &subscriber{
		id:   uuid.NewString(),
		ch:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
	s.subsMu.Lock()
	s.subs[sub.id] = sub
	n := len(s.subs)
	s.subsMu.Unlock()
	monitoring.Logf("[PoseServer] subscriber %s connected (total %d)", sub.id, n)
	return sub
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.subsMu.Lock()
	delete(s.subs, sub.id)
	n := len(s.subs)
	s.subsMu.Unlock()
	monitoring.Logf("[PoseServer] subscriber %s disconnected (remaining %d)", sub.id, n)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("[PoseServer] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.addSubscriber()
	defer s.removeSubscriber(sub)

	// New subscribers get the current table immediately so a reconnecting
	// client is not stuck with stale data until the next sample arrives.
	s.mu.Lock()
	initial, err := encodePoses(s.latest)
	s.mu.Unlock()
	if err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
			return
		}
	}

	// Reader exists only to observe the peer closing.
	go func() {
		defer close(sub.done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-sub.ch:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-sub.done:
			return
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, sourceInfo{Type: s.cfg.SourceType})
}

// handleLatest answers a synchronous latest-pose query: the whole table, or
// a single tool's entry when a tool parameter is given. A published-but-lost
// tool (cleared slot) answers with a JSON null rather than 404.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if keys, ok := r.URL.Query()["tool"]; ok {
		toolKey := keys[0]
		if toolKey == "" {
			httputil.BadRequest(w, "tool key must not be empty")
			return
		}
		s.mu.Lock()
		pose, held := s.latest[toolKey]
		s.mu.Unlock()
		if !held {
			httputil.NotFound(w, fmt.Sprintf("no pose held for tool %q", toolKey))
			return
		}
		httputil.WriteJSONOK(w, pose.Clone())
		return
	}
	s.mu.Lock()
	msg, err := encodePoses(s.latest)
	s.mu.Unlock()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg)
}

func (s *Server) handleRepublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.PublishLatest()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
