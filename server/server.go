package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/docsyncio/docsync/auth"
	"github.com/docsyncio/docsync/bus"
	"github.com/docsyncio/docsync/config"
	"github.com/docsyncio/docsync/metrics"
	"github.com/docsyncio/docsync/store"
	"github.com/docsyncio/docsync/track"
)

// Dependencies are the external collaborators the sync layer consumes.
// cmd/collabd assembles them from configuration; tests pass in-memory
// implementations.
type Dependencies struct {
	Docs    store.DocumentStore
	Session store.SessionStore
	Access  store.AccessStore
	Users   store.UserStore
	Bus     bus.Bus
	Logger  *zap.SugaredLogger
}

// Server wires the registry, relay, tracker and engine behind one HTTP
// listener and runs the stale-session sweep.
type Server struct {
	conf    *config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	registry *Registry
	relay    *Relay
	tracker  *track.Tracker
	engine   *Engine
	bus      bus.Bus

	httpServer  *http.Server
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

// New assembles a Server from validated configuration and dependencies.
func New(conf *config.Config, deps Dependencies) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log := deps.Logger
	m := metrics.New()

	registry := NewRegistry()
	relay := NewRelay(deps.Bus, registry, log)
	registry.SetRoomHooks(relay.RoomCreated, relay.RoomEmptied)

	tracker := track.New(deps.Session, log)
	engine := NewEngine(EngineOptions{
		Registry: registry,
		Relay:    relay,
		Verifier: auth.NewVerifier(conf.JWTSecret),
		Docs:     deps.Docs,
		Access:   deps.Access,
		Users:    deps.Users,
		Tracker:  tracker,
		Metrics:  m,
		Logger:   log,
	})

	s := &Server{
		conf:     conf,
		log:      log,
		metrics:  m,
		registry: registry,
		relay:    relay,
		tracker:  tracker,
		engine:   engine,
		bus:      deps.Bus,
	}
	s.httpServer = &http.Server{
		Addr:              conf.Addr,
		Handler:           NewHandler(engine, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Engine exposes the protocol engine, mainly for tests.
func (s *Server) Engine() *Engine {
	return s.engine
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and launches the stale-session sweeper. It
// does not block.
func (s *Server) Start() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	s.sweeperDone = make(chan struct{})
	go s.sweepLoop(sweepCtx)

	s.log.Infow("server listening", "addr", s.conf.Addr, "backend", s.conf.Backend)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("http server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections, closes live websocket clients,
// drains the sweeper and closes the bus.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown http server: %w", err)
	}
	// Hijacked websocket connections survive httpServer.Shutdown; close
	// them explicitly so their engines tear down.
	s.registry.CloseAll()
	if s.stopSweeper != nil {
		s.stopSweeper()
		select {
		case <-s.sweeperDone:
		case <-ctx.Done():
		}
	}
	if err := s.bus.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close bus: %w", err)
	}
	return firstErr
}

// sweepLoop periodically marks stale edit sessions disconnected,
// catching clients that vanished without a close frame.
func (s *Server) sweepLoop(ctx context.Context) {
	defer close(s.sweeperDone)

	interval := s.conf.ParseSweepInterval()
	threshold := s.conf.ParseStaleSessionThreshold()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			swept, err := s.tracker.Sweep(ctx, threshold)
			if err != nil {
				s.log.Errorw("stale session sweep failed", "error", err)
				continue
			}
			s.metrics.SweptSessions.Add(float64(swept))
		case <-ctx.Done():
			return
		}
	}
}
