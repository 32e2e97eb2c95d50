package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/proxybridge/proxybridge-srv/config"
	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
	"github.com/codefionn/proxybridge/proxybridge-srv/resolver"
	"github.com/codefionn/proxybridge/proxybridge-srv/stats"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ServerState is the lifecycle phase of a Server.
type ServerState int32

const (
	StateNew ServerState = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s ServerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ServerState(%d)", int32(s))
	}
}

// Server accepts client connections and runs one Handler per connection.
type Server struct {
	config        *config.Config
	handler       *Handler
	acceptTimeout time.Duration
	sem           *semaphore.Weighted // nil when unlimited
	limiter       *rate.Limiter       // nil when unlimited

	state    atomic.Int32
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu       sync.Mutex
	handlers map[string]chan struct{}
}

// NewServer wires the chain, dialer, relays and handler for cfg.
func NewServer(cfg *config.Config, collector stats.Collector) (*Server, error) {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	chain, err := NewProxyChain(cfg.Chain())
	if err != nil {
		return nil, err
	}

	dialer := NewDialer(cfg.UpstreamTimeout(), cfg.ProxyAgent, resolver.New(cfg.DNS))
	forward := NewForwardRelay(cfg, chain, dialer)
	tunnel := NewTunnelRelay(cfg, chain, dialer)

	s := &Server{
		config:        cfg,
		handler:       NewHandler(forward, tunnel, collector, cfg.ClientTimeout(), cfg.TunnelBufferSize),
		acceptTimeout: cfg.AcceptTimeout(),
		handlers:      make(map[string]chan struct{}),
	}
	if cfg.MaxConcurrentConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections))
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	for i, ep := range cfg.Chain() {
		logger.Debug("Chain level %d: %s", i, ep)
	}
	logger.Debug("Tunnel connect policy: %s", tunnel.Policy())
	return s, nil
}

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// Addr returns the listener address, or nil before the server started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of handlers still running.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return NewConfigurationError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed),
			fmt.Errorf("listen on %s: %w", s.config.ListenAddress, err))
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on listener until Stop. It returns nil after a
// normal stop.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		s.mu.Unlock()
		_ = listener.Close()
		return NewConfigurationError(ErrCodeInvalidServerState, GetErrorDescription(ErrCodeInvalidServerState),
			fmt.Errorf("cannot start server in state %s", s.State()))
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	defer close(s.loopDone)
	return s.acceptLoop()
}

func (s *Server) acceptLoop() error {
	type deadliner interface{ SetDeadline(time.Time) error }
	dl, canDeadline := s.listener.(deadliner)

	for {
		if s.State() != StateRunning {
			return nil
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return nil
			}
		}
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return nil
			}
		}

		if canDeadline {
			_ = dl.SetDeadline(time.Now().Add(s.acceptTimeout))
			// Stop may have reset the deadline before ours
			if s.State() != StateRunning {
				s.release()
				return nil
			}
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.release()
			if s.State() != StateRunning {
				return nil
			}
			if isTimeout(err) {
				logger.Trace("Accept timed out, still running")
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("Accept failed: %v", err)
			return NewConnectionError(ErrCodeConnectionFailed, GetErrorDescription(ErrCodeConnectionFailed), err)
		}

		s.spawn(conn)
	}
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// spawn registers and starts the handler for conn.
func (s *Server) spawn(conn net.Conn) {
	id := uuid.NewString()
	done := make(chan struct{})

	s.mu.Lock()
	s.handlers[id] = done
	s.mu.Unlock()

	// Handlers are not cancelled by Stop, they run to completion
	ctx := context.WithoutCancel(s.ctx)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
			close(done)
			s.release()
		}()
		s.handler.Serve(ctx, conn, id)
	}()
}

// Stop stops accepting, waits for every running handler to finish and then
// closes the listener.
func (s *Server) Stop() error {
	if s.state.CompareAndSwap(int32(StateNew), int32(StateClosed)) {
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return NewConfigurationError(ErrCodeInvalidServerState, GetErrorDescription(ErrCodeInvalidServerState),
			fmt.Errorf("cannot stop server in state %s", s.State()))
	}

	s.mu.Lock()
	listener, loopDone := s.listener, s.loopDone
	s.mu.Unlock()

	logger.Info("Stopping proxy server on %s", listener.Addr().String())
	s.cancel()
	if dl, ok := listener.(interface{ SetDeadline(time.Time) error }); ok {
		_ = dl.SetDeadline(time.Now())
	} else {
		// Without deadlines only closing unblocks Accept
		_ = listener.Close()
	}
	<-loopDone

	s.mu.Lock()
	ids := make([]string, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	waits := make([]chan struct{}, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		waits = append(waits, s.handlers[id])
	}
	s.mu.Unlock()

	for i, done := range waits {
		logger.Info("Waiting on %s to close..", ids[i])
		<-done
	}

	err := listener.Close()
	s.state.Store(int32(StateClosed))
	logger.Info("Proxy server stopped")
	if err != nil && !isClosedConnError(err) {
		return NewConnectionError(ErrCodeConnectionFailed, GetErrorDescription(ErrCodeConnectionFailed), err)
	}
	return nil
}
