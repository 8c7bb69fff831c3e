package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
)

// Server accepts downstream miners and runs one Session per connection.
type Server struct {
	cfg *config.Config
	log *logging.Logger
	met *monitoring.Metrics

	listenerMu sync.Mutex
	listener   net.Listener

	sessMu   sync.Mutex
	sessions map[string]*Session

	wg sync.WaitGroup
}

// NewServer builds the downstream listener host.
func NewServer(cfg *config.Config, log *logging.Logger, met *monitoring.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		met:      met,
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe binds the downstream listener and accepts miners until the
// context is cancelled. A bind failure is fatal to the proxy.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.log.Event("proxy_listening", logging.Fields{
		"addr":      addr,
		"upstreamA": s.cfg.PoolA.Addr(),
		"upstreamB": s.cfg.PoolB.Addr(),
		"weights":   fmt.Sprintf("%d:%d", s.cfg.Scheduler.PoolAWeight, s.cfg.Scheduler.PoolBWeight),
	})

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Event("accept_error", logging.Fields{"err": err.Error()})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the bound listener address (useful when Port was 0 in tests).
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sid := uuid.New().String()[:8]
	peer := conn.RemoteAddr().String()
	s.met.DownstreamConnections.Inc()
	s.log.Event("miner_connected", logging.Fields{"sid": sid, "peer": peer})

	sess := NewSession(sid, conn, s.cfg, s.log, s.met)
	s.sessMu.Lock()
	s.sessions[sid] = sess
	s.sessMu.Unlock()

	sess.Run(ctx)

	s.sessMu.Lock()
	delete(s.sessions, sid)
	s.sessMu.Unlock()
	s.met.DownstreamConnections.Dec()
	s.log.Event("miner_disconnected", logging.Fields{"sid": sid, "peer": peer})
}

// Snapshot returns the status of every live session for the dashboard API.
func (s *Server) Snapshot() []Status {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	out := make([]Status, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Status())
	}
	return out
}

// Shutdown waits for outstanding sessions with a bounded grace period. The
// caller cancels the serve context first, which closes the listener and
// every session's sockets.
func (s *Server) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Event("shutdown_done", nil)
	case <-time.After(timeout):
		s.log.Event("shutdown_timeout", nil)
	}
}
