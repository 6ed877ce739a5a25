// Package ws provides a WebSocket binding of the stream framing: one JSON
// envelope per text message, replies written back on the same connection in
// call order.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/transport"
)

// Server accepts WebSocket connections and dispatches their envelopes
// through the shared message handler.
type Server struct {
	transport.BaseTransport

	logger logx.Logger

	// ctx scopes every connection's dispatch loop to the server lifetime.
	// The upgrade request's context dies when ServeHTTP returns, so it must
	// not be used past the handshake.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger logx.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a WebSocket server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: logx.NewDefaultLogger(),
		conns:  make(map[net.Conn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection's dispatch loop
// until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("ws: upgrade failed: %v", err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("ws: connection from %s", conn.RemoteAddr())

	go s.serveConn(s.ctx, conn)
}

// serveConn reads envelopes sequentially; each reply is written before the
// next envelope is read, preserving call order per connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("ws: connection %s closed", conn.RemoteAddr())
	}()
	for {
		frame, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		if reply := s.HandleMessage(ctx, frame); reply != nil {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, reply); err != nil {
				s.logger.Warn("ws: write failed: %v", err)
				return
			}
		}
	}
}

// Broadcast writes one envelope to every open connection. Used for
// unsolicited notifications.
func (s *Server) Broadcast(message []byte) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := wsutil.WriteServerMessage(c, ws.OpText, message); err != nil {
			s.logger.Warn("ws: broadcast to %s failed: %v", c.RemoteAddr(), err)
		}
	}
}

// Close drops all open connections and refuses new ones.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
