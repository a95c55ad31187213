// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport serves WebSocket clients. Each accepted socket gets a
// reader running in its HTTP handler goroutine and a writer actor that
// drains a bounded mailbox under the supervisor, so a slow peer only ever
// fills its own queue.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/supervisor"
)

// ErrClosed is returned by Conn.Send after the connection was closed.
var ErrClosed = errors.New("transport closed")

// Conn is the broker's handle on one client socket.
type Conn interface {
	// Send queues a text frame. It never blocks; a full queue or a closed
	// connection is reported as an error.
	Send(data []byte) error
	// Close flushes queued frames, sends a close frame and releases the
	// socket. It is safe to call more than once.
	Close() error
	RemoteAddr() net.Addr
}

// Session receives the events of one connection.
type Session interface {
	OnMessage(data []byte)
	// OnClose is called once after the socket is gone.
	OnClose()
}

// Acceptor creates a Session for every new connection. Returning nil
// rejects the connection.
type Acceptor interface {
	Accept(conn Conn) Session
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(conn Conn) Session

// Accept calls f(conn).
func (f AcceptorFunc) Accept(conn Conn) Session { return f(conn) }

// Options tunes the WebSocket endpoint.
type Options struct {
	Path             string
	ReadLimit        int64
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MailboxSize      int
	AllowAnyOrigin   bool
}

// DefaultOptions returns the stock endpoint settings.
func DefaultOptions() Options {
	return Options{
		Path:             "/ws",
		ReadLimit:        64 * 1024,
		WriteTimeout:     10 * time.Second,
		PongTimeout:      60 * time.Second,
		PingInterval:     54 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MailboxSize:      256,
		AllowAnyOrigin:   true,
	}
}

// Server accepts WebSocket connections and hands them to an Acceptor.
type Server struct {
	acceptor   Acceptor
	supervisor supervisor.Supervisor
	opts       Options
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	httpSrv  *http.Server
	listener net.Listener

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server. It does not listen until Start is called;
// it can also be mounted directly as an http.Handler.
func NewServer(acceptor Acceptor, sup supervisor.Supervisor, opts Options, logger zerolog.Logger) *Server {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultOptions().MailboxSize
	}
	if opts.Path == "" {
		opts.Path = DefaultOptions().Path
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		acceptor:   acceptor,
		supervisor: sup,
		opts:       opts,
		logger:     logger.With().Str("component", "transport").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*wsConn]struct{}),
	}
	if opts.AllowAnyOrigin {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return s
}

// Start listens on addr and serves the endpoint at the configured path
// in a new goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.opts.HandshakeTimeout,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket listener stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.opts.Path).Msg("websocket server started")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Len returns the number of open sockets.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newConn(ws, s.opts)
	session := s.acceptor.Accept(c)
	if session == nil {
		c.shutdown()
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.supervisor.StartChild(s.ctx, supervisor.Spec{
		ID:      "writer:" + ws.RemoteAddr().String(),
		Actor:   &writer{conn: c, opts: s.opts},
		Restart: supervisor.RestartTemporary,
		Mailbox: c.mailbox,
		OnExit: func(err error) {
			if err != nil {
				s.logger.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("writer stopped")
			}
			c.shutdown()
		},
	})

	c.readLoop(session, s.logger)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	session.OnClose()
}

// Stop stops accepting connections, asks every open socket to close and
// waits for them. Sockets still open after the write timeout are dropped.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	srv := s.httpSrv
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
		cancel()
	}

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.opts.WriteTimeout
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		s.mu.Lock()
		for c := range s.conns {
			c.shutdown()
		}
		s.mu.Unlock()
		<-done
	}
	s.cancel()
	s.logger.Info().Msg("websocket server stopped")
}
