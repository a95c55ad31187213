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

// Package broker wires the topic registry, connection state machine and
// WebSocket transport into a running pub/sub service.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/admin"
	"github.com/turtacn/wshub/pkg/auth"
	"github.com/turtacn/wshub/pkg/config"
	"github.com/turtacn/wshub/pkg/connection"
	"github.com/turtacn/wshub/pkg/metrics"
	"github.com/turtacn/wshub/pkg/monitor"
	"github.com/turtacn/wshub/pkg/supervisor"
	"github.com/turtacn/wshub/pkg/topic"
	"github.com/turtacn/wshub/pkg/transport"
)

// Version is reported by the health endpoint.
var Version = "dev"

var errShuttingDown = errors.New("broker is shutting down")

// Broker owns every registry and the transport of one node.
type Broker struct {
	cfg    *config.Config
	logger zerolog.Logger

	topics *topic.Registry
	conns  *connection.Registry
	auth   *auth.AuthChain
	sup    *supervisor.OneForOneSupervisor
	server *transport.Server
	health *monitor.HealthChecker

	stopping     atomic.Bool
	shutdownOnce sync.Once
}

// New builds a broker from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger zerolog.Logger) *Broker {
	logger = logger.With().Str("node", cfg.Broker.NodeID).Logger()

	b := &Broker{
		cfg:    cfg,
		logger: logger.With().Str("component", "broker").Logger(),
		conns:  connection.NewRegistry(),
		auth:   auth.NewAuthChain(logger),
		sup:    supervisor.NewOneForOneSupervisor(supervisor.WithLogger(logger)),
	}
	cfg.ConfigureAuth(b.auth)

	b.topics = topic.NewRegistry(topic.Options{
		DefaultTopic:      cfg.Broker.DefaultTopic,
		LogLimit:          cfg.Broker.LogLimit,
		HeartbeatInterval: cfg.Broker.Heartbeat.Interval.Std(),
		HeartbeatMessage:  cfg.Broker.Heartbeat.Message,
		Logger:            logger,
	})

	b.server = transport.NewServer(b, b.sup, transport.Options{
		Path:             cfg.Broker.Path,
		ReadLimit:        cfg.Transport.ReadLimit,
		WriteTimeout:     cfg.Transport.WriteTimeout.Std(),
		PongTimeout:      cfg.Transport.PongTimeout.Std(),
		PingInterval:     cfg.Transport.PingInterval.Std(),
		HandshakeTimeout: cfg.Transport.HandshakeTimeout.Std(),
		MailboxSize:      cfg.Transport.MailboxSize,
		AllowAnyOrigin:   cfg.Transport.AllowAnyOrigin,
	}, logger)

	b.health = monitor.NewHealthChecker(monitor.Options{
		Node:    cfg.Broker.NodeID,
		Version: Version,
		Stats:   b.Stats,
		Logger:  logger,
	})
	b.health.RegisterCheck("accepting", func() error {
		if b.stopping.Load() {
			return errShuttingDown
		}
		return nil
	}, true)

	return b
}

// Accept turns a new transport connection into a registered client
// session.
func (b *Broker) Accept(conn transport.Conn) transport.Session {
	if b.stopping.Load() {
		return nil
	}

	id := topic.NewID()
	c := connection.New(id, conn, connection.Options{
		Topics:        b.topics,
		Registry:      b.conns,
		Authenticator: b.auth,
		Logger:        b.logger.With().Str("remote", remoteAddr(conn)).Logger(),
	})
	b.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	b.logger.Debug().Str("conn_id", id).Str("remote", remoteAddr(conn)).Msg("client connected")

	return &session{broker: b, conn: c}
}

func remoteAddr(conn transport.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// session feeds transport events into one Connection.
type session struct {
	broker *Broker
	conn   *connection.Connection
}

func (s *session) OnMessage(data []byte) {
	env, err := topic.Decode(s.broker.topics, data, s.conn)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		s.broker.logger.Warn().Err(err).Str("conn_id", s.conn.ID()).Msg("dropping malformed message")
		return
	}
	s.conn.HandleInbound(env)
}

func (s *session) OnClose() {
	s.conn.Disconnect(true)
	s.broker.logger.Debug().Str("conn_id", s.conn.ID()).Msg("client disconnected")
}

// Start listens on addr, or the configured listen address when addr is
// empty, and serves until ctx is done. It then shuts the broker down.
func (b *Broker) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = b.cfg.Broker.ListenAddr
	}
	if err := b.server.Start(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	<-ctx.Done()
	b.Shutdown()
	return nil
}

// Shutdown disconnects every client with a notice, stops the transport and
// cancels all heartbeats. It is safe to call more than once.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.stopping.Store(true)
		b.health.RunChecks()
		conns := b.conns.List()
		b.logger.Info().Int("connections", len(conns)).Msg("shutting down")

		for _, c := range conns {
			c.Disconnect(false)
		}
		b.server.Stop()
		b.topics.Close()
		b.sup.Wait()
		b.logger.Info().Msg("shutdown complete")
	})
}

// Handler returns the WebSocket upgrade endpoint.
func (b *Broker) Handler() http.Handler {
	return b.server
}

// OpsHandler serves /metrics, the health endpoints and the management API.
func (b *Broker) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	b.health.RegisterRoutes(mux)
	admin.NewAPIServer(b.topics, b.conns, b.logger).RegisterRoutes(mux)
	return mux
}

// Addr returns the WebSocket listening address once started.
func (b *Broker) Addr() net.Addr {
	return b.server.Addr()
}

// Topics returns the topic registry.
func (b *Broker) Topics() *topic.Registry { return b.topics }

// Connections returns the connection registry.
func (b *Broker) Connections() *connection.Registry { return b.conns }

// Health returns the health checker.
func (b *Broker) Health() *monitor.HealthChecker { return b.health }

// Stats returns the live connection and topic counts.
func (b *Broker) Stats() monitor.Stats {
	return monitor.Stats{
		Connections: b.conns.Len(),
		Topics:      b.topics.Len(),
		TopicNames:  b.topics.Names(),
	}
}
