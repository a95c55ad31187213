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

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/actor"
)

// closeRequest asks the writer to flush and send a close frame.
type closeRequest struct{}

// wsConn implements Conn on top of a gorilla socket.
type wsConn struct {
	ws      *websocket.Conn
	mailbox *actor.Mailbox
	opts    Options

	closing  atomic.Bool
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

func newConn(ws *websocket.Conn, opts Options) *wsConn {
	return &wsConn{
		ws:       ws,
		mailbox:  actor.NewMailbox(opts.MailboxSize),
		opts:     opts,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (c *wsConn) Send(data []byte) error {
	if c.closing.Load() {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.mailbox.TrySend(data); err != nil {
		return fmt.Errorf("queue frame: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.mailbox.TrySend(closeRequest{}); err != nil {
		c.shutdown()
	}
	return nil
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// shutdown releases the socket immediately.
func (c *wsConn) shutdown() {
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) readLoop(session Session, logger zerolog.Logger) {
	defer func() {
		close(c.readDone)
		c.shutdown()
	}()

	if c.opts.ReadLimit > 0 {
		c.ws.SetReadLimit(c.opts.ReadLimit)
	}
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("read failed")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		session.OnMessage(data)
	}
}

func (c *wsConn) extendReadDeadline() {
	if c.opts.PongTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	}
}

// writer is the actor that owns every write to one socket.
type writer struct {
	conn *wsConn
	opts Options
}

func (w *writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	var ping <-chan time.Time
	if w.opts.PingInterval > 0 {
		ticker := time.NewTicker(w.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.closeFrame(websocket.CloseGoingAway)
			return nil
		case <-w.conn.done:
			return nil
		case <-ping:
			if err := w.write(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		case msg := <-mb.Chan():
			switch m := msg.(type) {
			case []byte:
				if err := w.write(websocket.TextMessage, m); err != nil {
					return fmt.Errorf("write frame: %w", err)
				}
			case closeRequest:
				w.closeFrame(websocket.CloseNormalClosure)
				return nil
			}
		}
	}
}

func (w *writer) write(mt int, data []byte) error {
	if w.opts.WriteTimeout > 0 {
		_ = w.conn.ws.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	}
	return w.conn.ws.WriteMessage(mt, data)
}

// closeFrame sends a close frame and waits for the peer to answer it or
// for the write timeout.
func (w *writer) closeFrame(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	if err := w.write(websocket.CloseMessage, msg); err != nil {
		return
	}
	grace := w.opts.WriteTimeout
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-w.conn.readDone:
	case <-time.After(grace):
	}
}
