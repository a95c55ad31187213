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

// Package connection implements the per-client protocol state machine.
// A Connection starts unauthenticated, becomes authenticated once, and
// dispatches inbound envelopes against the topic registry until it is
// disconnected.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/auth"
	"github.com/turtacn/wshub/pkg/metrics"
	"github.com/turtacn/wshub/pkg/topic"
)

// Inbound and outbound envelope types.
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeMessage      = "message"
	TypeData         = "data"
	TypeStatus       = "status"
	TypeError        = "error"
	TypeDisconnect   = "disconnect"
)

// Notices sent to the client with TypeError.
const (
	NoticeNotAuthorized = "operation not authorized"
	NoticeNotDefined    = "operation not defined"
	NoticeDisconnect    = "disconnecting"
)

// verbs maps inbound types to the topic verb they require.
var verbs = map[string]topic.Verb{
	TypeSubscribe:   topic.VerbSubscribe,
	TypeUnsubscribe: topic.VerbUnsubscribe,
	TypeMessage:     topic.VerbPublish,
	TypeData:        topic.VerbRead,
	TypeStatus:      topic.VerbRead,
}

// Transport is the write side of a client link.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Authenticator binds an identity to a user.
type Authenticator interface {
	Authenticate(identity string) (*auth.User, error)
}

// State is the authentication state of a connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the session snapshot sent after authentication and on request.
type Status struct {
	User          *auth.User `json:"user"`
	Authenticated bool       `json:"authenticated"`
	Topics        []string   `json:"topics"`
	Name          string     `json:"name"`
}

// Options holds the collaborators of a Connection.
type Options struct {
	Topics        *topic.Registry
	Registry      *Registry
	Authenticator Authenticator
	Logger        zerolog.Logger
}

// Connection is one client session. It is safe for concurrent use.
type Connection struct {
	id        string
	transport Transport
	topics    *topic.Registry
	registry  *Registry
	authn     Authenticator
	logger    zerolog.Logger

	user atomic.Pointer[auth.User]

	// mu guards subscribed and closed. It is always taken before any
	// topic lock.
	mu         sync.Mutex
	subscribed map[string]*topic.Topic
	closed     bool
}

// New creates an unauthenticated connection. It does not register it.
func New(id string, tr Transport, opts Options) *Connection {
	return &Connection{
		id:         id,
		transport:  tr,
		topics:     opts.Topics,
		registry:   opts.Registry,
		authn:      opts.Authenticator,
		logger:     opts.Logger.With().Str("conn_id", id).Logger(),
		subscribed: make(map[string]*topic.Topic),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// User returns the bound user, or nil before authentication.
func (c *Connection) User() *auth.User { return c.user.Load() }

// Authenticated reports whether a user is bound.
func (c *Connection) Authenticated() bool { return c.user.Load() != nil }

// State returns the authentication state.
func (c *Connection) State() State {
	if c.Authenticated() {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

// SenderName renders the connection as the "from" of its messages.
func (c *Connection) SenderName() string {
	if u := c.user.Load(); u != nil {
		return u.Name
	}
	return ""
}

// Topics returns the names of the subscribed topics in sorted order.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.subscribed))
	for name := range c.subscribed {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Status returns the session snapshot.
func (c *Connection) Status() Status {
	u := c.User()
	return Status{
		User:          u,
		Authenticated: u != nil,
		Topics:        c.Topics(),
		Name:          c.id,
	}
}

// HandleInbound runs one inbound envelope through the state machine.
// Failures are logged and, where the client can act on them, answered
// with an error notice; the connection stays open either way.
//
// Publishing to a topic the connection has not subscribed to subscribes
// it first, so the publisher also receives its own message.
func (c *Connection) HandleInbound(env *topic.Envelope) {
	t := env.Topic
	if t == nil {
		t = c.topics.GetOrCreate(nil)
	}

	if env.Type == TypeAuthenticate && !c.Authenticated() {
		if err := c.Authenticate(env); err != nil {
			c.fail(env, err)
		}
		return
	}

	if verb, ok := verbs[env.Type]; ok {
		if !t.Authorize(verb, c) {
			c.notify(NoticeNotAuthorized)
			return
		}
	} else if !c.Authenticated() {
		metrics.AuthorizationFailuresTotal.WithLabelValues("invalid").Inc()
		c.notify(NoticeNotAuthorized)
		return
	}

	if err := c.dispatch(env, t); err != nil {
		c.fail(env, err)
	}
}

func (c *Connection) dispatch(env *topic.Envelope, t *topic.Topic) error {
	switch env.Type {
	case TypeSubscribe:
		return c.Subscribe(t)
	case TypeUnsubscribe:
		return c.Unsubscribe(t)
	case TypeMessage:
		if err := c.Subscribe(t); err != nil {
			return err
		}
		_, err := t.Publish(env, c)
		return err
	case TypeData:
		entries, err := t.ReadLog(c)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := c.Send(e, ""); err != nil {
				return err
			}
		}
		return nil
	case TypeStatus:
		return c.Send(c.Status(), TypeStatus)
	default:
		c.notify(NoticeNotDefined)
		return nil
	}
}

func (c *Connection) fail(env *topic.Envelope, err error) {
	c.logger.Warn().Err(err).Str("type", env.Type).Str("topic", env.TopicName()).Msg("inbound message failed")

	var authzErr *topic.AuthorizationError
	var authnErr *AuthenticationError
	switch {
	case errors.As(err, &authzErr):
		c.notify(NoticeNotAuthorized)
	case errors.As(err, &authnErr):
		c.notify(authnErr.Error())
	}
}

func (c *Connection) notify(msg string) {
	if err := c.Send(msg, TypeError); err != nil {
		c.logger.Debug().Err(err).Msg("notice not delivered")
	}
}

// Authenticate binds the identity carried by env. The identity comes from
// the envelope's user/sender hint, else from a string payload. A
// connection authenticates at most once.
func (c *Connection) Authenticate(env *topic.Envelope) error {
	identity := env.Identity
	if identity == "" {
		if s, ok := env.Payload.(string); ok {
			identity = s
		}
	}
	if strings.TrimSpace(identity) == "" {
		return &AuthenticationError{Reason: "empty identity"}
	}
	if c.authn == nil {
		return &AuthenticationError{Reason: "no authenticator configured"}
	}

	user, err := c.authn.Authenticate(identity)
	if err != nil {
		return &AuthenticationError{Reason: "identity rejected", Err: err}
	}
	if !c.user.CompareAndSwap(nil, user) {
		return &AuthenticationError{Reason: "already authenticated"}
	}
	c.logger.Info().Str("user", user.Name).Msg("authenticated")

	return c.Send(c.Status(), TypeStatus)
}

// Subscribe adds the connection to t and records the subscription.
func (c *Connection) Subscribe(t *topic.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if cur, ok := c.subscribed[t.Name()]; ok && cur == t {
		return nil
	}
	if err := t.Subscribe(c); err != nil {
		return err
	}
	c.subscribed[t.Name()] = t
	return nil
}

// Unsubscribe removes the connection from t and drops the record.
func (c *Connection) Unsubscribe(t *topic.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := t.Unsubscribe(c); err != nil {
		return err
	}
	if cur, ok := c.subscribed[t.Name()]; ok && cur == t {
		delete(c.subscribed, t.Name())
	}
	return nil
}

// Forget drops the record of t after the registry deleted it.
func (c *Connection) Forget(t *topic.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subscribed[t.Name()]; ok && cur == t {
		delete(c.subscribed, t.Name())
	}
}

// Deliver sends a published envelope to the client.
func (c *Connection) Deliver(env *topic.Envelope) error {
	return c.Send(env, "")
}

// Send wraps data in an envelope and writes its wire form. A failed write
// tears the connection down and returns a *DeliveryError.
func (c *Connection) Send(data any, typ string) error {
	err := c.write(data, typ)
	if err == nil {
		return nil
	}
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		return err
	}

	metrics.DeliveryFailuresTotal.Inc()
	c.logger.Warn().Err(derr.Err).Msg("send failed, dropping connection")
	c.close(false)
	return derr
}

func (c *Connection) write(data any, typ string) error {
	env := topic.Create(c.topics, data, typ)
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.transport.Send(b); err != nil {
		return &DeliveryError{ConnID: c.id, Err: err}
	}
	return nil
}

// Disconnect leaves every topic, unregisters the connection and closes
// the transport. Unless silent, the client is sent a disconnect notice
// first and a final status snapshot after leaving its topics. Calling
// Disconnect more than once has no further effect.
func (c *Connection) Disconnect(silent bool) {
	c.close(!silent)
}

func (c *Connection) close(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if notify {
		if err := c.write(NoticeDisconnect, TypeDisconnect); err != nil {
			c.logger.Debug().Err(err).Msg("disconnect notice not delivered")
		}
	}

	c.leaveAll()

	if notify {
		if err := c.write(c.Status(), TypeStatus); err != nil {
			c.logger.Debug().Err(err).Msg("final status not delivered")
		}
	}

	if c.registry != nil {
		c.registry.Remove(c)
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("transport close")
	}
	c.logger.Debug().Bool("notified", notify).Msg("disconnected")
}

func (c *Connection) leaveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range c.subscribed {
		t.Remove(c)
		delete(c.subscribed, name)
	}
}
