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

// Package topic implements named publish/subscribe channels. A Topic owns
// its subscriber set and an append-only message log and gates every
// operation through Authorize. Topics live in a Registry, which also
// drives their periodic heartbeat.
package topic

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/metrics"
)

// Verb is the unit of access control on a topic.
type Verb string

const (
	VerbSubscribe   Verb = "subscribe"
	VerbUnsubscribe Verb = "unsubscribe"
	VerbPublish     Verb = "publish"
	VerbRead        Verb = "read"
)

// Valid reports whether v is one of the four known verbs.
func (v Verb) Valid() bool {
	switch v {
	case VerbSubscribe, VerbUnsubscribe, VerbPublish, VerbRead:
		return true
	}
	return false
}

// Subscriber is a party that can hold a subscription and receive envelopes.
type Subscriber interface {
	Sender
	ID() string
	Authenticated() bool
	// Deliver hands an envelope to the subscriber's transport.
	Deliver(env *Envelope) error
	// Forget drops the subscriber's own record of t after t was deleted.
	Forget(t *Topic)
}

// Topic is a named channel. It is safe for concurrent use.
type Topic struct {
	name     string
	logLimit int
	logger   zerolog.Logger

	// publishMu serializes publishes so every subscriber sees log order.
	publishMu sync.Mutex

	mu            sync.RWMutex
	subscribers   map[string]Subscriber
	log           []*Envelope
	deleted       bool
	stopHeartbeat func()
}

func newTopic(name string, logLimit int, logger zerolog.Logger) *Topic {
	return &Topic{
		name:        name,
		logLimit:    logLimit,
		logger:      logger.With().Str("topic", name).Logger(),
		subscribers: make(map[string]Subscriber),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// TopicName implements Ref.
func (t *Topic) TopicName() string { return t.name }

// Authorize reports whether s may perform verb. Every known verb requires
// an authenticated subscriber; unknown verbs are never authorized.
// Rejections are logged and counted, not returned as errors.
func (t *Topic) Authorize(verb Verb, s Subscriber) bool {
	if verb.Valid() && s != nil && s.Authenticated() {
		return true
	}

	label := string(verb)
	if !verb.Valid() {
		label = "invalid"
	}
	metrics.AuthorizationFailuresTotal.WithLabelValues(label).Inc()

	ev := t.logger.Debug().Str("verb", string(verb))
	if s != nil {
		ev = ev.Str("conn_id", s.ID())
	}
	ev.Msg("operation not authorized")
	return false
}

func (t *Topic) denied(verb Verb, s Subscriber) error {
	err := &AuthorizationError{Verb: verb, Topic: t.name}
	if s != nil {
		err.Subscriber = s.ID()
	}
	return err
}

// Subscribe adds s to the subscriber set. Subscribing an existing member
// is a no-op.
func (t *Topic) Subscribe(s Subscriber) error {
	if !t.Authorize(VerbSubscribe, s) {
		return t.denied(VerbSubscribe, s)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return ErrTopicDeleted
	}
	t.subscribers[s.ID()] = s
	return nil
}

// Unsubscribe removes s from the subscriber set if present.
func (t *Topic) Unsubscribe(s Subscriber) error {
	if !t.Authorize(VerbUnsubscribe, s) {
		return t.denied(VerbUnsubscribe, s)
	}
	t.Remove(s)
	return nil
}

// Remove drops s from the subscriber set without an authorization check.
// It is used when a subscriber goes away.
func (t *Topic) Remove(s Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.subscribers[s.ID()]; ok && cur == s {
		delete(t.subscribers, s.ID())
	}
}

// Publish appends data to the log and delivers it to every current
// subscriber. With from set, from must be authorized to publish and is
// recorded as the sender. A nil from marks a server-originated message
// and skips authorization. A failed delivery does not stop delivery to
// the remaining subscribers.
func (t *Topic) Publish(data any, from Subscriber) (*Envelope, error) {
	var sender Sender
	origin := "server"
	if from != nil {
		if !t.Authorize(VerbPublish, from) {
			return nil, t.denied(VerbPublish, from)
		}
		sender = from
		origin = "client"
	}
	env := t.wrap(data, sender)

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	t.mu.Lock()
	if t.logLimit > 0 && len(t.log) >= t.logLimit {
		n := copy(t.log, t.log[len(t.log)-t.logLimit+1:])
		clear(t.log[n:])
		t.log = t.log[:n]
	}
	t.log = append(t.log, env)
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	metrics.MessagesPublishedTotal.WithLabelValues(origin).Inc()

	for _, s := range subs {
		if err := s.Deliver(env); err != nil {
			t.logger.Debug().Err(err).Str("conn_id", s.ID()).Msg("delivery failed")
			continue
		}
		metrics.DeliveriesTotal.Inc()
	}
	return env, nil
}

func (t *Topic) wrap(data any, sender Sender) *Envelope {
	if env, ok := data.(*Envelope); ok {
		return env.Rebind(t, sender)
	}
	f := fieldsOf(data)
	return &Envelope{
		Topic:   t,
		Type:    f.typ,
		Payload: f.payload,
		Sender:  sender,
		ID:      NewID(),
	}
}

// ReadLog returns a copy of the log, oldest first.
func (t *Topic) ReadLog(s Subscriber) ([]*Envelope, error) {
	if s == nil || !t.Authorize(VerbRead, s) {
		return nil, t.denied(VerbRead, s)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Envelope, len(t.log))
	copy(out, t.log)
	return out, nil
}

// LogLen returns the number of logged envelopes.
func (t *Topic) LogLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.log)
}

// HasSubscriber reports whether the subscriber with id is a member.
func (t *Topic) HasSubscriber(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subscribers[id]
	return ok
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Subscribers returns a snapshot of the subscriber set ordered by id.
func (t *Topic) Subscribers() []Subscriber {
	t.mu.RLock()
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID() < subs[j].ID() })
	return subs
}

// Deleted reports whether the topic was removed from its registry.
func (t *Topic) Deleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted
}

// setHeartbeat records the heartbeat cancel func. A topic deleted in the
// meantime has its heartbeat stopped right away.
func (t *Topic) setHeartbeat(stop func()) {
	t.mu.Lock()
	if !t.deleted {
		t.stopHeartbeat = stop
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	stop()
}

// halt stops the heartbeat, if any.
func (t *Topic) halt() {
	t.mu.Lock()
	stop := t.stopHeartbeat
	t.stopHeartbeat = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// close marks the topic deleted, stops its heartbeat and empties the
// subscriber set, returning the former members.
func (t *Topic) close() []Subscriber {
	t.halt()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = true
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.subscribers = make(map[string]Subscriber)
	return subs
}
