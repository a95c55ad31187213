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

package topic

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/metrics"
	"github.com/turtacn/wshub/pkg/storage"
)

const (
	// DefaultTopicName receives every envelope that names no topic.
	DefaultTopicName = "info"
	// DefaultHeartbeatMessage is published on every topic each interval.
	DefaultHeartbeatMessage = "Interval message"
	// DefaultHeartbeatInterval is the heartbeat period.
	DefaultHeartbeatInterval = 20 * time.Second
)

// Ref identifies a topic either by name or by handle.
type Ref interface {
	TopicName() string
}

// Name is a topic identifier.
type Name string

// TopicName implements Ref.
func (n Name) TopicName() string { return string(n) }

// Options configures a Registry.
type Options struct {
	// DefaultTopic defaults to DefaultTopicName.
	DefaultTopic string
	// LogLimit caps each topic's log; 0 keeps every message.
	LogLimit int
	// HeartbeatInterval of 0 disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatMessage  string
	Logger            zerolog.Logger
}

// DefaultOptions returns the options used by the broker out of the box.
func DefaultOptions() Options {
	return Options{
		DefaultTopic:      DefaultTopicName,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatMessage:  DefaultHeartbeatMessage,
		Logger:            zerolog.Nop(),
	}
}

// Registry maps names to topics. Each name resolves to at most one live
// topic at a time.
type Registry struct {
	opts       Options
	logger     zerolog.Logger
	topics     *storage.MemStore[*Topic]
	heartbeats *heartbeats

	closeOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultTopic == "" {
		opts.DefaultTopic = DefaultTopicName
	}
	if opts.HeartbeatMessage == "" {
		opts.HeartbeatMessage = DefaultHeartbeatMessage
	}
	r := &Registry{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "topics").Logger(),
		topics: storage.NewMemStore[*Topic](),
	}
	if opts.HeartbeatInterval > 0 {
		r.heartbeats = newHeartbeats(opts.HeartbeatInterval, opts.HeartbeatMessage)
	}
	return r
}

// DefaultTopic returns the name used for envelopes without a topic.
func (r *Registry) DefaultTopic() string {
	return r.opts.DefaultTopic
}

func (r *Registry) resolve(ref Ref) string {
	if ref == nil {
		return r.opts.DefaultTopic
	}
	if name := ref.TopicName(); name != "" {
		return name
	}
	return r.opts.DefaultTopic
}

// GetOrCreate returns the topic for ref, creating it and starting its
// heartbeat if it does not exist. A nil or empty ref resolves to the
// default topic. A deleted *Topic handle resolves to a fresh topic of the
// same name.
func (r *Registry) GetOrCreate(ref Ref) *Topic {
	name := r.resolve(ref)
	t, created := r.topics.GetOrCreate(name, func() *Topic {
		return newTopic(name, r.opts.LogLimit, r.logger)
	})
	if created {
		if r.heartbeats != nil {
			t.setHeartbeat(r.heartbeats.start(t))
		}
		metrics.TopicsActive.Inc()
		r.logger.Debug().Str("topic", name).Msg("topic created")
	}
	return t
}

// Get returns the topic for ref without creating it.
func (r *Registry) Get(ref Ref) (*Topic, bool) {
	t, err := r.topics.Get(r.resolve(ref))
	if err != nil {
		return nil, false
	}
	return t, true
}

// Names returns the names of all live topics in sorted order.
func (r *Registry) Names() []string {
	return r.topics.Keys()
}

// Len returns the number of live topics.
func (r *Registry) Len() int {
	return r.topics.Len()
}

// Delete removes the topic, cancels its heartbeat and unsubscribes every
// subscriber, letting each drop its own record of the topic. It reports
// whether a topic was removed.
func (r *Registry) Delete(ref Ref) bool {
	name := r.resolve(ref)
	handle, byHandle := ref.(*Topic)
	t, ok := r.topics.TakeIf(name, func(cur *Topic) bool {
		return !byHandle || cur == handle
	})
	if !ok {
		return false
	}
	metrics.TopicsActive.Dec()

	subs := t.close()
	for _, s := range subs {
		s.Forget(t)
	}
	r.logger.Debug().Str("topic", name).Int("subscribers", len(subs)).Msg("topic deleted")
	return true
}

// Close cancels every heartbeat and shuts the heartbeat actor system
// down. Topics remain readable.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		for _, t := range r.topics.Values() {
			t.halt()
		}
		if r.heartbeats != nil {
			r.heartbeats.shutdown()
		}
	})
}
