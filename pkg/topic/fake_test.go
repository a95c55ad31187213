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
	"errors"
	"sync"
)

// fakeSubscriber records every delivered envelope.
type fakeSubscriber struct {
	id            string
	name          string
	authenticated bool
	failDeliver   bool

	mu        sync.Mutex
	delivered []*Envelope
	forgotten []string
}

func newFakeSubscriber(id string, authenticated bool) *fakeSubscriber {
	return &fakeSubscriber{id: id, name: id, authenticated: authenticated}
}

func (f *fakeSubscriber) ID() string          { return f.id }
func (f *fakeSubscriber) SenderName() string  { return f.name }
func (f *fakeSubscriber) Authenticated() bool { return f.authenticated }

func (f *fakeSubscriber) Deliver(env *Envelope) error {
	if f.failDeliver {
		return errors.New("transport closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, env)
	return nil
}

func (f *fakeSubscriber) Forget(t *Topic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, t.Name())
}

func (f *fakeSubscriber) received() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Envelope(nil), f.delivered...)
}

func (f *fakeSubscriber) payloads() []any {
	var out []any
	for _, env := range f.received() {
		out = append(out, env.Payload)
	}
	return out
}

func newTestRegistry() *Registry {
	opts := DefaultOptions()
	opts.HeartbeatInterval = 0
	return NewRegistry(opts)
}
