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

package connection

import (
	"github.com/turtacn/wshub/pkg/metrics"
	"github.com/turtacn/wshub/pkg/storage"
)

// Registry tracks live connections by id.
type Registry struct {
	conns *storage.MemStore[*Connection]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: storage.NewMemStore[*Connection]()}
}

// Add registers c, replacing any connection with the same id.
func (r *Registry) Add(c *Connection) {
	_, created := r.conns.GetOrCreate(c.ID(), func() *Connection { return c })
	if created {
		metrics.ConnectionsActive.Inc()
		return
	}
	_ = r.conns.Set(c.ID(), c)
}

// Remove unregisters c. It is a no-op if c is not the registered
// connection for its id.
func (r *Registry) Remove(c *Connection) {
	if _, ok := r.conns.TakeIf(c.ID(), func(cur *Connection) bool { return cur == c }); ok {
		metrics.ConnectionsActive.Dec()
	}
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	c, err := r.conns.Get(id)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.conns.Len()
}

// List returns a snapshot of the registered connections.
func (r *Registry) List() []*Connection {
	return r.conns.Values()
}
