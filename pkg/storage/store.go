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

// Package storage provides a concurrency-safe in-memory key/value store.
// The broker uses it as the backing table for its topic and connection
// registries.
package storage

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// MemStore is a keyed collection of values of type V guarded by a RWMutex.
type MemStore[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{
		data: make(map[string]V),
	}
}

// Get retrieves a value from the store by its key. It returns ErrNotFound
// if the key is absent.
func (s *MemStore[V]) Get(key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

// Set adds or updates a value in the store.
func (s *MemStore[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// GetOrCreate returns the value stored under key, or stores and returns the
// result of create when the key is absent. create runs under the write
// lock, so concurrent callers for the same key observe a single value.
// The boolean reports whether create was invoked.
func (s *MemStore[V]) GetOrCreate(key string, create func() V) (V, bool) {
	s.mu.RLock()
	value, ok := s.data[key]
	s.mu.RUnlock()
	if ok {
		return value, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.data[key]; ok {
		return value, false
	}
	value = create()
	s.data[key] = value
	return value, true
}

// TakeIf removes key and returns its value when match reports true for
// the current value.
func (s *MemStore[V]) TakeIf(key string, match func(V) bool) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok || !match(value) {
		var zero V
		return zero, false
	}
	delete(s.data, key)
	return value, true
}

// Len returns the number of stored entries.
func (s *MemStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns the stored keys in lexical order.
func (s *MemStore[V]) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Values returns a snapshot of the stored values in no particular order.
func (s *MemStore[V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]V, 0, len(s.data))
	for _, v := range s.data {
		values = append(values, v)
	}
	return values
}
