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
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/wshub/pkg/auth"
	"github.com/turtacn/wshub/pkg/topic"
)

// fakeTransport records outbound frames.
type fakeTransport struct {
	mu     sync.Mutex
	frames []topic.Wire
	closed bool
	fail   bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.fail {
		return errors.New("transport closed")
	}
	var w topic.Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.frames = append(f.frames, w)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sent() []topic.Wire {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]topic.Wire(nil), f.frames...)
}

func (f *fakeTransport) last() topic.Wire {
	frames := f.sent()
	if len(frames) == 0 {
		return topic.Wire{}
	}
	return frames[len(frames)-1]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type harness struct {
	topics *topic.Registry
	conns  *Registry
	chain  *auth.AuthChain
}

func newHarness(t *testing.T) *harness {
	opts := topic.DefaultOptions()
	opts.HeartbeatInterval = 0
	topics := topic.NewRegistry(opts)
	t.Cleanup(topics.Close)

	chain := auth.NewAuthChain(zerolog.Nop())
	chain.AddAuthenticator(auth.MaxLength{Max: 16})
	chain.AddAuthenticator(auth.NewReservedNames("server"))
	chain.AddAuthenticator(auth.DeclaredIdentity{})

	return &harness{topics: topics, conns: NewRegistry(), chain: chain}
}

func (h *harness) connect(id string) (*Connection, *fakeTransport) {
	tr := &fakeTransport{}
	c := New(id, tr, Options{
		Topics:        h.topics,
		Registry:      h.conns,
		Authenticator: h.chain,
		Logger:        zerolog.Nop(),
	})
	h.conns.Add(c)
	return c, tr
}

func (h *harness) inbound(t *testing.T, c *Connection, frame string) {
	env, err := topic.Decode(h.topics, []byte(frame), c)
	require.NoError(t, err)
	c.HandleInbound(env)
}

func statusOf(t *testing.T, w topic.Wire) Status {
	require.Equal(t, TypeStatus, w.Type)
	b, err := json.Marshal(w.Message)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(b, &st))
	return st
}
