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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/wshub/pkg/topic"
)

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	assert.Equal(t, StateUnauthenticated, c.State())

	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)
	require.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "alice", c.User().Name)
	assert.Equal(t, "alice", c.SenderName())

	st := statusOf(t, tr.last())
	require.NotNil(t, st.User)
	assert.Equal(t, "alice", st.User.Name)
	assert.True(t, st.Authenticated)
	assert.Empty(t, st.Topics)
	assert.Equal(t, "c1", st.Name)

	// a second authenticate is not defined once authenticated
	h.inbound(t, c, `{"type":"authenticate","user":"mallory"}`)
	assert.Equal(t, "alice", c.User().Name)
	assert.Equal(t, TypeError, tr.last().Type)
	assert.Equal(t, NoticeNotDefined, tr.last().Message)
}

func TestAuthenticateIdentitySources(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		user  string
	}{
		{"user string", `{"type":"authenticate","user":"alice"}`, "alice"},
		{"user object", `{"type":"authenticate","user":{"name":"bob"}}`, "bob"},
		{"sender", `{"type":"authenticate","sender":"carol"}`, "carol"},
		{"string payload", `{"type":"authenticate","data":"dave"}`, "dave"},
		{"padded", `{"type":"authenticate","user":"  erin "}`, "erin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c, _ := h.connect("c1")
			h.inbound(t, c, tt.frame)
			require.True(t, c.Authenticated())
			assert.Equal(t, tt.user, c.User().Name)
		})
	}
}

func TestAuthenticateRejected(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing identity", `{"type":"authenticate"}`},
		{"empty identity", `{"type":"authenticate","user":""}`},
		{"whitespace identity", `{"type":"authenticate","user":"   "}`},
		{"reserved name", `{"type":"authenticate","user":"Server"}`},
		{"too long", `{"type":"authenticate","user":"abcdefghijklmnopq"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c, tr := h.connect("c1")
			h.inbound(t, c, tt.frame)
			assert.False(t, c.Authenticated())
			assert.Equal(t, TypeError, tr.last().Type)
			assert.Contains(t, tr.last().Message, ErrAuthentication.Error())
		})
	}
}

func TestAuthenticateError(t *testing.T) {
	h := newHarness(t)
	c, _ := h.connect("c1")

	env := topic.NewEnvelope(h.topics, map[string]any{"type": "authenticate"}, c)
	err := c.Authenticate(env)
	assert.ErrorIs(t, err, ErrAuthentication)

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "empty identity", authErr.Reason)
}

func TestUnauthenticatedCausesNoMutation(t *testing.T) {
	frames := []string{
		`{"type":"subscribe","topic":"sports"}`,
		`{"type":"unsubscribe","topic":"sports"}`,
		`{"type":"message","topic":"sports","data":"goal"}`,
		`{"type":"data","topic":"sports"}`,
		`{"type":"status"}`,
		`{"type":"bogus"}`,
	}

	h := newHarness(t)
	c, tr := h.connect("c1")
	sports := h.topics.GetOrCreate(topic.Name("sports"))

	for _, frame := range frames {
		tr.reset()
		h.inbound(t, c, frame)
		got := tr.sent()
		require.Len(t, got, 1, frame)
		assert.Equal(t, TypeError, got[0].Type)
		assert.Equal(t, NoticeNotAuthorized, got[0].Message)
		assert.Equal(t, topic.DefaultTopicName, got[0].Topic, frame)
	}
	assert.Zero(t, sports.Len())
	assert.Zero(t, sports.LogLen())
	assert.Empty(t, c.Topics())
}

func TestSubscribeConsistency(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)

	h.inbound(t, c, `{"type":"subscribe","topic":"sports"}`)
	h.inbound(t, c, `{"type":"subscribe","topic":"sports"}`)
	h.inbound(t, c, `{"type":"subscribe","topic":"news"}`)

	sports, ok := h.topics.Get(topic.Name("sports"))
	require.True(t, ok)
	assert.True(t, sports.HasSubscriber("c1"))
	assert.Equal(t, 1, sports.Len())
	assert.Equal(t, []string{"news", "sports"}, c.Topics())

	tr.reset()
	_, err := sports.Publish("goal", nil)
	require.NoError(t, err)
	assert.Len(t, tr.sent(), 1)

	h.inbound(t, c, `{"type":"unsubscribe","topic":"sports"}`)
	assert.False(t, sports.HasSubscriber("c1"))
	assert.Equal(t, []string{"news"}, c.Topics())

	h.inbound(t, c, `{"type":"status"}`)
	st := statusOf(t, tr.last())
	assert.Equal(t, []string{"news"}, st.Topics)
}

func TestMessageAutoSubscribes(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"bob"}`)
	tr.reset()

	h.inbound(t, c, `{"type":"message","topic":"sports","data":"goal!"}`)
	assert.Equal(t, []string{"sports"}, c.Topics())

	frames := tr.sent()
	require.Len(t, frames, 1)
	w := frames[0]
	assert.Equal(t, "sports", w.Topic)
	assert.Equal(t, "goal!", w.Message)
	assert.Equal(t, TypeMessage, w.Type)
	require.NotNil(t, w.From)
	assert.Equal(t, "bob", *w.From)
	assert.NotEmpty(t, w.ID)
}

func TestDataReturnsLogInOrder(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)

	for _, m := range []string{"one", "two", "three"} {
		h.inbound(t, c, `{"type":"message","topic":"sports","data":"`+m+`"}`)
	}
	tr.reset()

	h.inbound(t, c, `{"type":"data","topic":"sports"}`)
	frames := tr.sent()
	require.Len(t, frames, 3)
	for i, m := range []string{"one", "two", "three"} {
		assert.Equal(t, m, frames[i].Message)
		assert.Equal(t, "sports", frames[i].Topic)
	}

	// reading does not change the log
	sports, _ := h.topics.Get(topic.Name("sports"))
	assert.Equal(t, 3, sports.LogLen())
}

func TestUnknownTypeAuthenticated(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)

	h.inbound(t, c, `{"type":"bogus","topic":"sports"}`)
	assert.Equal(t, TypeError, tr.last().Type)
	assert.Equal(t, NoticeNotDefined, tr.last().Message)
	assert.Equal(t, topic.DefaultTopicName, tr.last().Topic)
}

func TestSendFailureDropsConnection(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect("a")
	b, trB := h.connect("b")
	h.inbound(t, a, `{"type":"authenticate","user":"alice"}`)
	h.inbound(t, b, `{"type":"authenticate","user":"bob"}`)
	h.inbound(t, a, `{"type":"subscribe","topic":"sports"}`)
	h.inbound(t, b, `{"type":"subscribe","topic":"sports"}`)
	h.inbound(t, b, `{"type":"subscribe","topic":"news"}`)
	require.Equal(t, 2, h.conns.Len())

	trB.mu.Lock()
	trB.fail = true
	trB.mu.Unlock()

	sports, _ := h.topics.Get(topic.Name("sports"))
	news, _ := h.topics.Get(topic.Name("news"))
	_, err := sports.Publish("goal", a)
	require.NoError(t, err)

	assert.True(t, sports.HasSubscriber("a"))
	assert.False(t, sports.HasSubscriber("b"))
	assert.False(t, news.HasSubscriber("b"))
	assert.Empty(t, b.Topics())
	_, ok := h.conns.Get("b")
	assert.False(t, ok)
	assert.True(t, trB.closed)

	err = b.Send("late", "")
	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "b", derr.ConnID)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)
	h.inbound(t, c, `{"type":"subscribe","topic":"sports"}`)
	tr.reset()

	c.Disconnect(false)
	frames := tr.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, TypeDisconnect, frames[0].Type)
	st := statusOf(t, frames[1])
	assert.Empty(t, st.Topics)
	assert.True(t, tr.closed)

	sports, _ := h.topics.Get(topic.Name("sports"))
	assert.False(t, sports.HasSubscriber("c1"))
	assert.Zero(t, h.conns.Len())

	// idempotent
	c.Disconnect(false)
	assert.Len(t, tr.sent(), 2)

	assert.ErrorIs(t, c.Subscribe(sports), ErrClosed)
}

func TestDisconnectSilent(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)
	h.inbound(t, c, `{"type":"subscribe","topic":"sports"}`)
	tr.reset()

	c.Disconnect(true)
	assert.Empty(t, tr.sent())
	assert.True(t, tr.closed)
	assert.Empty(t, c.Topics())
	assert.Zero(t, h.conns.Len())
}

func TestTopicDeleteForgetsSubscription(t *testing.T) {
	h := newHarness(t)
	c, _ := h.connect("c1")
	h.inbound(t, c, `{"type":"authenticate","user":"alice"}`)
	h.inbound(t, c, `{"type":"subscribe","topic":"sports"}`)

	require.True(t, h.topics.Delete(topic.Name("sports")))
	assert.Empty(t, c.Topics())

	h.inbound(t, c, `{"type":"subscribe","topic":"sports"}`)
	fresh, ok := h.topics.Get(topic.Name("sports"))
	require.True(t, ok)
	assert.True(t, fresh.HasSubscriber("c1"))
	assert.Equal(t, []string{"sports"}, c.Topics())
}

func TestSportsScenario(t *testing.T) {
	h := newHarness(t)
	a, trA := h.connect("a")
	b, trB := h.connect("b")

	h.inbound(t, a, `{"type":"authenticate","user":"alice"}`)
	st := statusOf(t, trA.last())
	assert.True(t, st.Authenticated)
	assert.Equal(t, "alice", st.User.Name)

	h.inbound(t, a, `{"type":"subscribe","topic":"sports"}`)
	sports, _ := h.topics.Get(topic.Name("sports"))
	assert.True(t, sports.HasSubscriber("a"))

	h.inbound(t, b, `{"type":"authenticate","user":"bob"}`)
	trA.reset()
	trB.reset()
	h.inbound(t, b, `{"type":"message","topic":"sports","data":"goal!"}`)

	for _, tr := range []*fakeTransport{trA, trB} {
		frames := tr.sent()
		require.Len(t, frames, 1)
		assert.Equal(t, "sports", frames[0].Topic)
		assert.Equal(t, "goal!", frames[0].Message)
		assert.Equal(t, "message", frames[0].Type)
		require.NotNil(t, frames[0].From)
		assert.Equal(t, "bob", *frames[0].From)
	}

	a.Disconnect(true)
	assert.False(t, sports.HasSubscriber("a"))

	trB.reset()
	h.inbound(t, b, `{"type":"message","topic":"sports","data":"again"}`)
	assert.Len(t, trB.sent(), 1)
	assert.Empty(t, trA.sent()[1:])
}

func TestRegistry(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect("a")
	_, _ = h.connect("b")
	assert.Equal(t, 2, h.conns.Len())
	assert.Len(t, h.conns.List(), 2)

	got, ok := h.conns.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	// removing a stale instance leaves the registered one
	stale := New("a", &fakeTransport{}, Options{Topics: h.topics})
	h.conns.Remove(stale)
	assert.Equal(t, 2, h.conns.Len())

	h.conns.Remove(a)
	_, ok = h.conns.Get("a")
	assert.False(t, ok)
}
