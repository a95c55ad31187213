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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/wshub/pkg/actor"
)

type mockActor struct {
	startFunc func(ctx context.Context, mb *actor.Mailbox) error
}

func (m *mockActor) Start(ctx context.Context, mb *actor.Mailbox) error {
	if m.startFunc != nil {
		return m.startFunc(ctx, mb)
	}
	<-ctx.Done()
	return nil
}

func newTestSupervisor() *OneForOneSupervisor {
	return NewOneForOneSupervisor(WithBackoff(10 * time.Millisecond))
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	spec := Spec{
		ID: "test-actor",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			close(started)
			<-ctx.Done()
			return nil
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-started

	cancel()
	sup.Wait()
}

func TestSupervisor_OneForOne_PermanentRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	spec := Spec{
		ID: "actor-to-restart",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			return errors.New("i have failed")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	assert.Eventually(t, func() bool { return starts.Load() > 1 }, time.Second, 5*time.Millisecond,
		"actor should have been restarted")
}

func TestSupervisor_OneForOne_PanicRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	spec := Spec{
		ID: "panicking-actor",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			panic("something went horribly wrong")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	assert.Eventually(t, func() bool { return starts.Load() > 1 }, time.Second, 5*time.Millisecond,
		"actor should have panicked and been restarted")
}

func TestSupervisor_TemporaryRunsOnceAndReportsExit(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	failure := errors.New("write failed")
	exited := make(chan error, 1)

	sup.StartChild(ctx, Spec{
		ID: "writer",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			return failure
		}},
		Restart: RestartTemporary,
		Mailbox: actor.NewMailbox(1),
		OnExit:  func(err error) { exited <- err },
	})

	select {
	case err := <-exited:
		assert.ErrorIs(t, err, failure)
	case <-time.After(time.Second):
		t.Fatal("OnExit was not called")
	}
	sup.Wait()
	assert.Equal(t, int32(1), starts.Load(), "temporary actor should only start once")
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := newTestSupervisor()
		err := sup.Start(context.Background(), []Spec{})
		require.Error(t, err)
		assert.Equal(t, "no child specs provided", err.Error())
	})

	t.Run("transient restart on error", func(t *testing.T) {
		sup := newTestSupervisor()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var starts atomic.Int32
		spec := Spec{
			ID: "transient-actor-fail",
			Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
				starts.Add(1)
				return errors.New("i failed")
			}},
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		}
		require.NoError(t, sup.Start(ctx, []Spec{spec}))
		assert.Eventually(t, func() bool { return starts.Load() > 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("transient no restart on success", func(t *testing.T) {
		sup := newTestSupervisor()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		startCount := 0
		done := make(chan struct{})
		spec := Spec{
			ID: "transient-actor-success",
			Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
				mu.Lock()
				startCount++
				mu.Unlock()
				return nil
			}},
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
			OnExit:  func(error) { close(done) },
		}
		require.NoError(t, sup.Start(ctx, []Spec{spec}))
		<-done

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, startCount, "transient actor should not restart after normal termination")
	})
}
