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

// Package supervisor runs actors under a one-for-one restart policy. The
// transport layer uses it to own each connection's writer actor.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/actor"
	"github.com/turtacn/wshub/pkg/metrics"
)

// RestartStrategy defines when a terminated child is started again.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

// Spec describes a child actor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is the mailbox to be used by the actor.
	Mailbox *actor.Mailbox
	// OnExit, if set, is called once after the child stops for good with
	// the error of its final run.
	OnExit func(err error)
}

// Supervisor starts and monitors child actors.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every child has stopped.
	Wait()
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	logger  zerolog.Logger
	backoff time.Duration
	wg      sync.WaitGroup
}

// Option configures a OneForOneSupervisor.
type Option func(*OneForOneSupervisor)

// WithLogger sets the supervisor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *OneForOneSupervisor) {
		s.logger = l.With().Str("component", "supervisor").Logger()
	}
}

// WithBackoff sets the delay between restarts.
func WithBackoff(d time.Duration) Option {
	return func(s *OneForOneSupervisor) {
		s.backoff = d
	}
}

// NewOneForOneSupervisor creates a supervisor with a one second restart delay.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{
		logger:  zerolog.Nop(),
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches every child in specs.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(childCtx, cancel, spec)
	}()
}

// Wait blocks until all children have exited.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild runs the child until it should no longer be restarted.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	var err error
	defer func() {
		if spec.OnExit != nil {
			spec.OnExit(err)
		}
	}()

	for {
		err = s.run(ctx, spec)
		s.logger.Debug().Str("actor_id", spec.ID).Err(err).Msg("actor terminated")

		select {
		case <-ctx.Done():
			return
		default:
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}
		if !shouldRestart {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		s.logger.Warn().Str("actor_id", spec.ID).Msg("restarting actor")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

// run starts the actor once, converting a panic into an error.
func (s *OneForOneSupervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
