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

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
)

type heartbeatTick struct{}

// heartbeat is the actor that publishes the periodic message on one topic.
type heartbeat struct {
	topic   *Topic
	message string
}

func (h *heartbeat) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case heartbeatTick:
		if h.topic.Deleted() {
			return
		}
		if _, err := h.topic.Publish(h.message, nil); err != nil {
			h.topic.logger.Warn().Err(err).Msg("heartbeat publish failed")
		}
	case *actor.Stopping:
		h.topic.logger.Debug().Msg("heartbeat stopping")
	}
}

// heartbeats owns the actor system and timer scheduler shared by all
// topic heartbeats of a registry.
type heartbeats struct {
	system    *actor.ActorSystem
	scheduler *scheduler.TimerScheduler
	interval  time.Duration
	message   string
}

func newHeartbeats(interval time.Duration, message string) *heartbeats {
	system := actor.NewActorSystem()
	return &heartbeats{
		system:    system,
		scheduler: scheduler.NewTimerScheduler(system.Root),
		interval:  interval,
		message:   message,
	}
}

// start spawns a heartbeat actor for t and schedules its ticks. The
// returned func cancels the ticks and stops the actor; it may be called
// more than once.
func (h *heartbeats) start(t *Topic) func() {
	props := actor.PropsFromProducer(func() actor.Actor {
		return &heartbeat{topic: t, message: h.message}
	})
	pid := h.system.Root.Spawn(props)
	cancel := h.scheduler.SendRepeatedly(h.interval, h.interval, pid, heartbeatTick{})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			h.system.Root.Stop(pid)
		})
	}
}

func (h *heartbeats) shutdown() {
	h.system.Shutdown()
}
