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

// Package actor provides the minimal actor primitives used by the broker:
// an Actor interface and a bounded Mailbox. Per-connection writer actors
// drain a Mailbox so that a slow peer only ever blocks its own queue.
package actor

import (
	"context"
	"errors"
)

// ErrMailboxFull is returned by TrySend when the mailbox has no free slot.
var ErrMailboxFull = errors.New("mailbox full")

// Actor defines the interface for an actor process.
type Actor interface {
	// Start is called when the actor is started. It blocks until the actor
	// terminates, returning a non-nil error on abnormal termination.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new Mailbox that can hold up to size pending messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// TrySend enqueues a message without blocking. It returns ErrMailboxFull
// when the buffer is exhausted.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Len reports the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Chan exposes the underlying channel for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
