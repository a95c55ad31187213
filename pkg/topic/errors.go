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
	"fmt"
)

var (
	// ErrUnauthorized is matched by every *AuthorizationError.
	ErrUnauthorized = errors.New("operation not authorized")
	// ErrTopicDeleted is returned when subscribing to a topic that has been
	// removed from its registry.
	ErrTopicDeleted = errors.New("topic deleted")
)

// AuthorizationError reports a verb that the subscriber may not perform.
type AuthorizationError struct {
	Verb       Verb
	Topic      string
	Subscriber string
}

func (e *AuthorizationError) Error() string {
	if e.Subscriber == "" {
		return fmt.Sprintf("%s on topic %q: %s", e.Verb, e.Topic, ErrUnauthorized)
	}
	return fmt.Sprintf("%s on topic %q by %s: %s", e.Verb, e.Topic, e.Subscriber, ErrUnauthorized)
}

// Is reports whether target is ErrUnauthorized.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// DecodeError wraps a failure to decode an inbound message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
