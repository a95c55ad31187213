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
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
)

// DefaultType is the envelope type used when none is given.
const DefaultType = "message"

// Sender is the attributed origin of an envelope.
type Sender interface {
	// SenderName is rendered as "from" on the wire; empty renders null.
	SenderName() string
}

// Envelope is the normalized form of every message that passes through
// the broker, inbound or outbound.
type Envelope struct {
	Topic   *Topic
	Type    string
	Payload any
	Sender  Sender
	ID      string
	// Identity is the inbound "user"/"sender" hint. It is read only by
	// authentication and never serialized.
	Identity string
}

// Wire is the serialized shape every client receives.
type Wire struct {
	Topic   string  `json:"topic"`
	Message any     `json:"message"`
	Type    string  `json:"type"`
	From    *string `json:"from"`
	ID      string  `json:"id"`
}

// NewID returns a UUIDv7 string: a millisecond timestamp followed by random
// bits, so ids sort by creation time and do not collide in practice.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Decode parses a JSON frame into an envelope resolved against reg.
// Malformed input yields a *DecodeError.
func Decode(reg *Registry, data []byte, sender Sender) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Err: errors.New("unexpected data after top-level value")}
	}
	return NewEnvelope(reg, raw, sender), nil
}

// NewEnvelope builds an envelope from a decoded value. Objects contribute
// "topic", "type", "data"/"message" and "user"/"sender"; any other value
// becomes the payload of a message on the default topic. The topic is
// created in reg if it does not exist yet.
func NewEnvelope(reg *Registry, raw any, sender Sender) *Envelope {
	f := fieldsOf(raw)
	env := &Envelope{
		Topic:    reg.GetOrCreate(Name(f.topic)),
		Type:     f.typ,
		Payload:  f.payload,
		Sender:   sender,
		ID:       NewID(),
		Identity: f.identity,
	}
	return env
}

// Create wraps data for sending. An *Envelope is returned unchanged;
// anything else is built into a new envelope whose type is typ when typ
// is non-empty.
func Create(reg *Registry, data any, typ string) *Envelope {
	if env, ok := data.(*Envelope); ok {
		return env
	}
	env := NewEnvelope(reg, data, nil)
	if typ != "" {
		env.Type = typ
	}
	return env
}

// TopicName returns the name of the envelope's topic.
func (e *Envelope) TopicName() string {
	if e.Topic == nil {
		return ""
	}
	return e.Topic.Name()
}

// Wire renders the envelope in its serialized shape.
func (e *Envelope) Wire() Wire {
	w := Wire{
		Topic:   e.TopicName(),
		Message: e.Payload,
		Type:    e.Type,
		ID:      e.ID,
	}
	if e.Sender != nil {
		if name := e.Sender.SenderName(); name != "" {
			w.From = &name
		}
	}
	return w
}

// MarshalJSON encodes the wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// Rebind returns a copy of e bound to t. A nil sender keeps e's sender.
func (e *Envelope) Rebind(t *Topic, sender Sender) *Envelope {
	cp := *e
	cp.Topic = t
	if sender != nil {
		cp.Sender = sender
	}
	return &cp
}

type fields struct {
	topic    string
	typ      string
	payload  any
	identity string
}

func fieldsOf(raw any) fields {
	f := fields{typ: DefaultType, payload: raw}

	obj, ok := raw.(map[string]any)
	if !ok {
		return f
	}
	if s, ok := obj["topic"].(string); ok {
		f.topic = s
	}
	if s, ok := obj["type"].(string); ok && s != "" {
		f.typ = s
	}
	if v, ok := obj["data"]; ok && v != nil {
		f.payload = v
	} else if v, ok := obj["message"]; ok && v != nil {
		f.payload = v
	}
	f.identity = nameOf(obj["user"])
	if f.identity == "" {
		f.identity = nameOf(obj["sender"])
	}
	return f
}

// nameOf accepts either a bare string or an object carrying "name".
func nameOf(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case map[string]any:
		s, _ := n["name"].(string)
		return s
	}
	return ""
}
