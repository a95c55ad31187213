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

// Package auth binds a client-declared identity to a connection. It never
// verifies credentials: an authenticator chain only decides whether a
// declared name is acceptable under the configured policy.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var (
	// ErrEmptyIdentity is returned when the declared identity is blank.
	ErrEmptyIdentity = errors.New("identity is empty")
	// ErrIdentityRejected is returned when the chain refuses a declared identity.
	ErrIdentityRejected = errors.New("identity rejected")
)

// User is the identity bound to an authenticated connection.
type User struct {
	Name string `json:"name"`
}

// AuthResult represents the result of an authentication attempt
type AuthResult int

const (
	// AuthSuccess accepts the identity.
	AuthSuccess AuthResult = iota
	// AuthFailure rejects the identity.
	AuthFailure
	// AuthIgnore defers the decision to the next authenticator.
	AuthIgnore
)

// String returns the string representation of AuthResult
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator decides on a declared identity.
type Authenticator interface {
	Authenticate(identity string) AuthResult
	Name() string
}

// AuthChain runs authenticators in order. The first AuthSuccess or
// AuthFailure wins; if every authenticator ignores the identity it is rejected.
type AuthChain struct {
	authenticators []Authenticator
	logger         zerolog.Logger
}

// NewAuthChain creates an empty chain.
func NewAuthChain(logger zerolog.Logger) *AuthChain {
	return &AuthChain{
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// AddAuthenticator appends an authenticator to the chain.
func (ac *AuthChain) AddAuthenticator(a Authenticator) {
	ac.authenticators = append(ac.authenticators, a)
}

// Clear removes all authenticators from the chain.
func (ac *AuthChain) Clear() {
	ac.authenticators = ac.authenticators[:0]
}

// Count returns the number of authenticators in the chain.
func (ac *AuthChain) Count() int {
	return len(ac.authenticators)
}

// Authenticate binds identity to a new User or explains why it cannot.
func (ac *AuthChain) Authenticate(identity string) (*User, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	for _, a := range ac.authenticators {
		result := a.Authenticate(identity)
		ac.logger.Debug().Str("authenticator", a.Name()).Str("identity", identity).
			Stringer("result", result).Msg("authenticator decision")

		switch result {
		case AuthSuccess:
			return &User{Name: identity}, nil
		case AuthFailure:
			return nil, fmt.Errorf("%w by %s", ErrIdentityRejected, a.Name())
		}
	}

	ac.logger.Warn().Str("identity", identity).Msg("all authenticators ignored identity")
	return nil, ErrIdentityRejected
}

// DeclaredIdentity accepts any non-empty identity.
type DeclaredIdentity struct{}

func (DeclaredIdentity) Name() string { return "declared" }

func (DeclaredIdentity) Authenticate(identity string) AuthResult {
	if identity == "" {
		return AuthFailure
	}
	return AuthSuccess
}

// MaxLength rejects identities longer than Max runes. Max <= 0 disables it.
type MaxLength struct {
	Max int
}

func (m MaxLength) Name() string { return "max-length" }

func (m MaxLength) Authenticate(identity string) AuthResult {
	if m.Max > 0 && utf8.RuneCountInString(identity) > m.Max {
		return AuthFailure
	}
	return AuthIgnore
}

// ReservedNames rejects identities that match a reserved name, ignoring case.
type ReservedNames struct {
	names map[string]struct{}
}

// NewReservedNames builds a ReservedNames authenticator.
func NewReservedNames(names ...string) *ReservedNames {
	r := &ReservedNames{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		r.names[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return r
}

func (r *ReservedNames) Name() string { return "reserved-names" }

func (r *ReservedNames) Authenticate(identity string) AuthResult {
	if _, ok := r.names[strings.ToLower(identity)]; ok {
		return AuthFailure
	}
	return AuthIgnore
}
