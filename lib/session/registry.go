// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/strandhq/strand/lib/backend"
	"github.com/strandhq/strand/lib/backend/assistant"
	"github.com/strandhq/strand/lib/backend/terminal"
)

// AdapterFactory constructs one unstarted adapter from launch
// configuration.
type AdapterFactory func(config backend.Config) (backend.Adapter, error)

// Registry maps backend kinds to adapter factories. The table is
// explicit: a kind is available exactly when something registered it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]AdapterFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]AdapterFactory)}
}

// DefaultRegistry returns a registry with the built-in kinds bound:
// "terminal" (PTY-hosted) and "assistant" (pipe-hosted with auth
// handshake). Embedders register additional kinds before the daemon
// starts serving.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(terminal.Kind, func(config backend.Config) (backend.Adapter, error) {
		return terminal.New(config), nil
	})
	r.Register(assistant.Kind, func(config backend.Config) (backend.Adapter, error) {
		return assistant.New(config), nil
	})
	return r
}

// Register binds a kind to a factory. Registering an empty kind, a nil
// factory, or a kind that is already bound is a programming error and
// panics, following the database/sql driver registry convention.
func (r *Registry) Register(kind string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" {
		panic("session: Register called with empty kind")
	}
	if factory == nil {
		panic("session: Register called with nil factory for kind " + kind)
	}
	if _, exists := r.factories[kind]; exists {
		panic("session: Register called twice for kind " + kind)
	}
	r.factories[kind] = factory
}

// New constructs an adapter for the given kind. An unknown kind
// returns a *ValidationError naming the known kinds.
func (r *Registry) New(kind string, config backend.Config) (backend.Adapter, error) {
	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, &ValidationError{
			Field:  "kind",
			Reason: fmt.Sprintf("unknown kind %q (known: %s)", kind, strings.Join(r.Kinds(), ", ")),
		}
	}

	adapter, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("constructing %s adapter: %w", kind, err)
	}
	return adapter, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
