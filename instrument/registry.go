// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package instrument

import (
	"context"
	"fmt"

	"github.com/fireflydesign/portal"
)

// A Registry associates the names of the instruments found by one discovery
// with their wrappers. A registry does not change once constructed; discover
// again to obtain a new one.
type Registry struct {
	m     *portal.Manager
	insts map[string]Instrument
	names []string // in discovery order
}

// Discover asks the device attached to m for its instruments, and returns a
// registry of wrappers for them. Discovery replaces the portals of m, so any
// previously-constructed registry for m is stale afterward.
func Discover(ctx context.Context, m *portal.Manager) (*Registry, error) {
	bs, err := m.DiscoverInstruments(ctx)
	if err != nil {
		return nil, err
	}
	return NewRegistry(m, bs), nil
}

// NewRegistry constructs a registry of wrappers for the given bindings of m.
// Bindings without a wrapper are skipped.
func NewRegistry(m *portal.Manager, bindings []portal.Binding) *Registry {
	r := &Registry{m: m, insts: make(map[string]Instrument)}
	for _, b := range bindings {
		if in, ok := New(b); ok {
			r.insts[b.Name] = in
			r.names = append(r.names, b.Name)
		}
	}
	return r
}

// Names returns the names of the instruments in r, in discovery order.
func (r *Registry) Names() []string { return append([]string(nil), r.names...) }

// Len reports the number of instruments in r.
func (r *Registry) Len() int { return len(r.names) }

// Lookup returns the instrument with the given name, if there is one.
func (r *Registry) Lookup(name string) (Instrument, bool) {
	in, ok := r.insts[name]
	return in, ok
}

// Reset asks the device to reset all its instruments.
func (r *Registry) Reset(ctx context.Context) error { return r.m.ResetInstruments(ctx) }

// Get returns the instrument with the given name as a T. It reports a
// *[NotFoundError] if r has no such instrument, or [ErrWrongCategory] if the
// instrument is not a T.
func Get[T Instrument](r *Registry, name string) (T, error) {
	var zero T
	in, ok := r.insts[name]
	if !ok {
		return zero, &NotFoundError{Name: name}
	}
	v, ok := in.(T)
	if !ok {
		return zero, fmt.Errorf("%s is %v: %w", name, in.Category(), ErrWrongCategory)
	}
	return v, nil
}

// All returns all the instruments of r that are a T, in discovery order.
func All[T Instrument](r *Registry) []T {
	var out []T
	for _, name := range r.names {
		if v, ok := r.insts[name].(T); ok {
			out = append(out, v)
		}
	}
	return out
}
