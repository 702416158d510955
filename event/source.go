// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package event

import (
	"context"
	"sync"
)

// Listener represents a registration on a Source, broadcast flags matching
// its mask accumulate until waited upon.
type Listener struct {
	Flags

	mask uint32
}

// Wait blocks until any flag in mask is pending (all of them when all is
// true), clears and returns the matched flags.
func (l *Listener) Wait(ctx context.Context, mask uint32, all bool) (uint32, error) {
	return l.Take(ctx, mask, all)
}

// Source represents an event source which broadcasts flags to all its
// registered listeners.
type Source struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
}

// Register adds a listener interested in the flags within mask, a zero mask
// selects all flags.
func (s *Source) Register(mask uint32) *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[*Listener]struct{})
	}

	if mask == 0 {
		mask = ^uint32(0)
	}

	l := &Listener{mask: mask}
	s.listeners[l] = struct{}{}

	return l
}

// Unregister removes a listener.
func (s *Source) Unregister(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.listeners, l)
}

// Broadcast sets flags on all listeners.
func (s *Source) Broadcast(flags uint32) {
	if flags == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for l := range s.listeners {
		if m := flags & l.mask; m != 0 {
			l.Set(m)
		}
	}
}
