// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tssi

import (
	"context"
	"sync"
)

// Request represents the shared NonSecure memory span passed by a caller.
type Request struct {
	Data uint32
	Size uint32
}

type state int

const (
	stateBusy state = iota
	stateWaiting
	stateServing
)

// Service represents a registered Secure World service.
type Service struct {
	sync.Mutex

	// Name is the service name
	Name string
	// Handle is the service handle
	Handle Handle
	// Order is the registration order
	Order int

	registry *Registry
	state    state
	// pending is set between request acceptance and result collection
	pending bool
	calls   uint64

	req  chan Request
	done chan Status
}

// Wait parks the service until a request is accepted for it.
func (s *Service) Wait(ctx context.Context) (req Request, err error) {
	s.registry.started.Set(1 << uint(s.Order))

	s.Lock()
	s.state = stateWaiting
	s.Unlock()

	select {
	case req = <-s.req:
		return
	case <-ctx.Done():
	}

	s.Lock()
	defer s.Unlock()

	if s.state == stateServing {
		// a request raced with cancellation
		return <-s.req, nil
	}

	s.state = stateBusy

	return req, ctx.Err()
}

// Reply completes the request being served.
func (s *Service) Reply(status Status) error {
	s.Lock()
	defer s.Unlock()

	if s.state != stateServing {
		return INVALID
	}

	s.state = stateBusy
	s.done <- status

	return nil
}

// Serve runs fn on each request until ctx is done.
func (s *Service) Serve(ctx context.Context, fn func(Request) Status) error {
	for {
		req, err := s.Wait(ctx)

		if err != nil {
			return err
		}

		if err = s.Reply(fn(req)); err != nil {
			return err
		}
	}
}

// Calls returns the number of accepted requests.
func (s *Service) Calls() uint64 {
	s.Lock()
	defer s.Unlock()

	return s.calls
}

func (s *Service) post(req Request) Status {
	s.Lock()
	defer s.Unlock()

	if s.pending && len(s.done) == 1 {
		// the result of a call abandoned after INTR was never collected
		<-s.done
		s.pending = false
	}

	if s.state != stateWaiting || s.pending {
		return BUSY
	}

	s.state = stateServing
	s.pending = true
	s.calls++
	s.req <- req

	return OK
}

func (s *Service) isPending() bool {
	s.Lock()
	defer s.Unlock()

	return s.pending
}

func (s *Service) collect() {
	s.Lock()
	s.pending = false
	s.Unlock()
}
