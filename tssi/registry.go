// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tssi

import (
	"context"
	"log"
	"sync"

	"github.com/usbarmory/GoTEE-sandbox/event"
)

// Registry represents the table of Secure World services.
type Registry struct {
	sync.Mutex

	services [MaxServices]*Service
	order    int
	started  event.Flags
}

// Register allocates a service slot for name, the returned service must
// park on Wait to receive requests.
func (r *Registry) Register(name string) (svc *Service, err error) {
	if len(name) == 0 || len(name) >= NameLength {
		return nil, INVALID
	}

	r.Lock()
	defer r.Unlock()

	slot := -1

	for i, s := range r.services {
		if s == nil {
			if slot < 0 {
				slot = i
			}

			continue
		}

		if s.Name == name {
			return nil, EXIST
		}
	}

	// registration order doubles as readiness bit
	if slot < 0 || r.order >= 32 {
		return nil, NHND
	}

	svc = &Service{
		Name:     name,
		Handle:   HandleBase + Handle(slot),
		Order:    r.order,
		registry: r,
		req:      make(chan Request, 1),
		done:     make(chan Status, 1),
	}

	r.services[slot] = svc
	r.order++

	log.Printf("SM registered service %s handle:%#x order:%d", name, svc.Handle, svc.Order)

	return
}

// Release frees the service slot, its registration order is not reused.
func (r *Registry) Release(svc *Service) {
	r.Lock()
	defer r.Unlock()

	if i := int(svc.Handle - HandleBase); i >= 0 && i < MaxServices && r.services[i] == svc {
		r.services[i] = nil
	}
}

// Find returns the handle of the service registered under name.
func (r *Registry) Find(name string) (Handle, error) {
	r.Lock()
	defer r.Unlock()

	for _, s := range r.services {
		if s != nil && s.Name == name {
			return s.Handle, nil
		}
	}

	return 0, NOENT
}

// Lookup resolves a service handle.
func (r *Registry) Lookup(h Handle) (*Service, Status) {
	if h < HandleBase || h >= HandleBase+MaxServices {
		return nil, BADH
	}

	r.Lock()
	defer r.Unlock()

	if svc := r.services[h-HandleBase]; svc != nil {
		return svc, OK
	}

	return nil, NOENT
}

// Services returns all registered services.
func (r *Registry) Services() (svcs []*Service) {
	r.Lock()
	defer r.Unlock()

	for _, s := range r.services {
		if s != nil {
			svcs = append(svcs, s)
		}
	}

	return
}

// WaitStarted blocks until the first n registered services have parked on
// Wait at least once.
func (r *Registry) WaitStarted(ctx context.Context, n int) (err error) {
	if n <= 0 {
		return
	}

	if n > 32 {
		return INVALID
	}

	mask := uint32(1<<uint(n) - 1)

	if n == 32 {
		mask = ^uint32(0)
	}

	_, err = r.started.WaitAll(ctx, mask)

	return
}
