// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tssi

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// Monitor represents the Secure World side of the protocol, its Invoke
// method is the SMC handler entry point.
type Monitor struct {
	// Registry is the service table
	Registry *Registry
	// Memory is the physical memory shared with the NonSecure World
	Memory *mem.Space
	// NonSecure describes the memory the NonSecure World may pass
	NonSecure mem.Table

	flags uint32
	wake  chan struct{}
}

// NewMonitor returns a monitor serving the NonSecure World memory table.
func NewMonitor(memory *mem.Space, ns mem.Table) *Monitor {
	return &Monitor{
		Registry:  &Registry{},
		Memory:    memory,
		NonSecure: ns,
		wake:      make(chan struct{}, 1),
	}
}

// Signal sets event flags to be returned to the NonSecure World along with
// the next Invoke result, an idling caller is woken up.
func (m *Monitor) Signal(flags uint32) {
	for {
		old := atomic.LoadUint32(&m.flags)

		if atomic.CompareAndSwapUint32(&m.flags, old, old|flags) {
			break
		}
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Invoke services a NonSecure World call to handle h with the shared memory
// span [data, data+size), waiting at most yield for its completion before
// returning INTR.
func (m *Monitor) Invoke(h Handle, data uint32, size uint32, yield time.Duration) Result {
	status := m.invoke(h, data, size, yield)
	return MakeResult(status, atomic.SwapUint32(&m.flags, 0))
}

func (m *Monitor) invoke(h Handle, data uint32, size uint32, yield time.Duration) Status {
	switch h {
	case VECTOR:
		return INVALID
	case DISCOVERY:
		return m.discover(data, size)
	case STQRY:
		svc, st := m.Registry.Lookup(Handle(data))

		if st != OK {
			return st
		}

		if !svc.isPending() {
			return INVALID
		}

		return m.await(svc, yield)
	case IDLE:
		m.idle(yield)
		return OK
	}

	if !m.NonSecure.IsValidReadRange(data, size) {
		log.Printf("SM rejected call to %#x with invalid span %#x-%#x", h, data, data+size)
		return INVALID
	}

	svc, st := m.Registry.Lookup(h)

	if st != OK {
		return st
	}

	if st = svc.post(Request{Data: data, Size: size}); st != OK {
		return st
	}

	return m.await(svc, yield)
}

func (m *Monitor) discover(data uint32, size uint32) Status {
	if size == 0 || size > NameLength {
		return INVALID
	}

	n := m.NonSecure.CheckString(m.Memory, data, size)

	if n == 0 {
		return INVALID
	}

	name, err := m.Memory.String(data, n-1)

	if err != nil {
		return INVALID
	}

	h, err := m.Registry.Find(name)

	if err != nil {
		return NOENT
	}

	return Status(h)
}

func (m *Monitor) await(svc *Service, yield time.Duration) Status {
	if yield <= 0 {
		select {
		case st := <-svc.done:
			svc.collect()
			return st
		default:
			return INTR
		}
	}

	t := time.NewTimer(yield)
	defer t.Stop()

	select {
	case st := <-svc.done:
		svc.collect()
		return st
	case <-t.C:
		return INTR
	}
}

// idle donates up to yield to the Secure World, returning early when flags
// are signaled.
func (m *Monitor) idle(yield time.Duration) {
	if atomic.LoadUint32(&m.flags) != 0 || yield <= 0 {
		return
	}

	t := time.NewTimer(yield)
	defer t.Stop()

	select {
	case <-m.wake:
	case <-t.C:
	}
}
