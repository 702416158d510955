// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tssi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

const (
	nsBase = 0x80000000
	nsSize = 0x10000
)

func testMonitor() *Monitor {
	return NewMonitor(mem.NewSpace(nsBase, nsSize), mem.NonSecureTable(nsBase, nsSize))
}

func TestRegisterUnique(t *testing.T) {
	r := &Registry{}

	foo, err := r.Register("Foo")

	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Register("Foo"); err != EXIST {
		t.Errorf("second Register = %v, want EXIST", err)
	}

	if h, err := r.Find("Foo"); err != nil || h != foo.Handle {
		t.Errorf("Find = %#x, %v, want %#x", h, err, foo.Handle)
	}

	if _, err := r.Register(""); err != INVALID {
		t.Errorf("empty name = %v, want INVALID", err)
	}

	if _, err := r.Register("ThisNameIsTooLong"); err != INVALID {
		t.Errorf("long name = %v, want INVALID", err)
	}
}

func TestRegistryFull(t *testing.T) {
	r := &Registry{}

	for i := 0; i < MaxServices; i++ {
		if _, err := r.Register(string(rune('A' + i))); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := r.Register("Overflow"); err != NHND {
		t.Errorf("Register on full table = %v, want NHND", err)
	}
}

func TestLookup(t *testing.T) {
	r := &Registry{}
	svc, _ := r.Register("Foo")

	for _, tc := range []struct {
		h    Handle
		want Status
	}{
		{svc.Handle, OK},
		{svc.Handle + 1, NOENT},
		{HandleBase - 1, BADH},
		{HandleBase + MaxServices, BADH},
	} {
		if _, st := r.Lookup(tc.h); st != tc.want {
			t.Errorf("Lookup(%#x) = %v, want %v", tc.h, st, tc.want)
		}
	}
}

func TestDiscovery(t *testing.T) {
	m := testMonitor()
	c := NewClient(m, m.Memory)

	foo, _ := m.Registry.Register("Foo")

	h, err := c.DiscoverName("Foo", nsBase)

	if err != nil || h != foo.Handle {
		t.Errorf("discover Foo = %#x, %v, want %#x", h, err, foo.Handle)
	}

	if _, err = c.DiscoverName("Bar", nsBase); err != NOENT {
		t.Errorf("discover Bar = %v, want NOENT", err)
	}

	// name outside of NonSecure memory
	if st := m.Invoke(DISCOVERY, nsBase+nsSize, 4, 0).Status(); st != INVALID {
		t.Errorf("discover out of range = %v, want INVALID", st)
	}
}

func TestWaitStarted(t *testing.T) {
	r := &Registry{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var svcs []*Service

	for _, name := range []string{"A", "B", "C"} {
		svc, _ := r.Register(name)
		svcs = append(svcs, svc)
	}

	done := make(chan error)

	go func() {
		done <- r.WaitStarted(context.Background(), 3)
	}()

	// start out of order, leaving one behind
	go svcs[2].Wait(ctx)
	go svcs[0].Wait(ctx)

	select {
	case <-done:
		t.Fatal("WaitStarted returned before all services started")
	case <-time.After(20 * time.Millisecond):
	}

	go svcs[1].Wait(ctx)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitStarted did not return")
	}
}

func echoService(t *testing.T, m *Monitor, name string, delay time.Duration) (*Service, context.CancelFunc) {
	svc, err := m.Registry.Register(name)

	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go svc.Serve(ctx, func(req Request) Status {
		time.Sleep(delay)
		return Status(req.Size)
	})

	if err := m.Registry.WaitStarted(context.Background(), svc.Order+1); err != nil {
		t.Fatal(err)
	}

	return svc, cancel
}

func TestInvoke(t *testing.T) {
	m := testMonitor()
	svc, cancel := echoService(t, m, "Echo", 0)
	defer cancel()

	m.Signal(0x4)

	res := m.Invoke(svc.Handle, nsBase, 42, time.Second)

	if diff := cmp.Diff([]uint32{42, 0x4}, []uint32{uint32(res.Status()), res.Flags()}); diff != "" {
		t.Errorf("Invoke result mismatch (-want +got):\n%s", diff)
	}

	if st := m.Invoke(svc.Handle, nsBase+nsSize-4, 8, time.Second).Status(); st != INVALID {
		t.Errorf("Invoke with invalid span = %v, want INVALID", st)
	}

	if st := m.Invoke(HandleBase+5, nsBase, 0, time.Second).Status(); st != NOENT {
		t.Errorf("Invoke unregistered = %v, want NOENT", st)
	}

	if st := m.Invoke(0x1000, nsBase, 0, time.Second).Status(); st != BADH {
		t.Errorf("Invoke bad handle = %v, want BADH", st)
	}

	if st := m.Invoke(VECTOR, 0, 0, 0).Status(); st != INVALID {
		t.Errorf("Invoke VECTOR = %v, want INVALID", st)
	}
}

func TestInterruptedRetry(t *testing.T) {
	m := testMonitor()
	svc, cancel := echoService(t, m, "Slow", 30*time.Millisecond)
	defer cancel()

	res := m.Invoke(svc.Handle, nsBase, 7, time.Millisecond)

	if st := res.Status(); st != INTR {
		t.Fatalf("Invoke = %v, want INTR", st)
	}

	// the pending call is not lost
	if st := m.Invoke(svc.Handle, nsBase, 8, 0).Status(); st != BUSY {
		t.Errorf("second Invoke = %v, want BUSY", st)
	}

	if st := m.Invoke(STQRY, uint32(svc.Handle), 0, time.Second).Status(); st != 7 {
		t.Fatalf("STQRY = %v, want 7", st)
	}

	if st := m.Invoke(STQRY, uint32(svc.Handle), 0, 0).Status(); st != INVALID {
		t.Errorf("STQRY without pending call = %v, want INVALID", st)
	}

	c := NewClient(m, m.Memory)

	for _, invoke := range []func(context.Context, Handle, uint32, uint32) Status{
		c.InvokeService,
		c.InvokeServiceNoYield,
	} {
		if st := invoke(context.Background(), svc.Handle, nsBase, 9); st != 9 {
			t.Errorf("InvokeService = %v, want 9", st)
		}
	}
}

func TestRetriesBounded(t *testing.T) {
	m := testMonitor()
	svc, cancel := echoService(t, m, "Stuck", time.Second)
	defer cancel()

	c := NewClient(m, m.Memory)
	c.Slice = time.Millisecond
	c.Retries = 3

	start := time.Now()
	st := c.InvokeService(context.Background(), svc.Handle, nsBase, 1)

	if st != INTR {
		t.Errorf("InvokeService = %v, want INTR", st)
	}

	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("bounded retries took %v", time.Since(start))
	}

	if !errors.Is(st.Err(), INTR) {
		t.Errorf("Err() = %v", st.Err())
	}
}

func TestAbandonedCall(t *testing.T) {
	m := testMonitor()
	svc, cancel := echoService(t, m, "Abandoned", 20*time.Millisecond)
	defer cancel()

	c := NewClient(m, m.Memory)
	c.Slice = time.Millisecond
	c.Retries = 2

	if st := c.InvokeService(context.Background(), svc.Handle, nsBase, 1); st != INTR {
		t.Fatalf("InvokeService = %v, want INTR", st)
	}

	// the abandoned call completes without being collected
	time.Sleep(100 * time.Millisecond)

	c = NewClient(m, m.Memory)
	c.Retries = 50

	if st := c.InvokeService(context.Background(), svc.Handle, nsBase, 2); st != 2 {
		t.Errorf("InvokeService after abandoned call = %v, want 2", st)
	}

	if n := svc.Calls(); n != 2 {
		t.Errorf("Calls() = %d, want 2", n)
	}
}

func TestIdle(t *testing.T) {
	m := testMonitor()
	c := NewClient(m, m.Memory)
	c.Idle = 5 * time.Second

	l := c.Events.Register(0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Signal(0x10)
	}()

	start := time.Now()
	c.Yield()

	if time.Since(start) > time.Second {
		t.Errorf("Idle was not interrupted by Signal")
	}

	if f := l.Get(); f != 0x10 {
		t.Errorf("broadcast flags = %#x, want 0x10", f)
	}
}
