// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package event

import (
	"context"
	"testing"
	"time"
)

func TestWaitAll(t *testing.T) {
	var f Flags

	done := make(chan uint32)

	go func() {
		m, _ := f.WaitAll(context.Background(), 0b111)
		done <- m
	}()

	// out of order, incomplete
	f.Set(0b100)
	f.Set(0b001)

	select {
	case <-done:
		t.Fatal("WaitAll returned before all bits were set")
	case <-time.After(20 * time.Millisecond):
	}

	f.Set(0b010)

	select {
	case m := <-done:
		if m != 0b111 {
			t.Errorf("WaitAll = %#b", m)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not return")
	}

	if f.Get() != 0b111 {
		t.Errorf("WaitAll consumed flags")
	}
}

func TestTake(t *testing.T) {
	var f Flags

	f.Set(0b1010)

	m, err := f.Take(context.Background(), 0b0011, false)

	if err != nil || m != 0b0010 {
		t.Fatalf("Take = %#b, %v", m, err)
	}

	if f.Get() != 0b1000 {
		t.Errorf("flags after Take = %#b", f.Get())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Take(ctx, 0b0001, false); err != context.DeadlineExceeded {
		t.Errorf("Take on unset flag = %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	var s Source

	a := s.Register(0b01)
	b := s.Register(0)

	s.Broadcast(0b11)

	if a.Get() != 0b01 || b.Get() != 0b11 {
		t.Errorf("listener flags a:%#b b:%#b", a.Get(), b.Get())
	}

	s.Unregister(b)
	b.Clear(^uint32(0))
	s.Broadcast(0b10)

	if b.Get() != 0 {
		t.Errorf("unregistered listener received %#b", b.Get())
	}

	m, err := a.Wait(context.Background(), 0b01, false)

	if err != nil || m != 0b01 {
		t.Errorf("Wait = %#b, %v", m, err)
	}
}
