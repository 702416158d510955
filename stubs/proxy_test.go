// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package stubs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

const (
	nsBase  = 0x80000000
	nsSize  = 0x10000
	reqAddr = nsBase
	bufAddr = nsBase + 0x1000
)

type result struct {
	res int32
	err error
}

type harness struct {
	t *testing.T
	m *tssi.Monitor
	p *Proxy
}

func newHarness(t *testing.T) (h *harness, cancel context.CancelFunc) {
	m := tssi.NewMonitor(mem.NewSpace(nsBase, nsSize), mem.NonSecureTable(nsBase, nsSize))
	p, err := NewProxy(m, "TestStubs", 1<<0, 4)

	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go p.Serve(ctx)

	if err = m.Registry.WaitStarted(ctx, 1); err != nil {
		t.Fatal(err)
	}

	return &harness{t: t, m: m, p: p}, cancel
}

func (h *harness) request(r *Req) (tssi.Status, *Req) {
	if err := WriteReq(h.m.Memory, reqAddr, r); err != nil {
		h.t.Fatal(err)
	}

	st := h.m.Invoke(h.p.Service().Handle, reqAddr, ReqSize, time.Second).Status()
	out, _ := ReadReq(h.m.Memory, reqAddr)

	return st, out
}

func (h *harness) call(code uint32, params ...Param) chan result {
	c := make(chan result, 1)
	n := h.queued()

	go func() {
		res, err := h.p.Call(context.Background(), code, params...)
		c <- result{res, err}
	}()

	for h.queued() == n {
		time.Sleep(time.Millisecond)
	}

	return c
}

func (h *harness) queued() int {
	h.p.Lock()
	defer h.p.Unlock()

	return len(h.p.queue)
}

func (h *harness) getOp() *Req {
	st, r := h.request(&Req{Req: GETOP})

	if st != tssi.OK {
		h.t.Fatalf("GETOP = %v", st)
	}

	return r
}

func TestFIFO(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()

	var results []chan result

	// queued while no skeleton drains
	for code := uint32(10); code < 13; code++ {
		results = append(results, h.call(code, Value(code*2)))
	}

	var got []uint32
	var reqs []*Req

	for range results {
		r := h.getOp()
		got = append(got, r.Code, r.P[0])
		reqs = append(reqs, r)
	}

	if diff := cmp.Diff([]uint32{10, 20, 11, 22, 12, 24}, got); diff != "" {
		t.Errorf("GETOP order mismatch (-want +got):\n%s", diff)
	}

	if st, _ := h.request(&Req{Req: GETOP}); st != tssi.NHND {
		t.Errorf("GETOP on empty queue = %v, want NHND", st)
	}

	for i, r := range reqs {
		r.Req = PUTRES
		r.Result = int32(100 + i)

		if st, _ := h.request(r); st != tssi.OK {
			t.Fatalf("PUTRES = %v", st)
		}

		if res := <-results[i]; res.res != int32(100+i) || res.err != nil {
			t.Errorf("call %d = %+v", i, res)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()

	in := []byte("hello world")
	out := make([]byte, 16)

	c := h.call(5, In(in), Out(out))
	r := h.getOp()

	if diff := cmp.Diff([MaxParams]uint32{11, 16}, r.Sz); diff != "" {
		t.Errorf("GETOP sizes mismatch (-want +got):\n%s", diff)
	}

	r.Req = CPYPRMS
	r.P[0] = bufAddr

	if st, _ := h.request(r); st != tssi.OK {
		t.Fatalf("CPYPRMS = %v", st)
	}

	got := make([]byte, len(in))
	h.m.Memory.Read(bufAddr, got)

	if !bytes.Equal(got, in) {
		t.Errorf("copied params = %q, want %q", got, in)
	}

	h.m.Memory.Write(bufAddr+0x100, []byte("response, too long"))

	r.Req = PUTRES
	r.P[1] = bufAddr + 0x100
	r.Sz[1] = 17
	r.Result = 8

	// exceeds the declared capacity
	if st, _ := h.request(r); st != tssi.INVALID {
		t.Errorf("oversized PUTRES = %v, want INVALID", st)
	}

	if !bytes.Equal(out, make([]byte, 16)) {
		t.Errorf("rejected PUTRES modified caller memory: %q", out)
	}

	r.Sz[1] = 8

	if st, _ := h.request(r); st != tssi.OK {
		t.Fatalf("PUTRES = %v", st)
	}

	if res := <-c; res.res != 8 {
		t.Errorf("result = %+v", res)
	}

	if string(out[:8]) != "response" {
		t.Errorf("out = %q", out[:8])
	}

	// completed records are not pending anymore
	if st, _ := h.request(r); st != tssi.INVALID {
		t.Errorf("replayed PUTRES = %v, want INVALID", st)
	}
}

func TestConsistency(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()

	c := h.call(7, In([]byte("secret")))
	r := h.getOp()

	for _, tc := range []struct {
		name string
		mod  func(r *Req)
	}{
		{"code mismatch", func(r *Req) { r.Code = 8 }},
		{"misaligned handle", func(r *Req) { r.Op += 4 }},
		{"handle out of pool", func(r *Req) { r.Op += OpHandleStride * 4 }},
		{"handle below pool", func(r *Req) { r.Op = 0x1000 }},
		{"destination out of range", func(r *Req) { r.P[0] = nsBase + nsSize - 2 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := *r
			req.Req = CPYPRMS
			req.P[0] = bufAddr
			tc.mod(&req)

			h.m.Memory.Zero(bufAddr, 16)

			if st, _ := h.request(&req); st != tssi.INVALID {
				t.Errorf("CPYPRMS = %v, want INVALID", st)
			}

			got := make([]byte, 6)
			h.m.Memory.Read(bufAddr, got)

			if !bytes.Equal(got, make([]byte, 6)) {
				t.Errorf("rejected CPYPRMS modified memory: %q", got)
			}
		})
	}

	r.Req = PUTRES
	r.Code = 9

	if st, _ := h.request(r); st != tssi.INVALID {
		t.Errorf("PUTRES with stale code = %v, want INVALID", st)
	}

	r.Code = 7

	if st, _ := h.request(r); st != tssi.OK {
		t.Errorf("PUTRES = %v", st)
	}

	<-c
}

func TestReady(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()

	done := make(chan error)

	go func() {
		done <- h.p.WaitReady(context.Background(), 0b11)
	}()

	h.request(&Req{Req: READY, P: [MaxParams]uint32{0b10}})

	select {
	case <-done:
		t.Fatal("WaitReady returned early")
	case <-time.After(20 * time.Millisecond):
	}

	h.request(&Req{Req: READY, P: [MaxParams]uint32{0b01}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitReady did not return")
	}
}

func TestWithdraw(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()

	ctx, cancelCall := context.WithCancel(context.Background())
	done := make(chan error)

	go func() {
		_, err := h.p.Call(ctx, 1)
		done <- err
	}()

	for h.queued() == 0 {
		time.Sleep(time.Millisecond)
	}

	cancelCall()

	if err := <-done; err != context.Canceled {
		t.Errorf("cancelled call = %v", err)
	}

	if st, _ := h.request(&Req{Req: GETOP}); st != tssi.NHND {
		t.Errorf("GETOP after withdrawal = %v, want NHND", st)
	}
}

func TestSetParams(t *testing.T) {
	op := &Op{}

	if err := op.SetParams(make([]Param, MaxParams+1)...); err == nil {
		t.Errorf("SetParams accepted too many parameters")
	}

	if err := op.Set(MaxParams, Value(1)); err == nil {
		t.Errorf("Set accepted an out of range index")
	}

	if err := op.Set(0, Param{Dir: INOUT + 1}); err == nil {
		t.Errorf("Set accepted an invalid direction")
	}
}

func TestReqEncoding(t *testing.T) {
	r := &Req{Req: PUTRES, Op: 0x50100040, Code: 3, Result: -22}
	r.P[5] = 0xdeadbeef
	r.Sz[0] = 512

	var got Req
	got.Parse(r.Bytes())

	if diff := cmp.Diff(*r, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}
