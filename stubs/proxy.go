// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package stubs

import (
	"context"
	"log"
	"sync"

	"github.com/usbarmory/GoTEE-sandbox/event"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

// Operation handles are opaque to the NonSecure World.
const (
	OpHandleBase   = 0x50000000
	OpHandleStride = 0x40
)

// DefaultPoolSize is the default number of in-flight operations per proxy.
const DefaultPoolSize = 8

// Proxy represents a stub service, it queues operations for a NonSecure
// World skeleton daemon and services its requests.
type Proxy struct {
	sync.Mutex

	// NewOpFlag is signaled to the NonSecure World when operations are
	// queued.
	NewOpFlag uint32

	monitor *tssi.Monitor
	svc     *tssi.Service
	base    uint32

	ops   []*Op
	pool  chan *Op
	queue []*Op
	ready event.Flags
}

// NewProxy registers a stub service on the monitor.
func NewProxy(m *tssi.Monitor, name string, flag uint32, size int) (p *Proxy, err error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	svc, err := m.Registry.Register(name)

	if err != nil {
		return
	}

	p = &Proxy{
		NewOpFlag: flag,
		monitor:   m,
		svc:       svc,
		base:      OpHandleBase | uint32(svc.Handle)<<16,
		pool:      make(chan *Op, size),
	}

	for i := 0; i < size; i++ {
		op := &Op{
			index: i,
			done:  make(chan struct{}, 1),
			proxy: p,
		}

		p.ops = append(p.ops, op)
		p.pool <- op
	}

	return
}

// Service returns the proxy TSSI service.
func (p *Proxy) Service() *tssi.Service {
	return p.svc
}

// NewOp takes an operation from the pool, blocking while the pool is
// exhausted.
func (p *Proxy) NewOp(ctx context.Context, code uint32) (op *Op, err error) {
	select {
	case op = <-p.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	op.Code = code

	return
}

func (p *Proxy) release(op *Op) {
	op.reset()
	p.pool <- op
}

// CallRemote queues the operation for the skeleton and waits for its
// result. The operation is returned to the pool.
//
// A cancelled context withdraws an operation only before the skeleton took
// it, afterwards the call always waits for its result.
func (p *Proxy) CallRemote(ctx context.Context, op *Op) (res int32, err error) {
	p.Lock()
	op.state = opCalling
	p.queue = append(p.queue, op)
	p.Unlock()

	p.monitor.Signal(p.NewOpFlag)

	select {
	case <-op.done:
	case <-ctx.Done():
		if p.withdraw(op) {
			p.release(op)
			return 0, ctx.Err()
		}

		<-op.done
	}

	res = op.result
	p.release(op)

	return
}

func (p *Proxy) withdraw(op *Op) bool {
	p.Lock()
	defer p.Unlock()

	if op.state != opCalling {
		return false
	}

	for i, o := range p.queue {
		if o == op {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}

	return false
}

// Call is a convenience wrapper around NewOp and CallRemote.
func (p *Proxy) Call(ctx context.Context, code uint32, params ...Param) (res int32, err error) {
	op, err := p.NewOp(ctx, code)

	if err != nil {
		return
	}

	if err = op.SetParams(params...); err != nil {
		p.release(op)
		return
	}

	return p.CallRemote(ctx, op)
}

// WaitReady blocks until the skeletons announcing all mask flags are ready.
func (p *Proxy) WaitReady(ctx context.Context, mask uint32) (err error) {
	_, err = p.ready.WaitAll(ctx, mask)
	return
}

// Serve services skeleton requests until ctx is done.
func (p *Proxy) Serve(ctx context.Context) error {
	return p.svc.Serve(ctx, p.handle)
}

func (p *Proxy) handle(req tssi.Request) tssi.Status {
	m := p.monitor

	if req.Size < ReqSize || !m.NonSecure.IsValidWriteRange(req.Data, ReqSize) {
		return tssi.INVALID
	}

	r, err := ReadReq(m.Memory, req.Data)

	if err != nil {
		return tssi.INVALID
	}

	switch r.Req {
	case GETOP:
		return p.getOp(req.Data, r)
	case CPYPRMS:
		return p.copyParams(r)
	case PUTRES:
		return p.putResult(r)
	case READY:
		p.ready.Set(r.P[0])
		return tssi.OK
	default:
		log.Printf("SM %s invalid skeleton request %d", p.svc.Name, r.Req)
		return tssi.INVALID
	}
}

func (p *Proxy) handleOf(op *Op) uint32 {
	return p.base + uint32(op.index)*OpHandleStride
}

// lookup resolves an operation handle to a pool member.
func (p *Proxy) lookup(h uint32) *Op {
	if h < p.base {
		return nil
	}

	off := h - p.base

	if off%OpHandleStride != 0 {
		return nil
	}

	if i := off / OpHandleStride; i < uint32(len(p.ops)) {
		return p.ops[i]
	}

	return nil
}

func (p *Proxy) getOp(addr uint32, r *Req) tssi.Status {
	p.Lock()
	defer p.Unlock()

	if len(p.queue) == 0 {
		return tssi.NHND
	}

	op := p.queue[0]

	r.Op = p.handleOf(op)
	r.Code = op.Code
	r.Result = 0

	for i, prm := range op.params {
		r.P[i] = 0
		r.Sz[i] = 0

		switch prm.Dir {
		case NONE:
			r.P[i] = prm.Value
		default:
			r.Sz[i] = uint32(len(prm.Buf))
		}
	}

	if err := WriteReq(p.monitor.Memory, addr, r); err != nil {
		return tssi.INVALID
	}

	p.queue = p.queue[1:]
	op.state = opPending

	return tssi.OK
}

// pending returns the operation referenced by the request, provided it is
// pending with a matching code.
func (p *Proxy) pending(r *Req) *Op {
	op := p.lookup(r.Op)

	if op == nil || op.state != opPending || op.Code != r.Code {
		return nil
	}

	return op
}

func (p *Proxy) copyParams(r *Req) tssi.Status {
	p.Lock()
	defer p.Unlock()

	m := p.monitor
	op := p.pending(r)

	if op == nil {
		return tssi.INVALID
	}

	for i, prm := range op.params {
		if prm.Dir.in() && !m.NonSecure.IsValidWriteRange(r.P[i], uint32(len(prm.Buf))) {
			return tssi.INVALID
		}
	}

	for i, prm := range op.params {
		if !prm.Dir.in() || len(prm.Buf) == 0 {
			continue
		}

		if err := m.Memory.Write(r.P[i], prm.Buf); err != nil {
			return tssi.INVALID
		}
	}

	return tssi.OK
}

func (p *Proxy) putResult(r *Req) tssi.Status {
	p.Lock()
	defer p.Unlock()

	m := p.monitor
	op := p.pending(r)

	if op == nil {
		return tssi.INVALID
	}

	for i, prm := range op.params {
		if !prm.Dir.out() {
			continue
		}

		if r.Sz[i] > uint32(len(prm.Buf)) || !m.NonSecure.IsValidReadRange(r.P[i], r.Sz[i]) {
			return tssi.INVALID
		}
	}

	for i, prm := range op.params {
		if !prm.Dir.out() || r.Sz[i] == 0 {
			continue
		}

		if err := m.Memory.Read(r.P[i], prm.Buf[:r.Sz[i]]); err != nil {
			return tssi.INVALID
		}
	}

	op.result = r.Result
	op.state = opFree
	op.done <- struct{}{}

	return tssi.OK
}
