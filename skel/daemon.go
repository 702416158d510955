// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package skel implements NonSecure World skeleton daemons, executing
// operations queued by Secure World stubs.
package skel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/GoTEE-sandbox/stubs"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

// DefaultPoll bounds the wait for a new operation flag.
const DefaultPoll = 100 * time.Millisecond

// Method represents an operation implementation, it must conclude the call
// with Return.
type Method func(c *Call) error

// Outs maps parameter indexes to returned data.
type Outs map[int][]byte

// Daemon represents a skeleton daemon serving one stub service.
type Daemon struct {
	// Service is the stub service name
	Service string
	// Client is the NonSecure World protocol client
	Client *tssi.Client
	// Flag is the event flag signaling new operations
	Flag uint32
	// Base and Size delimit the NonSecure World memory reserved for
	// request descriptors and parameters, split among workers
	Base uint32
	Size uint32
	// Workers is the number of concurrent dispatch loops
	Workers int
	// Poll bounds each wait for new operations
	Poll time.Duration
	// Methods maps operation codes to their implementation
	Methods map[uint32]Method

	handle tssi.Handle
}

type worker struct {
	d    *Daemon
	base uint32
	end  uint32
}

// Start announces the daemon to its stub service and dispatches operations
// until ctx is done or a protocol error occurs.
func (d *Daemon) Start(ctx context.Context) (err error) {
	workers := d.Workers

	if workers <= 0 {
		workers = 1
	}

	window := d.Size / uint32(workers)

	if window <= stubs.ReqSize {
		return errors.New("insufficient daemon memory")
	}

	if d.handle, err = d.Client.DiscoverName(d.Service, d.Base); err != nil {
		return fmt.Errorf("could not discover %s, %v", d.Service, err)
	}

	l := d.Client.Events.Register(d.Flag)
	defer d.Client.Events.Unregister(l)

	ready := &stubs.Req{Req: stubs.READY}
	ready.P[0] = d.Flag

	if st, _, err := d.request(ctx, d.Base, ready); err != nil || st != tssi.OK {
		return fmt.Errorf("could not announce %s, %v %v", d.Service, st, err)
	}

	log.Printf("NS %s skeleton ready handle:%#x workers:%d", d.Service, d.handle, workers)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		w := &worker{
			d:    d,
			base: d.Base + uint32(i)*window,
			end:  d.Base + uint32(i+1)*window,
		}

		g.Go(func() error {
			return w.run(ctx, func(ctx context.Context) error {
				_, err := l.Wait(ctx, d.Flag, false)
				return err
			})
		})
	}

	return g.Wait()
}

func (d *Daemon) request(ctx context.Context, addr uint32, r *stubs.Req) (st tssi.Status, out *stubs.Req, err error) {
	mem := d.Client.Memory

	if err = stubs.WriteReq(mem, addr, r); err != nil {
		return
	}

	st = d.Client.InvokeService(ctx, d.handle, addr, stubs.ReqSize)

	if st == tssi.INTR || st == tssi.BUSY {
		return st, nil, st
	}

	out, err = stubs.ReadReq(mem, addr)

	return
}

func (w *worker) run(ctx context.Context, wait func(context.Context) error) error {
	poll := w.d.Poll

	if poll <= 0 {
		poll = DefaultPoll
	}

	for {
		for {
			st, r, err := w.d.request(ctx, w.base, &stubs.Req{Req: stubs.GETOP})

			if err != nil {
				return err
			}

			if st == tssi.NHND {
				break
			}

			if st != tssi.OK {
				return fmt.Errorf("GETOP failed, %v", st)
			}

			w.dispatch(ctx, r)
		}

		wctx, cancel := context.WithTimeout(ctx, poll)
		_ = wait(wctx)
		cancel()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (w *worker) dispatch(ctx context.Context, r *stubs.Req) {
	c := &Call{
		Code:   r.Code,
		Values: r.P,
		Sizes:  r.Sz,
		ctx:    ctx,
		w:      w,
		op:     r.Op,
		next:   w.base + stubs.ReqSize,
	}

	m, ok := w.d.Methods[r.Code]

	if !ok {
		_ = c.Return(int32(stubs.ENOSYS), nil)
		return
	}

	if err := m(c); err != nil {
		log.Printf("NS %s operation %d error, %v", w.d.Service, r.Code, err)
	}

	// never leave the stub caller suspended
	if !c.returned {
		_ = c.Return(int32(stubs.EIO), nil)
	}
}

// Call represents an operation taken by a daemon.
type Call struct {
	// Code is the operation code
	Code uint32
	// Values holds by value parameters
	Values [stubs.MaxParams]uint32
	// Sizes holds the sizes of indirect parameters
	Sizes [stubs.MaxParams]uint32

	ctx      context.Context
	w        *worker
	op       uint32
	next     uint32
	returned bool
}

func (c *Call) alloc(n uint32) (addr uint32, err error) {
	addr = (c.next + 3) &^ 3

	if addr+n < addr || addr+n > c.w.end {
		return 0, stubs.ENOMEM
	}

	c.next = addr + n

	return
}

// Context returns the daemon context.
func (c *Call) Context() context.Context {
	return c.ctx
}

// In copies the indexed parameters from the stub.
func (c *Call) In(idx ...int) (bufs [stubs.MaxParams][]byte, err error) {
	r := &stubs.Req{
		Req:  stubs.CPYPRMS,
		Op:   c.op,
		Code: c.Code,
	}

	for _, i := range idx {
		if i < 0 || i >= stubs.MaxParams {
			return bufs, stubs.EINVAL
		}

		if r.P[i], err = c.alloc(c.Sizes[i]); err != nil {
			return
		}

		r.Sz[i] = c.Sizes[i]
	}

	st, _, err := c.w.d.request(c.ctx, c.w.base, r)

	if err != nil {
		return
	}

	if st != tssi.OK {
		return bufs, st
	}

	for _, i := range idx {
		bufs[i] = make([]byte, c.Sizes[i])

		if err = c.w.d.Client.Memory.Read(r.P[i], bufs[i]); err != nil {
			return
		}
	}

	return
}

// Return posts the result and the output parameters to the stub,
// completing the call.
func (c *Call) Return(result int32, outs Outs) (err error) {
	r := &stubs.Req{
		Req:    stubs.PUTRES,
		Op:     c.op,
		Code:   c.Code,
		Result: result,
	}

	for i, buf := range outs {
		if i < 0 || i >= stubs.MaxParams {
			return stubs.EINVAL
		}

		if r.P[i], err = c.alloc(uint32(len(buf))); err != nil {
			return
		}

		if err = c.w.d.Client.Memory.Write(r.P[i], buf); err != nil {
			return
		}

		r.Sz[i] = uint32(len(buf))
	}

	c.returned = true

	st, _, err := c.w.d.request(c.ctx, c.w.base, r)

	if err != nil {
		return
	}

	if st != tssi.OK {
		return st
	}

	return
}

// Fail concludes the call with an error result.
func (c *Call) Fail(e stubs.Error) error {
	return c.Return(int32(e), nil)
}
