// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tssi

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/usbarmory/GoTEE-sandbox/event"
	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// Default client parameters
const (
	GrantedTimeSlice = 2 * time.Millisecond
	IdleTimeSlice    = 50 * time.Millisecond
	DefaultRetries   = 1000
)

// Client represents the NonSecure World side of the protocol.
type Client struct {
	// Gate is the transition into the Secure World
	Gate Gate
	// Memory is the NonSecure World memory
	Memory *mem.Space
	// Events receives the event flags piggybacked on each result
	Events *event.Source

	// Slice is the time granted to the Secure World on each call and
	// slept between retries
	Slice time.Duration
	// Idle is the time donated by Idle calls
	Idle time.Duration
	// Retries bounds the retries on BUSY or INTR results
	Retries uint64
}

// NewClient returns a client with default parameters.
func NewClient(gate Gate, memory *mem.Space) *Client {
	return &Client{
		Gate:    gate,
		Memory:  memory,
		Events:  &event.Source{},
		Slice:   GrantedTimeSlice,
		Idle:    IdleTimeSlice,
		Retries: DefaultRetries,
	}
}

func (c *Client) call(h Handle, data uint32, size uint32) Status {
	res := c.Gate.Invoke(h, data, size, c.Slice)

	if flags := res.Flags(); flags != 0 && c.Events != nil {
		c.Events.Broadcast(flags)
	}

	return res.Status()
}

func (c *Client) invoke(ctx context.Context, h Handle, data uint32, size uint32, b backoff.BackOff) (st Status) {
	first := true

	op := func() error {
		switch {
		case first:
			first = false
			st = c.call(h, data, size)
		case st == INTR:
			st = c.call(STQRY, uint32(h), 0)
		case st == BUSY:
			st = c.call(h, data, size)
		}

		if st == INTR || st == BUSY {
			return st
		}

		return nil
	}

	b = backoff.WithMaxRetries(b, c.Retries)

	if ctx != nil {
		b = backoff.WithContext(b, ctx)
	}

	_ = backoff.Retry(op, b)

	return
}

// InvokeService calls a service, on BUSY or INTR results the call is
// retried after sleeping one time slice, for a bounded number of times.
func (c *Client) InvokeService(ctx context.Context, h Handle, data uint32, size uint32) Status {
	return c.invoke(ctx, h, data, size, backoff.NewConstantBackOff(c.Slice))
}

// InvokeServiceNoYield calls a service like InvokeService without sleeping
// between retries.
func (c *Client) InvokeServiceNoYield(ctx context.Context, h Handle, data uint32, size uint32) Status {
	return c.invoke(ctx, h, data, size, &backoff.ZeroBackOff{})
}

// Discover resolves the service name stored, NUL terminated, at addr.
func (c *Client) Discover(addr uint32, size uint32) (h Handle, err error) {
	st := c.call(DISCOVERY, addr, size)

	if st < 0 {
		return 0, st
	}

	return Handle(st), nil
}

// DiscoverName resolves a service name using scratch as NonSecure World
// buffer.
func (c *Client) DiscoverName(name string, scratch uint32) (h Handle, err error) {
	if len(name) >= NameLength {
		return 0, INVALID
	}

	buf := append([]byte(name), 0)

	if err = c.Memory.Write(scratch, buf); err != nil {
		return
	}

	return c.Discover(scratch, uint32(len(buf)))
}

// Yield donates idle time to the Secure World.
func (c *Client) Yield() {
	res := c.Gate.Invoke(IDLE, 0, 0, c.Idle)

	if flags := res.Flags(); flags != 0 && c.Events != nil {
		c.Events.Broadcast(flags)
	}
}

// IdleLoop donates idle time until ctx is done, it represents the NonSecure
// World idle thread and keeps piggybacked flags flowing.
func (c *Client) IdleLoop(ctx context.Context) {
	for ctx.Err() == nil {
		c.Yield()
	}
}
