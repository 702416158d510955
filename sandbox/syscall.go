// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"context"
	"time"
)

// Syscall numbers
const (
	SYS_POSIX          = 0
	SYS_EXIT           = 1
	SYS_GETSYSTIME     = 2
	SYS_GETFREQUENCY   = 3
	SYS_SLEEP          = 4
	SYS_SLEEPUNTIL     = 5
	SYS_WAITMSG        = 6
	SYS_REPLYMSG       = 7
	SYS_WAITONE        = 8
	SYS_WAITANY        = 9
	SYS_WAITALL        = 10
	SYS_BROADCAST      = 11
	SYS_VRQ_SETALARM   = 12
	SYS_VRQ_RESETALARM = 13
	SYS_VRQ_WAIT       = 14
	SYS_VRQ_SETWT      = 16
	SYS_VRQ_CLRWT      = 17
	SYS_VRQ_SETEN      = 18
	SYS_VRQ_CLREN      = 19
	SYS_VRQ_DISABLE    = 20
	SYS_VRQ_ENABLE     = 21
	SYS_VRQ_GETISR     = 22
	SYS_VRQ_RETURN     = 23
	SYS_VRQ_GCSTS      = 24
	SYS_VIO_GPIO       = 32
	SYS_VIO_UART       = 33
	SYS_VIO_SPI        = 34
)

// Timeouts for event waits
const (
	TimeImmediate = 0
	TimeInfinite  = 0xffffffff
)

// MsgReset is the reply of a message released without an answer.
const MsgReset = 0xfffffffe

// Handler services a trapped syscall, results are written in ctx.R[0]. A
// non-nil error terminates the sandbox.
type Handler func(sb *Sandbox, ctx *Context) error

// Syscalls represents a syscall table.
type Syscalls [256]Handler

// NewSyscalls returns a table with all standard syscalls, every other entry
// reports NOT_IMPLEMENTED.
func NewSyscalls() *Syscalls {
	t := &Syscalls{}

	for i := range t {
		t[i] = sysUndefined
	}

	t[SYS_POSIX] = sysPOSIX
	t[SYS_EXIT] = sysExit
	t[SYS_GETSYSTIME] = sysGetSystime
	t[SYS_GETFREQUENCY] = sysGetFrequency
	t[SYS_SLEEP] = sysSleep
	t[SYS_SLEEPUNTIL] = sysSleepUntilWindowed
	t[SYS_WAITMSG] = sysWaitMessage
	t[SYS_REPLYMSG] = sysReplyMessage
	t[SYS_WAITONE] = sysWaitOne
	t[SYS_WAITANY] = sysWaitAny
	t[SYS_WAITALL] = sysWaitAll
	t[SYS_BROADCAST] = sysBroadcastFlags

	t[SYS_VRQ_SETALARM] = sysVRQSetAlarm
	t[SYS_VRQ_RESETALARM] = sysVRQResetAlarm
	t[SYS_VRQ_WAIT] = sysVRQWait
	t[SYS_VRQ_SETWT] = sysVRQSetWait
	t[SYS_VRQ_CLRWT] = sysVRQClearWait
	t[SYS_VRQ_SETEN] = sysVRQSetEnable
	t[SYS_VRQ_CLREN] = sysVRQClearEnable
	t[SYS_VRQ_DISABLE] = sysVRQDisable
	t[SYS_VRQ_ENABLE] = sysVRQEnable
	t[SYS_VRQ_GETISR] = sysVRQGetISR
	t[SYS_VRQ_RETURN] = sysVRQReturn
	t[SYS_VRQ_GCSTS] = sysVRQGetClearStatus

	t[SYS_VIO_GPIO] = sysGPIO
	t[SYS_VIO_UART] = sysUART
	t[SYS_VIO_SPI] = sysSPI

	return t
}

// Set installs a handler, a nil handler restores the undefined one.
func (t *Syscalls) Set(n uint8, h Handler) {
	if h == nil {
		h = sysUndefined
	}

	t[n] = h
}

// Dispatch services syscall n for the trapped frame ctx, delivering any
// pending VRQ on exit. A non-nil error means that the sandbox must be
// terminated, ErrExit for a voluntary exit.
//
// The context is owned by the handler until Dispatch returns, VRQs raised
// meanwhile are only marked pending.
func (sb *Sandbox) Dispatch(n uint8, ctx *Context) (err error) {
	sb.mu.Lock()
	sb.privileged = true
	sb.mu.Unlock()

	defer func() {
		sb.mu.Lock()
		sb.privileged = false
		sb.mu.Unlock()
	}()

	if err = sb.Syscalls[n](sb, ctx); err != nil {
		return
	}

	return sb.vrqCheckPending(ctx)
}

// RunContext returns the context of the current run, custom handlers
// blocking on host resources must abort when it is done.
func (sb *Sandbox) RunContext() context.Context {
	return sb.context
}

// CopyIn reads sandbox memory readable within its region table.
func (sb *Sandbox) CopyIn(addr uint32, buf []byte) error {
	if !sb.regions.IsValidReadRange(addr, uint32(len(buf))) {
		return EFAULT
	}

	if err := sb.Memory.Read(addr, buf); err != nil {
		return EFAULT
	}

	return nil
}

// CopyOut writes sandbox memory writable within its region table.
func (sb *Sandbox) CopyOut(addr uint32, buf []byte) error {
	if !sb.regions.IsValidWriteRange(addr, uint32(len(buf))) {
		return EFAULT
	}

	if err := sb.Memory.Write(addr, buf); err != nil {
		return EFAULT
	}

	return nil
}

func result(ctx *Context, e Errno) {
	ctx.R[0] = uint32(e)
}

func sysUndefined(sb *Sandbox, ctx *Context) error {
	if sb.limiter.Allow() {
		sb.logf("unimplemented syscall pc:%#.8x", ctx.PC)
	}

	result(ctx, NOT_IMPLEMENTED)
	return nil
}

func sysExit(sb *Sandbox, ctx *Context) error {
	sb.mu.Lock()
	sb.exit = int32(ctx.R[0])
	sb.mu.Unlock()

	return ErrExit
}

func sysGetSystime(sb *Sandbox, ctx *Context) error {
	ctx.R[0] = sb.ticks()
	return nil
}

func sysGetFrequency(sb *Sandbox, ctx *Context) error {
	ctx.R[0] = TickFrequency
	return nil
}

func (sb *Sandbox) sleep(d time.Duration) error {
	if d == 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-sb.context.Done():
		return sb.context.Err()
	}
}

func sysSleep(sb *Sandbox, ctx *Context) (err error) {
	if err = sb.sleep(ticksToDuration(ctx.R[0])); err != nil {
		return
	}

	result(ctx, NOERROR)
	return
}

func sysSleepUntilWindowed(sb *Sandbox, ctx *Context) (err error) {
	prev := ctx.R[0]
	next := ctx.R[1]
	now := sb.ticks()

	if now-prev < next-prev {
		if err = sb.sleep(ticksToDuration(next - now)); err != nil {
			return
		}
	}

	result(ctx, NOERROR)
	return
}

type message struct {
	val   uint32
	reply chan uint32
}

// SendMessage sends a message to the sandbox and waits for its reply, a
// message released without answer is replied with MsgReset.
func (sb *Sandbox) SendMessage(ctx context.Context, val uint32) (reply uint32, err error) {
	m := &message{
		val:   val,
		reply: make(chan uint32, 1),
	}

	sb.mu.Lock()
	running := sb.running
	done := sb.done
	sb.mu.Unlock()

	if !running {
		return 0, EBADF
	}

	select {
	case sb.msgs <- m:
	case <-done:
		return 0, EBADF
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case reply = <-m.reply:
		return
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func sysWaitMessage(sb *Sandbox, ctx *Context) error {
	if sb.held != nil {
		sb.held.reply <- MsgReset
		sb.held = nil
		result(ctx, EBUSY)
		return nil
	}

	select {
	case m := <-sb.msgs:
		sb.held = m
		ctx.R[0] = m.val
	case <-sb.context.Done():
		return sb.context.Err()
	}

	return nil
}

func sysReplyMessage(sb *Sandbox, ctx *Context) error {
	if sb.held == nil {
		result(ctx, EBUSY)
		return nil
	}

	sb.held.reply <- ctx.R[0]
	sb.held = nil

	result(ctx, NOERROR)
	return nil
}

// waitEvents returns the matched events, 0 on timeout.
func (sb *Sandbox) waitEvents(mask uint32, timeout uint32, all bool, one bool) (events uint32, err error) {
	ctx := sb.context

	switch timeout {
	case TimeInfinite:
	case TimeImmediate:
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		cancel()
	default:
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ticksToDuration(timeout))
		defer cancel()
	}

	if one {
		events, err = sb.events.WaitAny(ctx, mask)

		if err == nil {
			events &= -events
			sb.events.Clear(events)
		}
	} else {
		events, err = sb.events.Take(ctx, mask, all)
	}

	if err != nil {
		if err = sb.context.Err(); err != nil {
			return
		}

		return 0, nil
	}

	return
}

func sysWaitOne(sb *Sandbox, ctx *Context) (err error) {
	ctx.R[0], err = sb.waitEvents(ctx.R[0], ctx.R[1], false, true)
	return
}

func sysWaitAny(sb *Sandbox, ctx *Context) (err error) {
	ctx.R[0], err = sb.waitEvents(ctx.R[0], ctx.R[1], false, false)
	return
}

func sysWaitAll(sb *Sandbox, ctx *Context) (err error) {
	ctx.R[0], err = sb.waitEvents(ctx.R[0], ctx.R[1], true, false)
	return
}

func sysBroadcastFlags(sb *Sandbox, ctx *Context) error {
	sb.Events.Broadcast(ctx.R[0])
	result(ctx, NOERROR)
	return nil
}
