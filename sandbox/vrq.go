// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"fmt"
	"math/bits"
	"time"
)

// MaxVRQ is the number of virtual IRQs per sandbox.
const MaxVRQ = 32

// VRQDisabled is the ISR state bit set while VRQs are globally disabled.
const VRQDisabled = 1

type vrqState struct {
	// pending (wait) and enable masks
	pending uint32
	enabled uint32
	isr     uint32
	flags   [MaxVRQ]uint32

	// delivered counts built return frames
	delivered uint64
	// fault records a failed delivery on a preempted context
	fault error

	wake chan struct{}

	alarm    *time.Timer
	alarmGen uint64
}

func (v *vrqState) reset() {
	v.stopAlarm()

	*v = vrqState{
		alarmGen: v.alarmGen,
		wake:     make(chan struct{}),
	}
}

func (v *vrqState) stopAlarm() {
	v.alarmGen++

	if v.alarm != nil {
		v.alarm.Stop()
		v.alarm = nil
	}
}

func (v *vrqState) active() uint32 {
	return v.pending & v.enabled
}

func (v *vrqState) notify() {
	if v.wake != nil {
		close(v.wake)
	}

	v.wake = make(chan struct{})
}

// vrqPush builds a VRQ return frame on ctx for the lowest active VRQ, the
// caller must hold sb.mu.
func (sb *Sandbox) vrqPush(ctx *Context) (err error) {
	size := sb.Frames.FrameSize()
	sp := ctx.SP - size

	if sp > ctx.SP || !sb.regions.IsValidWriteRange(sp, size) {
		return ErrStackOverflow
	}

	if err = sb.Memory.Zero(sp, size); err != nil {
		return fmt.Errorf("%w, %v", ErrFault, err)
	}

	irq := uint32(bits.TrailingZeros32(sb.vrq.active()))

	sb.vrq.pending &^= 1 << irq
	sb.vrq.isr = VRQDisabled

	if err = sb.Frames.BuildReturnFrame(ctx, sb.header.VRQ, irq); err != nil {
		return fmt.Errorf("%w, %v", ErrFault, err)
	}

	sb.vrq.delivered++

	return
}

func (sb *Sandbox) vrqDeliverable() bool {
	return sb.header.VRQ != 0 && sb.vrq.isr&VRQDisabled == 0 && sb.vrq.active() != 0
}

// vrqCheckPending delivers an active VRQ on trap exit.
func (sb *Sandbox) vrqCheckPending(ctx *Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if !sb.vrqDeliverable() {
		return nil
	}

	return sb.vrqPush(ctx)
}

// Trigger raises VRQ n, it can be called from any goroutine.
//
// A sandbox running unprivileged code on a Preemptible processor gets the
// VRQ frame built on its current context, otherwise delivery happens on
// syscall exit.
func (sb *Sandbox) Trigger(n uint32) error {
	if n >= MaxVRQ {
		return EINVAL
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.vrq.pending |= 1 << n
	sb.vrq.notify()

	if !sb.running || sb.privileged || !sb.preemptible || !sb.vrqDeliverable() {
		return nil
	}

	if sb.vrq.fault != nil {
		return nil
	}

	if err := sb.vrqPush(sb.ctx); err != nil {
		sb.vrq.fault = err
	}

	return nil
}

// TriggerFlags ORs status flags for VRQ n, retrieved by the sandbox with
// SYS_VRQ_GCSTS, and raises it.
func (sb *Sandbox) TriggerFlags(n uint32, flags uint32) error {
	if n >= MaxVRQ {
		return EINVAL
	}

	sb.mu.Lock()
	sb.vrq.flags[n] |= flags
	sb.mu.Unlock()

	return sb.Trigger(n)
}

// VRQState returns the pending, enable and ISR state.
func (sb *Sandbox) VRQState() (pending uint32, enabled uint32, isr uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.vrq.pending, sb.vrq.enabled, sb.vrq.isr
}

func sysVRQSetAlarm(sb *Sandbox, ctx *Context) error {
	interval := ticksToDuration(ctx.R[0])
	reload := ctx.R[1] != 0

	if interval == 0 {
		result(ctx, EINVAL)
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.vrq.stopAlarm()
	gen := sb.vrq.alarmGen

	sb.vrq.alarm = time.AfterFunc(interval, func() {
		sb.Trigger(sb.AlarmVRQ)

		if !reload {
			return
		}

		sb.mu.Lock()
		defer sb.mu.Unlock()

		if sb.vrq.alarmGen == gen && sb.vrq.alarm != nil {
			sb.vrq.alarm.Reset(interval)
		}
	})

	result(ctx, NOERROR)
	return nil
}

func sysVRQResetAlarm(sb *Sandbox, ctx *Context) error {
	sb.mu.Lock()
	sb.vrq.stopAlarm()
	sb.mu.Unlock()

	result(ctx, NOERROR)
	return nil
}

func sysVRQWait(sb *Sandbox, ctx *Context) error {
	for {
		sb.mu.Lock()
		active := sb.vrq.active()
		wake := sb.vrq.wake
		sb.mu.Unlock()

		if active != 0 {
			break
		}

		select {
		case <-wake:
		case <-sb.context.Done():
			return sb.context.Err()
		}
	}

	result(ctx, NOERROR)
	return nil
}

func vrqMask(sb *Sandbox, ctx *Context, mask *uint32, set bool) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	m := ctx.R[0]
	ctx.R[0] = *mask

	if set {
		*mask |= m
	} else {
		*mask &^= m
	}

	return nil
}

func sysVRQSetWait(sb *Sandbox, ctx *Context) error {
	return vrqMask(sb, ctx, &sb.vrq.pending, true)
}

func sysVRQClearWait(sb *Sandbox, ctx *Context) error {
	return vrqMask(sb, ctx, &sb.vrq.pending, false)
}

func sysVRQSetEnable(sb *Sandbox, ctx *Context) error {
	return vrqMask(sb, ctx, &sb.vrq.enabled, true)
}

func sysVRQClearEnable(sb *Sandbox, ctx *Context) error {
	return vrqMask(sb, ctx, &sb.vrq.enabled, false)
}

func sysVRQDisable(sb *Sandbox, ctx *Context) error {
	sb.mu.Lock()
	sb.vrq.isr = VRQDisabled
	sb.mu.Unlock()

	result(ctx, NOERROR)
	return nil
}

func sysVRQEnable(sb *Sandbox, ctx *Context) error {
	sb.mu.Lock()
	sb.vrq.isr = 0
	sb.mu.Unlock()

	result(ctx, NOERROR)
	return nil
}

func sysVRQGetISR(sb *Sandbox, ctx *Context) error {
	sb.mu.Lock()
	ctx.R[0] = sb.vrq.isr
	sb.mu.Unlock()

	return nil
}

// sysVRQReturn discards the VRQ handler context and resumes the context it
// interrupted, another active VRQ is delivered on exit.
func sysVRQReturn(sb *Sandbox, ctx *Context) (err error) {
	size := sb.Frames.FrameSize()

	if ctx.SP+size < ctx.SP || !sb.regions.IsValidReadRange(ctx.SP, size) {
		return ErrStackOverflow
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if err = sb.Frames.PopReturnFrame(ctx); err != nil {
		return fmt.Errorf("%w, %v", ErrFault, err)
	}

	sb.vrq.isr = 0

	return
}

func sysVRQGetClearStatus(sb *Sandbox, ctx *Context) error {
	n := ctx.R[0]
	mask := ctx.R[1]

	if n >= MaxVRQ {
		ctx.R[0] = 0
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sts := sb.vrq.flags[n] & mask
	sb.vrq.flags[n] &^= sts
	ctx.R[0] = sts

	return nil
}
