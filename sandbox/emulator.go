// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// vrqEntryOffset places the VRQ entry of installed programs past the header.
const vrqEntryOffset = 0x100

// Image represents a program run by the Emulator, Main is entered at the
// header entry point and VRQ at the header VRQ entry.
type Image struct {
	Main func(cpu *CPU)
	VRQ  func(cpu *CPU, irq uint32)
}

// Emulator is a Processor running Go programs as sandboxed code, each
// program only reaches the host through CPU.Syscall and only accesses
// memory within its regions.
type Emulator struct {
	mu     sync.Mutex
	images map[uint32]Image
}

// NewEmulator returns an emulator without programs.
func NewEmulator() *Emulator {
	return &Emulator{
		images: make(map[uint32]Image),
	}
}

// Load registers a program for an entry point.
func (e *Emulator) Load(entry uint32, img Image) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.images[entry] = img
}

// Install writes the header of a program at the base of the code region
// and registers it at the resulting entry point.
func (e *Emulator) Install(m *mem.Space, t mem.Table, img Image) (h *Header, err error) {
	var vrq uint32

	if img.VRQ != nil {
		vrq = t[0].Base + vrqEntryOffset
	}

	h = NewHeader(t[0], t[1], vrq)

	if err = h.Validate(&t); err != nil {
		return nil, err
	}

	if err = m.Write(t[0].Base, h.Bytes()); err != nil {
		return nil, err
	}

	e.Load(h.Entry(), img)

	return
}

// Preemptible implements Preemptible, programs check for VRQ frames each
// time they reach the sandbox state.
func (e *Emulator) Preemptible() bool {
	return true
}

// Run implements Processor.
func (e *Emulator) Run(sb *Sandbox, ctx *Context) error {
	e.mu.Lock()
	img, ok := e.images[ctx.PC]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w, no program at %#.8x", ErrFault, ctx.PC)
	}

	cpu := &CPU{
		sb:   sb,
		ctx:  ctx,
		img:  img,
		args: [3]uint32{ctx.R[0], ctx.R[1], ctx.R[2]},
	}

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w, %v", ErrFault, r)
				return
			}

			done <- cpu.err
		}()

		img.Main(cpu)
		cpu.Exit(0)
	}()

	return <-done
}

// CPU represents the execution state of an emulated sandbox thread.
type CPU struct {
	sb  *Sandbox
	ctx *Context
	img Image

	// seen tracks sb.vrq.delivered
	seen uint64
	args [3]uint32
	err  error
}

// Memory fault raised by CPU accessors, recovered as a sandbox fault.
type memoryFault struct {
	addr uint32
	size uint32
	op   string
}

func (f *memoryFault) String() string {
	return fmt.Sprintf("%s fault at %#.8x (%d bytes)", f.op, f.addr, f.size)
}

func (c *CPU) stop(err error) {
	c.err = err
	runtime.Goexit()
}

// redirected returns whether a VRQ frame was built since the last check,
// along with the VRQ number.
func (c *CPU) redirected() (ok bool, irq uint32) {
	c.sb.mu.Lock()
	fault := c.sb.vrq.fault

	if fault == nil && c.sb.vrq.delivered != c.seen {
		c.seen = c.sb.vrq.delivered
		ok = true
		irq = c.ctx.R[0]
	}

	c.sb.mu.Unlock()

	if fault != nil {
		c.stop(fault)
	}

	return
}

// deliver runs VRQ handlers for the frames built on the context, either
// on syscall exit or while preempted.
func (c *CPU) deliver() {
	for {
		ok, irq := c.redirected()

		if !ok {
			return
		}

		if c.img.VRQ != nil {
			c.img.VRQ(c, irq)
		}

		c.trap(SYS_VRQ_RETURN, nil)
	}
}

// enter locks the sandbox state once no VRQ frame is left to deliver, a
// frame built while preempted must be consumed before the context changes.
func (c *CPU) enter() {
	for {
		c.deliver()
		c.sb.mu.Lock()

		if c.sb.vrq.delivered == c.seen && c.sb.vrq.fault == nil {
			return
		}

		c.sb.mu.Unlock()
	}
}

func (c *CPU) trap(n uint8, args []uint32) {
	c.enter()

	for i := 0; i < 4; i++ {
		c.ctx.R[i] = 0
	}

	copy(c.ctx.R[:4], args)
	c.sb.privileged = true
	c.sb.mu.Unlock()

	// Dispatch clears the privileged state on return
	if err := c.sb.Dispatch(n, c.ctx); err != nil {
		c.stop(err)
	}
}

// Syscall traps into the host with up to four arguments in r0-r3 and
// returns r0.
func (c *CPU) Syscall(n uint8, args ...uint32) uint32 {
	if len(args) > 4 {
		panic("too many syscall arguments")
	}

	c.trap(n, args)

	c.enter()
	defer c.sb.mu.Unlock()

	return c.ctx.R[0]
}

// Exit terminates the sandbox with a status.
func (c *CPU) Exit(status int32) {
	c.Syscall(SYS_EXIT, uint32(status))
}

// SP returns the stack pointer.
func (c *CPU) SP() uint32 {
	c.enter()
	defer c.sb.mu.Unlock()

	return c.ctx.SP
}

// Args returns r0-r2 as set at entry (argc, argv, envp).
func (c *CPU) Args() (r0 uint32, r1 uint32, r2 uint32) {
	return c.args[0], c.args[1], c.args[2]
}

// Alloca reserves n bytes on the stack, the returned function releases
// them.
func (c *CPU) Alloca(n uint32) (addr uint32, free func()) {
	c.enter()
	defer c.sb.mu.Unlock()

	sp := c.ctx.SP
	addr = (sp - n) &^ 7

	if addr > sp || !c.sb.regions.IsValidWriteRange(addr, sp-addr) {
		panic(&memoryFault{addr, n, "stack"})
	}

	c.ctx.SP = addr

	return addr, func() {
		c.enter()
		c.ctx.SP = sp
		c.sb.mu.Unlock()
	}
}

// Load reads n bytes within the sandbox regions.
func (c *CPU) Load(addr uint32, n uint32) []byte {
	buf := make([]byte, n)

	if !c.sb.regions.IsValidReadRange(addr, n) || c.sb.Memory.Read(addr, buf) != nil {
		panic(&memoryFault{addr, n, "read"})
	}

	return buf
}

// Store writes buf within the sandbox writable regions.
func (c *CPU) Store(addr uint32, buf []byte) {
	n := uint32(len(buf))

	if !c.sb.regions.IsValidWriteRange(addr, n) || c.sb.Memory.Write(addr, buf) != nil {
		panic(&memoryFault{addr, n, "write"})
	}
}
