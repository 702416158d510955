// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sandbox implements the host side of an unprivileged execution
// context confined to a region table, servicing its syscalls, its POSIX
// descriptors, virtual IRQs and virtual peripherals.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/usbarmory/GoTEE-sandbox/event"
	"github.com/usbarmory/GoTEE-sandbox/mem"
)

const (
	// TickFrequency is the system time frequency exposed to sandboxes.
	TickFrequency = 1000
	// PathMax is the maximum path length including its terminator.
	PathMax = 1024
	// ArgMax is the maximum number of argv or envp entries.
	ArgMax = 32
)

// EventTerminated is broadcast on the termination source.
const EventTerminated = 1

// Processor runs sandboxed code on behalf of the sandbox thread, trapping
// into Sandbox.Dispatch for every syscall.
type Processor interface {
	// Run executes from ctx until Dispatch returns an error, which Run
	// returns.
	Run(sb *Sandbox, ctx *Context) error
}

// Preemptible is implemented by processors whose Context stays current
// while sandboxed code runs, VRQ frames are then built on it as soon as they
// are raised. Other processors get VRQs delivered on syscall exit only.
type Preemptible interface {
	Preemptible() bool
}

// Config represents a sandbox configuration.
type Config struct {
	// Name is used in logs and in the console.
	Name string
	// Memory holds the sandbox regions.
	Memory *mem.Space
	// Processor executes the sandbox code.
	Processor Processor
	// Frames builds VRQ return frames, defaults to ARMv7M.
	Frames FrameBuilder
	// Syscalls is the syscall table, defaults to NewSyscalls().
	Syscalls *Syscalls

	// Stdin, Stdout and Stderr are bound to descriptors 0, 1 and 2.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// FS is the optional filesystem for POSIX calls.
	FS VFS
	// VIO holds the optional virtual peripherals.
	VIO *VIO

	// AlarmVRQ is the VRQ raised by the alarm timer.
	AlarmVRQ uint32
}

// Sandbox represents a sandboxed execution context.
type Sandbox struct {
	Config

	// Events carries the flags broadcast by the sandbox.
	Events event.Source
	// Terminated is broadcast with EventTerminated when the sandbox
	// exits or faults.
	Terminated event.Source

	mu sync.Mutex

	// set at start, read-only while running
	regions mem.Table
	header  Header
	context context.Context

	ctx        *Context
	running    bool
	privileged bool
	// preemptible is set for Preemptible processors
	preemptible bool
	status     int32
	exit       int32
	done       chan struct{}
	start      time.Time

	events event.Flags
	msgs   chan *message
	held   *message

	vrq vrqState
	io  ioState

	limiter *rate.Limiter
}

// New initializes a sandbox object, without regions and not running.
func New(conf Config) (sb *Sandbox, err error) {
	if conf.Memory == nil {
		return nil, errors.New("missing memory")
	}

	if conf.Processor == nil {
		return nil, errors.New("missing processor")
	}

	if conf.AlarmVRQ >= MaxVRQ {
		return nil, fmt.Errorf("invalid alarm VRQ (%d)", conf.AlarmVRQ)
	}

	if conf.Frames == nil {
		conf.Frames = &ARMv7M{Memory: conf.Memory}
	}

	if conf.Syscalls == nil {
		conf.Syscalls = NewSyscalls()
	}

	sb = &Sandbox{
		Config:  conf,
		msgs:    make(chan *message),
		limiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}

	if p, ok := conf.Processor.(Preemptible); ok {
		sb.preemptible = p.Preemptible()
	}

	return
}

func (sb *Sandbox) logf(format string, v ...interface{}) {
	log.Printf("SB %s "+format, append([]interface{}{sb.Name}, v...)...)
}

// prepare validates a region table and the image header it refers to,
// returning the initial context.
func (sb *Sandbox) prepare(t *mem.Table) (h *Header, ctx *Context, err error) {
	if err = t.Validate(); err != nil {
		return
	}

	for _, r := range t {
		if r.Used && (r.Base < sb.Memory.Base || r.End > sb.Memory.End()) {
			return nil, nil, fmt.Errorf("region outside memory (%s)", r)
		}
	}

	if !t[0].Used || !t.IsValidReadRange(t[0].Base, HeaderSize) {
		return nil, nil, errors.New("invalid code region")
	}

	buf := make([]byte, HeaderSize)

	if err = sb.Memory.Read(t[0].Base, buf); err != nil {
		return
	}

	if h, err = ParseHeader(buf); err != nil {
		return
	}

	if err = h.Validate(t); err != nil {
		return
	}

	ctx = &Context{
		SP:   h.Stack(),
		PC:   h.Entry(),
		XPSR: ThumbState,
	}

	return
}

// launch applies a validated state and spawns the sandbox thread, the
// caller must hold sb.mu.
func (sb *Sandbox) launch(ctx context.Context, t mem.Table, h *Header, c *Context) {
	sb.regions = t
	sb.header = *h
	sb.context = ctx
	sb.ctx = c
	sb.running = true
	sb.privileged = false
	sb.status = 0
	sb.exit = 0
	sb.done = make(chan struct{})
	sb.start = time.Now()
	sb.held = nil
	sb.events.Clear(0xffffffff)
	sb.vrq.reset()
	sb.io.init(&sb.Config)

	sb.logf("starting pc:%#.8x sp:%#.8x vrq:%#.8x", c.PC, c.SP, h.VRQ)

	go sb.run(c)
}

func (sb *Sandbox) run(c *Context) {
	err := sb.Processor.Run(sb, c)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	switch {
	case errors.Is(err, ErrExit):
		sb.status = sb.exit
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		sb.status = int32(EINTR)
	default:
		sb.status = int32(EFAULT)
		sb.logf("fault %v %s", err, c)
	}

	if sb.held != nil {
		sb.held.reply <- MsgReset
		sb.held = nil
	}

	sb.vrq.stopAlarm()
	sb.io.cleanup()

	sb.running = false
	close(sb.done)

	sb.logf("terminated (%d)", sb.status)
	sb.Terminated.Broadcast(EventTerminated)
}

// Start validates the image header found at the base of region 0 against
// the region table and runs the sandbox from the first instruction past
// the header, with the stack at the top of region 1.
//
// On failure the sandbox is left untouched.
func (sb *Sandbox) Start(ctx context.Context, t mem.Table) (err error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.running {
		return EBUSY
	}

	h, c, err := sb.prepare(&t)

	if err != nil {
		return fmt.Errorf("%w, %v", ENOEXEC, err)
	}

	sb.launch(ctx, t, h, c)

	return
}

// Exec loads a position-fixed ELF image from fs within the region table
// and starts it like Start, with argv and envp placed at the top of the
// stack (r0: argc, r1: argv, r2: envp).
func (sb *Sandbox) Exec(ctx context.Context, fs VFS, path string, t mem.Table, argv []string, envp []string) (err error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.running {
		return EBUSY
	}

	if fs == nil {
		return ENOENT
	}

	if len(argv) >= ArgMax || len(envp) >= ArgMax {
		return E2BIG
	}

	if err = t.Validate(); err != nil {
		return fmt.Errorf("%w, %v", ENOEXEC, err)
	}

	f, err := fs.Open(path, O_RDONLY)

	if err != nil {
		return
	}
	defer f.Close()

	ra, err := imageReader(f)

	if err != nil {
		return
	}

	img, err := ReadELF(ra)

	if err != nil {
		return
	}

	// nothing is written to memory before the image is known to fit
	if err = sb.check(img, &t, argv, envp); err != nil {
		return
	}

	if err = img.Load(sb.Memory, &t); err != nil {
		return
	}

	h, c, err := sb.prepare(&t)

	if err != nil {
		return fmt.Errorf("%w, %v", ENOEXEC, err)
	}

	if err = sb.pushArgs(&t, c, argv, envp); err != nil {
		return
	}

	sb.launch(ctx, t, h, c)

	return
}

// check validates an ELF image header, and the space its arguments take on
// the stack, against the region table.
func (sb *Sandbox) check(img *ELF, t *mem.Table, argv []string, envp []string) (err error) {
	if err = img.Fit(t); err != nil {
		return
	}

	h, err := img.Header()

	if err != nil {
		return
	}

	if img.Sections[0].Addr != t[0].Base {
		return fmt.Errorf("%w, header not at code base", ENOEXEC)
	}

	for _, r := range t {
		if r.Used && (r.Base < sb.Memory.Base || r.End > sb.Memory.End()) {
			return fmt.Errorf("%w, region outside memory (%s)", ENOEXEC, r)
		}
	}

	if err = h.Validate(t); err != nil {
		return fmt.Errorf("%w, %v", ENOEXEC, err)
	}

	// strings, two pointer arrays and their alignment
	size := uint64(4*(len(argv)+len(envp)+2) + 3 + 7)

	for _, strs := range [][]string{argv, envp} {
		for _, s := range strs {
			size += uint64(len(s) + 1)
		}
	}

	if size >= uint64(h.Stack()-h.DataBase) {
		return E2BIG
	}

	return
}

func (sb *Sandbox) pushArgs(t *mem.Table, c *Context, argv []string, envp []string) (err error) {
	sp := c.SP
	data := t[1]

	push := func(buf []byte) (addr uint32, err error) {
		n := uint32(len(buf))

		if sp-n > sp || !data.Contains(sp-n, n) {
			return 0, E2BIG
		}

		sp -= n

		return sp, sb.Memory.Write(sp, buf)
	}

	pushStrings := func(strs []string) (ptrs []uint32, err error) {
		for _, s := range strs {
			addr, err := push(append([]byte(s), 0))

			if err != nil {
				return nil, err
			}

			ptrs = append(ptrs, addr)
		}

		return append(ptrs, 0), nil
	}

	pushArray := func(ptrs []uint32) (addr uint32, err error) {
		buf := make([]byte, len(ptrs)*4)

		for i, p := range ptrs {
			buf[i*4] = byte(p)
			buf[i*4+1] = byte(p >> 8)
			buf[i*4+2] = byte(p >> 16)
			buf[i*4+3] = byte(p >> 24)
		}

		return push(buf)
	}

	envs, err := pushStrings(envp)

	if err != nil {
		return
	}

	args, err := pushStrings(argv)

	if err != nil {
		return
	}

	sp &^= 3

	envAddr, err := pushArray(envs)

	if err != nil {
		return
	}

	argAddr, err := pushArray(args)

	if err != nil {
		return
	}

	sp &^= 7

	if sp <= data.Base {
		return E2BIG
	}

	if t.CheckStringsArray(sb.Memory, argAddr, PathMax) != uint32(len(args)) ||
		t.CheckStringsArray(sb.Memory, envAddr, PathMax) != uint32(len(envs)) {
		return EFAULT
	}

	c.SP = sp
	c.R[0] = uint32(len(argv))
	c.R[1] = argAddr
	c.R[2] = envAddr

	return
}

// Wait blocks until the current, or last, sandbox run terminates and
// returns its exit status, faults report EFAULT.
func (sb *Sandbox) Wait(ctx context.Context) (status int32, err error) {
	sb.mu.Lock()
	done := sb.done
	sb.mu.Unlock()

	if done == nil {
		return 0, errors.New("never started")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.status, nil
}

// Running returns whether the sandbox thread is alive.
func (sb *Sandbox) Running() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.running
}

// Status returns whether the sandbox is running and the exit status of the
// last run.
func (sb *Sandbox) Status() (running bool, status int32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.running, sb.status
}

// Regions returns the region table of the current, or last, run.
func (sb *Sandbox) Regions() mem.Table {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.regions
}

// Header returns the image header of the current, or last, run.
func (sb *Sandbox) Header() Header {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.header
}

// Signal sets event flags the sandbox can wait upon.
func (sb *Sandbox) Signal(events uint32) {
	sb.events.Set(events)
}

// ticks returns the sandbox system time.
func (sb *Sandbox) ticks() uint32 {
	return uint32(time.Since(sb.start) / (time.Second / TickFrequency))
}

func ticksToDuration(t uint32) time.Duration {
	return time.Duration(t) * (time.Second / TickFrequency)
}
