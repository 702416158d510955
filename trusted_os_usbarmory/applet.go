// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"

	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/armory-boot/disk"

	"github.com/usbarmory/GoTEE-sandbox/console"
	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/util"
)

// appletPath is the sandbox image location on the boot partition.
const appletPath = "/boot/applet.elf"

// processor runs a sandbox as a Secure World user mode execution context,
// each supervisor call is serviced by the sandbox syscall table.
type processor struct {
	exec *monitor.ExecCtx
}

func (p *processor) registers() []*uint32 {
	e := p.exec

	return []*uint32{
		&e.R0, &e.R1, &e.R2, &e.R3, &e.R4, &e.R5, &e.R6,
		&e.R7, &e.R8, &e.R9, &e.R10, &e.R11, &e.R12,
	}
}

// load copies the sandbox frame to the execution context, the processor
// state is kept as set by monitor.Load (ARM user mode).
func (p *processor) load(c *sandbox.Context) {
	for i, r := range p.registers() {
		*r = c.R[i]
	}

	p.exec.R13 = c.SP
	p.exec.R14 = c.LR
	p.exec.R15 = c.PC
}

func (p *processor) store(c *sandbox.Context) {
	for i, r := range p.registers() {
		c.R[i] = *r
	}

	c.SP = p.exec.R13
	c.LR = p.exec.R14
	c.PC = p.exec.R15
}

// Run implements sandbox.Processor.
func (p *processor) Run(sb *sandbox.Sandbox, c *sandbox.Context) error {
	p.load(c)

	p.exec.Handler = func(e *monitor.ExecCtx) (err error) {
		p.store(c)

		if e.ExceptionVector != arm.SUPERVISOR {
			return fmt.Errorf("%w, exception %x pc:%#.8x", sandbox.ErrFault, e.ExceptionVector, c.PC)
		}

		// the SVC immediate selects the syscall
		svc, err := sb.Memory.Read32(c.PC - 4)

		if err != nil {
			return fmt.Errorf("%w, invalid pc:%#.8x", sandbox.ErrFault, c.PC)
		}

		if err = sb.Dispatch(uint8(svc), c); err != nil {
			return
		}

		p.load(c)

		return
	}

	return p.exec.Run()
}

// applet represents the sandbox hosted in the Secure World user mode.
type applet struct {
	*console.Supervised

	table mem.Table
	elf   []byte
}

func appletTable() (t mem.Table) {
	half := uint32(mem.AppletSize / 2)

	t[0] = mem.Region{Base: mem.AppletStart, End: mem.AppletStart + half, Attr: mem.Code | mem.Data, Used: true}
	t[1] = mem.Region{Base: mem.AppletStart + half, End: mem.AppletStart + mem.AppletSize, Attr: mem.Data | mem.Write, Used: true}

	return
}

// loadApplet reads the sandbox image from the boot partition.
func loadApplet(part *disk.Partition, space *mem.Space) (a *applet, err error) {
	buf, err := part.ReadAll(appletPath)

	if err != nil {
		return
	}

	exec, err := monitor.Load(mem.AppletStart, mem.AppletRegion, true)

	if err != nil {
		return nil, fmt.Errorf("could not create applet context, %v", err)
	}

	out := util.NewLog("SB applet ", os.Stdout)

	sb, err := sandbox.New(sandbox.Config{
		Name:      "applet",
		Memory:    space,
		Processor: &processor{exec: exec},
		Stdout:    out,
		Stderr:    out,
		VIO:       boardVIO(),
	})

	if err != nil {
		return
	}

	a = &applet{
		Supervised: &console.Supervised{
			Sandbox: sb,
			Log:     out,
		},
		table: appletTable(),
		elf:   buf,
	}

	if a.Symbols, err = util.NewSymbols(buf); err != nil {
		log.Printf("SM applet has no symbols, %v", err)
	}

	log.Printf("SM loaded applet addr:%#x size:%d", mem.AppletStart, len(buf))

	return a, nil
}

// start places the image sections in the applet regions and runs it.
func (a *applet) start(ctx context.Context) (err error) {
	img, err := sandbox.ReadELF(bytes.NewReader(a.elf))

	if err != nil {
		return
	}

	if err = img.Load(a.Memory, &a.table); err != nil {
		return
	}

	return a.Start(ctx, a.table)
}
