// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/bits"
	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/armory-boot/config"
	"github.com/usbarmory/armory-boot/disk"
	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

// bootConfLinux is the path to the armory-boot configuration file for
// loading a Linux kernel as NonSecure World OS.
const bootConfLinux = "/boot/armory-boot-nonsecure.conf"

// TSSI function identifier (SMC32, yielding, SiP service), r1: handle,
// r2: data, r3: size.
const smcInvoke = 0x02000010

// TrustZone Watchdog intervals (in ms) forcing NonSecure to Secure World
// switching.
const (
	watchdogTimeout         = 10000
	watchdogWarningInterval = 5000
)

// detect returns the boot partition of the given device ("eMMC" or "uSD").
func detect(device string) (part *disk.Partition, err error) {
	var id int
	var card *usdhc.USDHC

	switch device {
	case "uSD":
		id = 10
		card = usbarmory.SD
	case "eMMC":
		id = 11
		card = usbarmory.MMC
	default:
		return nil, errors.New("invalid device")
	}

	// Set the device USDHC controller as Secure master to grant access to
	// the Secure World DMA region.
	if err = imx6ul.CSU.SetAccess(id, true, false); err != nil {
		return
	}

	return disk.Detect(card, "")
}

// nonSecureHandler services TSSI calls and the TrustZone Watchdog.
func nonSecureHandler(m *tssi.Monitor) func(*monitor.ExecCtx) error {
	return func(ctx *monitor.ExecCtx) (err error) {
		if !ctx.NonSecure() {
			return errors.New("unexpected processor mode")
		}

		switch ctx.ExceptionVector {
		case arm.FIQ:
			switch imx6ul.GIC.GetInterrupt(true) {
			case imx6ul.TZ_WDOG.IRQ:
				imx6ul.TZ_WDOG.Service(watchdogTimeout)
			}

			return
		case arm.SUPERVISOR:
			if ctx.R0 != smcInvoke {
				return monitor.NonSecureHandler(ctx)
			}

			res := m.Invoke(tssi.Handle(ctx.R1), ctx.R2, ctx.R3, tssi.GrantedTimeSlice)
			ctx.R0, ctx.R1 = res.Words()

			return
		default:
			return fmt.Errorf("unhandled exception %x", ctx.ExceptionVector)
		}
	}
}

// loadLinux loads a Linux kernel as NonSecure World OS, the kernel
// configuration is read from an armory-boot configuration file.
func loadLinux(m *tssi.Monitor, part *disk.Partition) (os *monitor.ExecCtx, err error) {
	conf, err := config.Load(part, bootConfLinux, "", "")

	if err != nil {
		return
	}

	log.Printf("\n%s", conf.JSON)

	image := &exec.LinuxImage{
		Region:               mem.NonSecureRegion,
		Kernel:               conf.Kernel(),
		DeviceTreeBlob:       conf.DeviceTreeBlob(),
		InitialRamDisk:       conf.InitialRamDisk(),
		KernelOffset:         0x00800000,
		DeviceTreeBlobOffset: 0x07000000,
		InitialRamDiskOffset: 0x08000000,
		CmdLine:              conf.CmdLine,
	}

	if err = image.Load(); err != nil {
		return
	}

	if os, err = monitor.Load(image.Entry(), image.Region, false); err != nil {
		return nil, fmt.Errorf("could not load kernel, %v", err)
	}

	log.Printf("SM loaded kernel addr:%#x size:%d entry:%#x", mem.NonSecureStart, len(image.Kernel), os.R15)

	if err = configureTrustZone(); err != nil {
		return nil, fmt.Errorf("could not configure TrustZone, %v", err)
	}

	os.R0 = 0
	os.R2 = uint32(image.DTB())
	os.SPSR = arm.SVC_MODE

	// enable FIQ to receive TrustZone Watchdog IRQ
	bits.Clear(&os.SPSR, 6)

	os.Handler = nonSecureHandler(m)

	return
}

func enableTrustZoneWatchdog() {
	// initialize interrupt controller, route all interrupts to NonSecure
	imx6ul.GIC.Init(false, true)

	// enable TrustZone Watchdog Secure interrupt
	imx6ul.GIC.EnableInterrupt(imx6ul.TZ_WDOG.IRQ, true)
	imx6ul.TZ_WDOG.EnableInterrupt(watchdogWarningInterval)

	// enable TrustZone Watchdog
	imx6ul.TZ_WDOG.EnableTimeout(watchdogTimeout)
}

func run(ctx *monitor.ExecCtx) {
	mode := arm.ModeName(int(ctx.SPSR) & 0x1f)

	log.Printf("SM starting mode:%s ns:%v sp:%#.8x pc:%#.8x", mode, ctx.NonSecure(), ctx.R13, ctx.R15)

	err := ctx.Run()

	log.Printf("SM stopped mode:%s ns:%v sp:%#.8x lr:%#.8x pc:%#.8x err:%v", mode, ctx.NonSecure(), ctx.R13, ctx.R14, ctx.R15, err)
}
