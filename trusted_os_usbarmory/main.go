// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"
	_ "unsafe"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/imx-usbnet"

	"github.com/usbarmory/GoTEE-sandbox/console"
	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/stubs"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

const (
	sshPort = 22
	IP      = "10.0.0.1"
	MAC     = "1a:55:89:a2:69:41"
	hostMAC = "1a:55:89:a2:69:42"
)

// Stub services reflecting the NonSecure World drivers, and their new
// operation flags.
var services = []struct {
	name string
	flag uint32
}{
	{"SockStubs", 1 << 0},
	{"BlkStubs", 1 << 1},
}

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = mem.SecureStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = mem.SecureSize

var banner = fmt.Sprintf("%s/%s (%s) • TSSI secure monitor", runtime.GOOS, runtime.GOARCH, runtime.Version())

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	// Move DMA region to prevent NonSecure access, alternatively
	// iRAM/OCRAM (default DMA region) can be locked down on its own (as it
	// is outside TZASC control).
	dma.Init(mem.SecureDMAStart, mem.SecureDMASize)

	if imx6ul.Native {
		imx6ul.SetARMFreq(900)

		debugConsole, _ := usbarmory.DetectDebugAccessory(250 * time.Millisecond)
		<-debugConsole
	}

	log.Printf("SM %s", banner)
}

func startConsole(m *tssi.Monitor, sb *applet) {
	iface, err := usbnet.Init(IP, MAC, hostMAC, 1)

	if err != nil {
		log.Fatalf("SM could not initialize USB networking, %v", err)
	}

	iface.EnableICMP()

	listener, err := iface.ListenerTCP4(sshPort)

	if err != nil {
		log.Fatalf("SM could not initialize SSH listener, %v", err)
	}

	console.SetTarget(&console.Target{
		Registry:  m.Registry,
		Sandboxes: []*console.Supervised{sb.Supervised},
	})

	c := &console.Console{
		Banner: banner,
	}

	if err = c.Start(listener); err != nil {
		log.Fatalf("SM could not initialize SSH server, %v", err)
	}

	usbarmory.USB1.Init()
	usbarmory.USB1.DeviceMode()
	usbarmory.USB1.Reset()

	// never returns
	usbarmory.USB1.Start(iface.NIC.Device)
}

func main() {
	defer log.Printf("SM says goodbye")

	ctx := context.Background()
	appletMemory, nonSecureMemory := mem.Init()

	m := tssi.NewMonitor(nonSecureMemory, mem.NonSecureTable(mem.NonSecureStart, mem.NonSecureSize))

	for _, s := range services {
		proxy, err := stubs.NewProxy(m, s.name, s.flag, 0)

		if err != nil {
			log.Fatalf("SM could not register %s, %v", s.name, err)
		}

		go proxy.Serve(ctx)
	}

	part, err := detect("uSD")

	if err != nil {
		log.Fatalf("SM could not detect boot partition, %v", err)
	}

	sb, err := loadApplet(part, appletMemory)

	if err != nil {
		log.Fatalf("SM could not load applet, %v", err)
	}

	sb.Restart = func() error {
		return sb.start(ctx)
	}

	if err = sb.start(ctx); err != nil {
		log.Fatalf("SM could not start applet, %v", err)
	}

	ns, err := loadLinux(m, part)

	if err != nil {
		log.Fatalf("SM could not load NonSecure World, %v", err)
	}

	log.Printf("SM enabling TrustZone Watchdog")
	enableTrustZoneWatchdog()

	go run(ns)

	if !imx6ul.Native {
		status, err := sb.Wait(ctx)
		log.Printf("SM applet exited, status:%d err:%v", status, err)
		return
	}

	startConsole(m, sb)
}
