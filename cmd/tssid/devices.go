// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/usbarmory/GoTEE-sandbox/config"
	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/util"
)

// ledPort emulates a bank of LEDs driven as GPIO lines.
type ledPort struct {
	sync.Mutex

	name string
	val  uint32
	mode uint32
}

func (p *ledPort) Read() uint32 {
	p.Lock()
	defer p.Unlock()

	return p.val
}

func (p *ledPort) Write(mask uint32, val uint32) error {
	p.Lock()
	defer p.Unlock()

	prev := p.val
	p.val = p.val&^mask | val&mask

	if p.val != prev {
		log.Printf("SM %s %#.8x", p.name, p.val)
	}

	return nil
}

func (p *ledPort) SetMode(mask uint32, mode uint32) error {
	p.Lock()
	defer p.Unlock()

	p.mode = p.mode&^mask | mode&mask

	return nil
}

// loopback is an SPI bus wired MOSI to MISO.
type loopback struct{}

func (loopback) Exchange(tx []byte, rx []byte) error {
	copy(rx, tx)
	return nil
}

// serial is a UART bound to the host standard input and output.
type serial struct {
	io.Reader
	io.Writer
}

// devices represents the host peripherals assignable to sandboxes.
type devices struct {
	gpio map[string]sandbox.GPIOPort
	uart map[string]io.ReadWriter
	spi  map[string]sandbox.SPIBus
}

func hostDevices() *devices {
	return &devices{
		gpio: map[string]sandbox.GPIOPort{
			"leds": &ledPort{name: "leds"},
		},
		uart: map[string]io.ReadWriter{
			"console": &serial{
				Reader: os.Stdin,
				Writer: util.NewLog("UART ", os.Stdout),
			},
		},
		spi: map[string]sandbox.SPIBus{
			"loopback": loopback{},
		},
	}
}

// vio assigns the configured units of a sandbox.
func (d *devices) vio(s *config.Sandbox) (v *sandbox.VIO, err error) {
	if len(s.GPIO)+len(s.UART)+len(s.SPI) == 0 {
		return
	}

	v = &sandbox.VIO{}

	for _, u := range s.GPIO {
		port, ok := d.gpio[u.Device]

		if !ok {
			return nil, fmt.Errorf("unknown GPIO device %s", u.Device)
		}

		perm, err := config.ParsePerm(u.Perm)

		if err != nil {
			return nil, err
		}

		v.GPIO = append(v.GPIO, sandbox.GPIOUnit{Port: port, Mask: u.Mask, Perm: perm})
	}

	for _, u := range s.UART {
		port, ok := d.uart[u.Device]

		if !ok {
			return nil, fmt.Errorf("unknown UART device %s", u.Device)
		}

		perm, err := config.ParsePerm(u.Perm)

		if err != nil {
			return nil, err
		}

		v.UART = append(v.UART, sandbox.UARTUnit{Port: port, Perm: perm})
	}

	for _, u := range s.SPI {
		bus, ok := d.spi[u.Device]

		if !ok {
			return nil, fmt.Errorf("unknown SPI device %s", u.Device)
		}

		perm, err := config.ParsePerm(u.Perm)

		if err != nil {
			return nil, err
		}

		v.SPI = append(v.SPI, sandbox.SPIUnit{Bus: bus, Perm: perm})
	}

	return
}
