// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"sync"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"

	"github.com/usbarmory/GoTEE-sandbox/sandbox"
)

// LEDs driven as GPIO lines
var leds = []string{"blue", "white"}

// ledPort exposes the board LEDs as a GPIO port, line n drives leds[n].
type ledPort struct {
	sync.Mutex
	val uint32
}

func (p *ledPort) Read() uint32 {
	p.Lock()
	defer p.Unlock()

	return p.val
}

func (p *ledPort) Write(mask uint32, val uint32) (err error) {
	p.Lock()
	defer p.Unlock()

	for i, name := range leds {
		if mask&(1<<i) == 0 {
			continue
		}

		on := val&(1<<i) != 0

		if err = usbarmory.LED(name, on); err != nil {
			return
		}

		if on {
			p.val |= 1 << i
		} else {
			p.val &^= 1 << i
		}
	}

	return
}

// SetMode is a no-op, LED pads are configured as outputs by the board
// package.
func (p *ledPort) SetMode(mask uint32, mode uint32) error {
	return nil
}

// boardVIO returns the peripherals assigned to the applet.
func boardVIO() *sandbox.VIO {
	return &sandbox.VIO{
		GPIO: []sandbox.GPIOUnit{
			{Port: &ledPort{}, Mask: 1<<len(leds) - 1, Perm: sandbox.PermRead | sandbox.PermWrite},
		},
		UART: []sandbox.UARTUnit{
			{Port: usbarmory.UART2, Perm: sandbox.PermRead | sandbox.PermWrite},
		},
	}
}
