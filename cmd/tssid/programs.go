// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/stubs"
)

const (
	// blinkTicks is the LED toggle period of the blink program
	blinkTicks = 500
	// netechoPort is the NonSecure World TCP port served by netecho
	netechoPort = 7
	// blkStamp is written by blkstamp
	blkStamp = "TSSI stamp"
)

// programs are the built-in sandbox programs run by the emulator.
var programs = map[string]sandbox.Image{
	"hello": {
		Main: hello,
	},
	"echo": {
		Main: echo,
	},
	"blink": {
		Main: blink,
		VRQ:  blinkVRQ,
	},
	"blkread": {
		Main: blkread,
	},
	"blkstamp": {
		Main: blkstamp,
	},
	"netecho": {
		Main: netecho,
	},
}

// args reads the argv strings passed on the stack.
func args(c *sandbox.CPU) (argv []string) {
	argc, ptr, _ := c.Args()

	for i := uint32(0); i < argc; i++ {
		addr := binary.LittleEndian.Uint32(c.Load(ptr+i*4, 4))

		var s []byte

		for {
			b := c.Load(addr, 1)[0]

			if b == 0 {
				break
			}

			s = append(s, b)
			addr++
		}

		argv = append(argv, string(s))
	}

	return
}

func hello(c *sandbox.CPU) {
	msg := fmt.Sprintf("hello from sandbox, argv:%q systime:%d\n", args(c), c.Systime())
	c.Write(1, []byte(msg))
}

// echo answers each host message with its value plus one, until a zero
// message.
func echo(c *sandbox.CPU) {
	for {
		m := c.WaitMessage()

		if m == 0 || sandbox.IsError(m) {
			return
		}

		c.ReplyMessage(m + 1)
	}
}

// blink toggles GPIO line 0 of unit 0 from the alarm VRQ.
func blink(c *sandbox.CPU) {
	c.VRQEnable(1 << 0)

	if r := c.SetAlarm(blinkTicks, true); r != 0 {
		c.Exit(r)
	}

	for {
		c.VRQWait()
	}
}

func blinkVRQ(c *sandbox.CPU, irq uint32) {
	if irq == 0 {
		c.GPIO(0, sandbox.GPIO_TOGGLE, 1)
	}
}

// blkread prints the first bytes of the NonSecure World partition, and
// exits with the read result.
func blkread(c *sandbox.CPU) {
	info, _ := c.Alloca(8)

	if r := int32(c.Syscall(SYS_BLK_INFO, info)); r != 0 {
		c.Exit(r)
	}

	sectorSize := binary.LittleEndian.Uint32(c.Load(info, 4))

	if sectorSize == 0 || sectorSize > blkReadMax {
		c.Exit(int32(sandbox.EINVAL))
	}

	buf, _ := c.Alloca(sectorSize)

	r := c.Syscall(SYS_BLK_READ, 0, buf, sectorSize)

	if sandbox.IsError(r) {
		c.Exit(int32(r))
	}

	c.Write(1, []byte(fmt.Sprintf("sector 0: %x\n", c.Load(buf, 16))))
}

// blkstamp marks partition sector 1.
func blkstamp(c *sandbox.CPU) {
	info, _ := c.Alloca(8)

	if r := int32(c.Syscall(SYS_BLK_INFO, info)); r != 0 {
		c.Exit(r)
	}

	sectorSize := binary.LittleEndian.Uint32(c.Load(info, 4))

	if sectorSize == 0 || sectorSize > blkReadMax || sectorSize < uint32(len(blkStamp)) {
		c.Exit(int32(sandbox.EINVAL))
	}

	sector := make([]byte, sectorSize)
	copy(sector, blkStamp)

	buf, _ := c.Alloca(sectorSize)
	c.Store(buf, sector)

	if r := c.Syscall(SYS_BLK_WRITE, 1, buf, sectorSize); sandbox.IsError(r) {
		c.Exit(int32(r))
	}
}

func sock(c *sandbox.CPU, op uint32, args ...uint32) uint32 {
	return c.Syscall(SYS_SOCK, append([]uint32{op}, args...)...)
}

// netecho serves one TCP echo connection at a time on the NonSecure World
// network stack.
func netecho(c *sandbox.CPU) {
	fd := sock(c, stubs.SOCK_SOCKET)

	if sandbox.IsError(fd) {
		c.Exit(int32(fd))
	}

	addr, _ := c.Alloca(stubs.SockaddrSize)
	c.Store(addr, stubs.EncodeSockaddr(&net.TCPAddr{Port: netechoPort}))

	if r := sock(c, stubs.SOCK_BIND, fd, addr); r != 0 {
		c.Exit(int32(r))
	}

	if r := sock(c, stubs.SOCK_LISTEN, fd, 1); r != 0 {
		c.Exit(int32(r))
	}

	buf, _ := c.Alloca(256)

	for {
		conn := sock(c, stubs.SOCK_ACCEPT, fd)

		if sandbox.IsError(conn) {
			c.Exit(int32(conn))
		}

		for {
			n := sock(c, stubs.SOCK_RECV, conn, buf, 256)

			if n == 0 || sandbox.IsError(n) {
				break
			}

			sock(c, stubs.SOCK_SEND, conn, buf, n)
		}

		sock(c, stubs.SOCK_CLOSE, conn)
	}
}
