// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"encoding/binary"
)

// This file provides the sandbox side API to emulated programs.

// CString places a NUL terminated string on the stack.
func (c *CPU) CString(s string) (addr uint32, free func()) {
	addr, free = c.Alloca(uint32(len(s) + 1))
	c.Store(addr, append([]byte(s), 0))
	return
}

// Write writes buf to a descriptor.
func (c *CPU) Write(fd uint32, buf []byte) int32 {
	addr, free := c.Alloca(uint32(len(buf)))
	defer free()

	c.Store(addr, buf)

	return int32(c.Syscall(SYS_POSIX, POSIX_WRITE, fd, addr, uint32(len(buf))))
}

// Read reads up to n bytes from a descriptor.
func (c *CPU) Read(fd uint32, n uint32) ([]byte, int32) {
	addr, free := c.Alloca(n)
	defer free()

	r := int32(c.Syscall(SYS_POSIX, POSIX_READ, fd, addr, n))

	if r <= 0 {
		return nil, r
	}

	return c.Load(addr, uint32(r)), r
}

// Open opens a file, returning a descriptor or an error.
func (c *CPU) Open(path string, flags uint32) int32 {
	addr, free := c.CString(path)
	defer free()

	return int32(c.Syscall(SYS_POSIX, POSIX_OPEN, addr, flags))
}

// Close closes a descriptor.
func (c *CPU) Close(fd uint32) int32 {
	return int32(c.Syscall(SYS_POSIX, POSIX_CLOSE, fd))
}

// Seek sets a descriptor offset.
func (c *CPU) Seek(fd uint32, off int32, whence uint32) int32 {
	return int32(c.Syscall(SYS_POSIX, POSIX_LSEEK, fd, uint32(off), whence))
}

// Stat returns the mode and size of a file.
func (c *CPU) Stat(path string) (mode uint32, size uint64, r int32) {
	addr, free := c.CString(path)
	defer free()

	buf, freeBuf := c.Alloca(StatSize)
	defer freeBuf()

	if r = int32(c.Syscall(SYS_POSIX, POSIX_STAT, addr, buf)); r < 0 {
		return
	}

	st := c.Load(buf, StatSize)

	return binary.LittleEndian.Uint32(st[0:]), binary.LittleEndian.Uint64(st[8:]), r
}

// Getcwd returns the current directory.
func (c *CPU) Getcwd() (string, int32) {
	addr, free := c.Alloca(PathMax)
	defer free()

	if r := int32(c.Syscall(SYS_POSIX, POSIX_GETCWD, addr, PathMax)); r < 0 {
		return "", r
	}

	buf := c.Load(addr, PathMax)

	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), 0
		}
	}

	return "", int32(ERANGE)
}

// Systime returns the system time in ticks.
func (c *CPU) Systime() uint32 {
	return c.Syscall(SYS_GETSYSTIME)
}

// Sleep suspends the sandbox for a number of ticks.
func (c *CPU) Sleep(ticks uint32) {
	c.Syscall(SYS_SLEEP, ticks)
}

// WaitMessage waits for a host message.
func (c *CPU) WaitMessage() uint32 {
	return c.Syscall(SYS_WAITMSG)
}

// ReplyMessage answers the held host message.
func (c *CPU) ReplyMessage(msg uint32) int32 {
	return int32(c.Syscall(SYS_REPLYMSG, msg))
}

// WaitAny waits for any of the events in mask.
func (c *CPU) WaitAny(mask uint32, timeout uint32) uint32 {
	return c.Syscall(SYS_WAITANY, mask, timeout)
}

// Broadcast broadcasts flags on the sandbox event source.
func (c *CPU) Broadcast(flags uint32) {
	c.Syscall(SYS_BROADCAST, flags)
}

// VRQEnable sets the VRQ enable mask bits and globally enables VRQs.
func (c *CPU) VRQEnable(mask uint32) {
	c.Syscall(SYS_VRQ_SETEN, mask)
	c.Syscall(SYS_VRQ_ENABLE)
}

// VRQWait waits for an enabled VRQ.
func (c *CPU) VRQWait() {
	c.Syscall(SYS_VRQ_WAIT)
}

// SetAlarm arms the alarm VRQ.
func (c *CPU) SetAlarm(ticks uint32, reload bool) int32 {
	var r uint32

	if reload {
		r = 1
	}

	return int32(c.Syscall(SYS_VRQ_SETALARM, ticks, r))
}

// GPIO performs a GPIO sub-operation on a unit.
func (c *CPU) GPIO(unit uint32, sub uint32, args ...uint32) uint32 {
	return c.Syscall(SYS_VIO_GPIO, append([]uint32{unit<<16 | sub}, args...)...)
}
