// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/stubs"
)

// Secure World services exposed to sandboxes
const (
	// r0: info buffer (sector size, sectors)
	SYS_BLK_INFO = 64
	// r0: partition sector, r1: buffer, r2: size
	SYS_BLK_READ = 65
	// r0: socket operation, r1-r3: arguments
	SYS_SOCK = 66
	// r0: partition sector, r1: buffer, r2: size
	SYS_BLK_WRITE = 67
)

// blkReadMax bounds a single read request.
const blkReadMax = 64 * 1024

func errno(err error) sandbox.Errno {
	var e stubs.Error

	if errors.As(err, &e) && e < 0 && e >= -256 {
		return sandbox.Errno(e)
	}

	return sandbox.ToErrno(err)
}

// blockSyscalls installs the handlers reaching the NonSecure World block
// device through its stubs.
func blockSyscalls(t *sandbox.Syscalls, blocks *stubs.Blocks) {
	t.Set(SYS_BLK_INFO, func(sb *sandbox.Sandbox, ctx *sandbox.Context) error {
		info, err := blocks.Info(sb.RunContext())

		if err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf, info.SectorSize)
		binary.LittleEndian.PutUint32(buf[4:], info.Sectors)

		ctx.R[0] = uint32(errno(sb.CopyOut(ctx.R[0], buf)))

		return nil
	})

	t.Set(SYS_BLK_READ, func(sb *sandbox.Sandbox, ctx *sandbox.Context) error {
		lba := ctx.R[0]
		addr := ctx.R[1]
		size := ctx.R[2]

		if size == 0 {
			ctx.R[0] = 0
			return nil
		}

		if size > blkReadMax {
			ctx.R[0] = sandbox.EINVAL.Word()
			return nil
		}

		buf := make([]byte, size)

		// validate before the remote call
		if err := sb.CopyOut(addr, buf); err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		if err := blocks.Read(sb.RunContext(), lba, buf); err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		if err := sb.CopyOut(addr, buf); err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		ctx.R[0] = size

		return nil
	})

	t.Set(SYS_BLK_WRITE, func(sb *sandbox.Sandbox, ctx *sandbox.Context) error {
		lba := ctx.R[0]
		size := ctx.R[2]

		if size > blkReadMax {
			ctx.R[0] = sandbox.EINVAL.Word()
			return nil
		}

		buf := make([]byte, size)

		if err := sb.CopyIn(ctx.R[1], buf); err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		if err := blocks.Write(sb.RunContext(), lba, buf); err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		if err := blocks.Flush(sb.RunContext()); err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		ctx.R[0] = size

		return nil
	})
}

// sockets tracks the NonSecure World sockets owned by each sandbox.
type sockets struct {
	sync.Mutex

	stubs *stubs.Sockets
	owner map[int32]*sandbox.Sandbox
}

func (s *sockets) own(sb *sandbox.Sandbox, fd int32) {
	s.Lock()
	defer s.Unlock()

	s.owner[fd] = sb
}

func (s *sockets) owns(sb *sandbox.Sandbox, fd int32) bool {
	s.Lock()
	defer s.Unlock()

	return s.owner[fd] == sb
}

func (s *sockets) release(fd int32) {
	s.Lock()
	defer s.Unlock()

	delete(s.owner, fd)
}

func (s *sockets) sockaddr(sb *sandbox.Sandbox, addr uint32) (buf []byte, err error) {
	buf = make([]byte, stubs.SockaddrSize)
	err = sb.CopyIn(addr, buf)
	return
}

func (s *sockets) handle(sb *sandbox.Sandbox, ctx *sandbox.Context) (res int32, err error) {
	op := ctx.R[0]
	fd := int32(ctx.R[1])
	c := sb.RunContext()

	if op != stubs.SOCK_SOCKET && !s.owns(sb, fd) {
		return 0, sandbox.EBADF
	}

	switch op {
	case stubs.SOCK_SOCKET:
		if res, err = s.stubs.Socket(c, stubs.AF_INET, stubs.SOCK_STREAM, 0); err == nil {
			s.own(sb, res)
		}
	case stubs.SOCK_CLOSE:
		if err = s.stubs.Close(c, fd); err == nil {
			s.release(fd)
		}
	case stubs.SOCK_BIND, stubs.SOCK_CONNECT:
		buf, err := s.sockaddr(sb, ctx.R[2])

		if err != nil {
			return 0, err
		}

		addr, err := stubs.DecodeSockaddr(buf)

		if err != nil {
			return 0, err
		}

		if op == stubs.SOCK_BIND {
			return 0, s.stubs.Bind(c, fd, addr)
		}

		return 0, s.stubs.Connect(c, fd, addr)
	case stubs.SOCK_LISTEN:
		err = s.stubs.Listen(c, fd, int(ctx.R[2]))
	case stubs.SOCK_ACCEPT:
		if res, _, err = s.stubs.Accept(c, fd); err == nil {
			s.own(sb, res)
		}
	case stubs.SOCK_SEND:
		if ctx.R[3] > blkReadMax {
			return 0, sandbox.EINVAL
		}

		buf := make([]byte, ctx.R[3])

		if err = sb.CopyIn(ctx.R[2], buf); err != nil {
			return
		}

		n, err := s.stubs.Send(c, fd, buf, 0)

		return int32(n), err
	case stubs.SOCK_RECV:
		if ctx.R[3] > blkReadMax {
			return 0, sandbox.EINVAL
		}

		buf := make([]byte, ctx.R[3])

		if err = sb.CopyOut(ctx.R[2], buf); err != nil {
			return
		}

		n, err := s.stubs.Recv(c, fd, buf, 0)

		if err != nil {
			return 0, err
		}

		return int32(n), sb.CopyOut(ctx.R[2], buf[:n])
	default:
		return 0, sandbox.NOT_IMPLEMENTED
	}

	return
}

// socketSyscalls installs the handler reaching the NonSecure World network
// stack through its stubs.
func socketSyscalls(t *sandbox.Syscalls, s *stubs.Sockets) {
	socks := &sockets{
		stubs: s,
		owner: make(map[int32]*sandbox.Sandbox),
	}

	t.Set(SYS_SOCK, func(sb *sandbox.Sandbox, ctx *sandbox.Context) error {
		res, err := socks.handle(sb, ctx)

		if err != nil {
			ctx.R[0] = uint32(errno(err))
			return nil
		}

		ctx.R[0] = uint32(res)

		return nil
	})
}
