// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package skel

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/usbarmory/GoTEE-sandbox/netstack"
	"github.com/usbarmory/GoTEE-sandbox/stubs"
)

// MaxSockets is the size of the socket table.
const MaxSockets = 16

const (
	dialTimeout  = 10 * time.Second
	pollInterval = 5 * time.Millisecond
	peekTimeout  = time.Millisecond
)

type socket struct {
	local *net.TCPAddr

	conn net.Conn
	rd   *bufio.Reader

	ln       net.Listener
	accepted chan net.Conn

	done chan struct{}
}

func (s *socket) readable() bool {
	switch {
	case s.ln != nil:
		return len(s.accepted) > 0
	case s.conn != nil:
		if s.rd.Buffered() > 0 {
			return true
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(peekTimeout))
		_, err := s.rd.Peek(1)
		_ = s.conn.SetReadDeadline(time.Time{})

		if err == nil || err == io.EOF {
			return true
		}

		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}

		// errors are reported by the next read
		return true
	}

	return false
}

func (s *socket) close() {
	close(s.done)

	if s.conn != nil {
		s.conn.Close()
	}

	if s.ln != nil {
		s.ln.Close()
	}
}

// Sockets represents the socket skeleton, executing socket operations on a
// TCP/IP stack.
type Sockets struct {
	sync.Mutex

	// Stack is the TCP/IP stack
	Stack *netstack.Stack

	socks [MaxSockets]*socket
}

// Methods returns the socket operations.
func (s *Sockets) Methods() map[uint32]Method {
	return map[uint32]Method{
		stubs.SOCK_SOCKET:  s.socket,
		stubs.SOCK_CLOSE:   s.close,
		stubs.SOCK_BIND:    s.bind,
		stubs.SOCK_LISTEN:  s.listen,
		stubs.SOCK_ACCEPT:  s.accept,
		stubs.SOCK_CONNECT: s.connect,
		stubs.SOCK_SEND:    s.send,
		stubs.SOCK_RECV:    s.recv,
		stubs.SOCK_SELECT:  s.selectFds,
	}
}

func (s *Sockets) alloc(sock *socket) int32 {
	s.Lock()
	defer s.Unlock()

	for fd, e := range s.socks {
		if e == nil {
			s.socks[fd] = sock
			return int32(fd)
		}
	}

	return -1
}

func (s *Sockets) get(fd uint32) *socket {
	s.Lock()
	defer s.Unlock()

	if fd >= MaxSockets {
		return nil
	}

	return s.socks[fd]
}

func (s *Sockets) socket(c *Call) error {
	if c.Values[0] != stubs.AF_INET {
		return c.Fail(stubs.EAFNOSUPPORT)
	}

	if c.Values[1] != stubs.SOCK_STREAM {
		return c.Fail(stubs.EINVAL)
	}

	fd := s.alloc(&socket{done: make(chan struct{})})

	if fd < 0 {
		return c.Fail(stubs.EMFILE)
	}

	return c.Return(fd, nil)
}

func (s *Sockets) close(c *Call) error {
	fd := c.Values[0]
	sock := s.get(fd)

	if sock == nil {
		return c.Fail(stubs.EBADF)
	}

	s.Lock()
	s.socks[fd] = nil
	s.Unlock()

	sock.close()

	return c.Return(0, nil)
}

func (s *Sockets) sockaddr(c *Call, i int) (addr *net.TCPAddr, err error) {
	if c.Sizes[i] != stubs.SockaddrSize {
		return nil, stubs.EINVAL
	}

	bufs, err := c.In(i)

	if err != nil {
		return
	}

	return stubs.DecodeSockaddr(bufs[i])
}

func (s *Sockets) bind(c *Call) error {
	sock := s.get(c.Values[0])

	if sock == nil {
		return c.Fail(stubs.EBADF)
	}

	addr, err := s.sockaddr(c, 1)

	if err != nil {
		return c.Fail(stubs.EINVAL)
	}

	sock.local = addr

	return c.Return(0, nil)
}

func (s *Sockets) listen(c *Call) error {
	sock := s.get(c.Values[0])

	if sock == nil {
		return c.Fail(stubs.EBADF)
	}

	if sock.local == nil || sock.ln != nil || sock.conn != nil {
		return c.Fail(stubs.EINVAL)
	}

	backlog := int(c.Values[1])

	if backlog <= 0 {
		backlog = 1
	}

	ln, err := s.Stack.ListenTCP(sock.local)

	if err != nil {
		c.Fail(stubs.EINVAL)
		return err
	}

	sock.ln = ln
	sock.accepted = make(chan net.Conn, backlog)

	go func() {
		for {
			conn, err := ln.Accept()

			if err != nil {
				return
			}

			select {
			case sock.accepted <- conn:
			case <-sock.done:
				conn.Close()
				return
			}
		}
	}()

	return c.Return(0, nil)
}

func (s *Sockets) accept(c *Call) error {
	sock := s.get(c.Values[0])

	if sock == nil || sock.ln == nil {
		return c.Fail(stubs.EBADF)
	}

	var conn net.Conn

	select {
	case conn = <-sock.accepted:
	case <-sock.done:
		return c.Fail(stubs.EBADF)
	case <-c.Context().Done():
		return c.Fail(stubs.EIO)
	}

	fd := s.alloc(&socket{
		conn: conn,
		rd:   bufio.NewReader(conn),
		done: make(chan struct{}),
	})

	if fd < 0 {
		conn.Close()
		return c.Fail(stubs.EMFILE)
	}

	var sa []byte

	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sa = stubs.EncodeSockaddr(addr)
	} else {
		sa = stubs.EncodeSockaddr(&net.TCPAddr{IP: net.IPv4zero})
	}

	return c.Return(fd, Outs{1: sa})
}

func (s *Sockets) connect(c *Call) error {
	sock := s.get(c.Values[0])

	if sock == nil {
		return c.Fail(stubs.EBADF)
	}

	if sock.conn != nil || sock.ln != nil {
		return c.Fail(stubs.EINVAL)
	}

	addr, err := s.sockaddr(c, 1)

	if err != nil {
		return c.Fail(stubs.EINVAL)
	}

	ctx, cancel := context.WithTimeout(c.Context(), dialTimeout)
	defer cancel()

	conn, err := s.Stack.DialTCP(ctx, addr)

	if err != nil {
		return c.Fail(stubs.ECONNREFUSED)
	}

	sock.conn = conn
	sock.rd = bufio.NewReader(conn)

	return c.Return(0, nil)
}

func (s *Sockets) send(c *Call) error {
	sock := s.get(c.Values[0])

	if sock == nil {
		return c.Fail(stubs.EBADF)
	}

	if sock.conn == nil {
		return c.Fail(stubs.ENOTCONN)
	}

	bufs, err := c.In(1)

	if err != nil {
		return err
	}

	n, err := sock.conn.Write(bufs[1])

	if err != nil && n == 0 {
		return c.Fail(stubs.ENOTCONN)
	}

	return c.Return(int32(n), nil)
}

func (s *Sockets) recv(c *Call) error {
	sock := s.get(c.Values[0])

	if sock == nil {
		return c.Fail(stubs.EBADF)
	}

	if sock.conn == nil {
		return c.Fail(stubs.ENOTCONN)
	}

	buf := make([]byte, c.Sizes[1])
	n, err := sock.rd.Read(buf)

	if err != nil && err != io.EOF && n == 0 {
		return c.Fail(stubs.ENOTCONN)
	}

	return c.Return(int32(n), Outs{1: buf[:n]})
}

func (s *Sockets) selectFds(c *Call) error {
	nfds := c.Values[0]

	if nfds > MaxSockets {
		nfds = MaxSockets
	}

	idx := []int{1, 2, 3}
	timeout := time.Duration(-1)

	if c.Sizes[4] == 8 {
		idx = append(idx, 4)
	}

	for i := 1; i <= 3; i++ {
		if c.Sizes[i] != stubs.FdSetSize {
			return c.Fail(stubs.EINVAL)
		}
	}

	bufs, err := c.In(idx...)

	if err != nil {
		return err
	}

	if c.Sizes[4] == 8 {
		timeout = stubs.DecodeTimeval(bufs[4])
	}

	var sets [3]stubs.FdSet

	for i := range sets {
		sets[i] = stubs.FdSet(binary.LittleEndian.Uint32(bufs[i+1]))
	}

	deadline := time.Now().Add(timeout)

	for {
		var n int32
		var ready [3]stubs.FdSet

		for fd := int32(0); fd < int32(nfds); fd++ {
			rd, wr := sets[0].IsSet(fd), sets[1].IsSet(fd)

			if !rd && !wr {
				continue
			}

			sock := s.get(uint32(fd))

			if sock == nil {
				return c.Fail(stubs.EBADF)
			}

			if rd && sock.readable() {
				ready[0].Set(fd)
				n++
			}

			if wr && sock.conn != nil {
				ready[1].Set(fd)
				n++
			}
		}

		if n > 0 || (timeout >= 0 && !time.Now().Before(deadline)) || c.Context().Err() != nil {
			return c.Return(n, Outs{
				1: ready[0].Bytes(),
				2: ready[1].Bytes(),
				3: ready[2].Bytes(),
			})
		}

		time.Sleep(pollInterval)
	}
}
