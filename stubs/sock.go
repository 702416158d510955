// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package stubs

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Socket operation codes
const (
	SOCK_SOCKET uint32 = iota
	SOCK_CLOSE
	SOCK_BIND
	SOCK_LISTEN
	SOCK_ACCEPT
	SOCK_CONNECT
	SOCK_SEND
	SOCK_RECV
	SOCK_SELECT
)

// Socket domains and types
const (
	AF_INET     = 2
	SOCK_STREAM = 1
)

// Remote error codes
const (
	EIO          Error = -5
	EBADF        Error = -9
	ENOMEM       Error = -12
	EBUSY        Error = -16
	EINVAL       Error = -22
	EMFILE       Error = -24
	ENOSYS       Error = -38
	ENOTCONN     Error = -107
	EAFNOSUPPORT Error = -97
	ECONNREFUSED Error = -111
)

// Error represents a negative result returned by a skeleton.
type Error int32

func (e Error) Error() string {
	return fmt.Sprintf("remote error %d", int32(e))
}

func check(res int32, err error) (int32, error) {
	if err != nil {
		return res, err
	}

	if res < 0 {
		return res, Error(res)
	}

	return res, nil
}

// SockaddrSize is the encoded IPv4 socket address size.
const SockaddrSize = 16

// EncodeSockaddr encodes an IPv4 socket address.
func EncodeSockaddr(addr *net.TCPAddr) []byte {
	buf := make([]byte, SockaddrSize)

	buf[0] = SockaddrSize
	buf[1] = AF_INET
	binary.BigEndian.PutUint16(buf[2:], uint16(addr.Port))

	if ip := addr.IP.To4(); ip != nil {
		copy(buf[4:8], ip)
	}

	return buf
}

// DecodeSockaddr decodes an IPv4 socket address.
func DecodeSockaddr(buf []byte) (*net.TCPAddr, error) {
	if len(buf) < SockaddrSize || buf[1] != AF_INET {
		return nil, EAFNOSUPPORT
	}

	return &net.TCPAddr{
		IP:   net.IPv4(buf[4], buf[5], buf[6], buf[7]),
		Port: int(binary.BigEndian.Uint16(buf[2:])),
	}, nil
}

// FdSet represents a select descriptor set.
type FdSet uint32

// FdSetSize is the encoded descriptor set size.
const FdSetSize = 4

// Set adds fd to the set.
func (s *FdSet) Set(fd int32) {
	*s |= 1 << uint(fd)
}

// IsSet returns whether fd is in the set.
func (s FdSet) IsSet(fd int32) bool {
	return s&(1<<uint(fd)) != 0
}

// Bytes returns the set encoding.
func (s FdSet) Bytes() []byte {
	buf := make([]byte, FdSetSize)
	binary.LittleEndian.PutUint32(buf, uint32(s))
	return buf
}

// EncodeTimeval encodes a select timeout.
func EncodeTimeval(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(d/time.Second))
	binary.LittleEndian.PutUint32(buf[4:], uint32((d%time.Second)/time.Microsecond))
	return buf
}

// DecodeTimeval decodes a select timeout.
func DecodeTimeval(buf []byte) time.Duration {
	sec := binary.LittleEndian.Uint32(buf)
	usec := binary.LittleEndian.Uint32(buf[4:])

	return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
}

// Sockets represents the socket stubs, reflecting a NonSecure World TCP/IP
// stack.
type Sockets struct {
	Proxy *Proxy
}

// Socket creates a socket.
func (s *Sockets) Socket(ctx context.Context, domain uint32, typ uint32, proto uint32) (int32, error) {
	return check(s.Proxy.Call(ctx, SOCK_SOCKET, Value(domain), Value(typ), Value(proto)))
}

// Close closes a socket.
func (s *Sockets) Close(ctx context.Context, fd int32) (err error) {
	_, err = check(s.Proxy.Call(ctx, SOCK_CLOSE, Value(uint32(fd))))
	return
}

// Bind assigns a local address to a socket.
func (s *Sockets) Bind(ctx context.Context, fd int32, addr *net.TCPAddr) (err error) {
	_, err = check(s.Proxy.Call(ctx, SOCK_BIND, Value(uint32(fd)), In(EncodeSockaddr(addr))))
	return
}

// Listen marks a socket as accepting connections.
func (s *Sockets) Listen(ctx context.Context, fd int32, backlog int) (err error) {
	_, err = check(s.Proxy.Call(ctx, SOCK_LISTEN, Value(uint32(fd)), Value(uint32(backlog))))
	return
}

// Accept waits for a connection on a listening socket.
func (s *Sockets) Accept(ctx context.Context, fd int32) (nfd int32, addr *net.TCPAddr, err error) {
	buf := make([]byte, SockaddrSize)

	if nfd, err = check(s.Proxy.Call(ctx, SOCK_ACCEPT, Value(uint32(fd)), Out(buf))); err != nil {
		return
	}

	addr, err = DecodeSockaddr(buf)

	return
}

// Connect connects a socket to a remote address.
func (s *Sockets) Connect(ctx context.Context, fd int32, addr *net.TCPAddr) (err error) {
	_, err = check(s.Proxy.Call(ctx, SOCK_CONNECT, Value(uint32(fd)), In(EncodeSockaddr(addr))))
	return
}

// Send transmits buf, returning the number of bytes sent.
func (s *Sockets) Send(ctx context.Context, fd int32, buf []byte, flags uint32) (int, error) {
	n, err := check(s.Proxy.Call(ctx, SOCK_SEND, Value(uint32(fd)), In(buf), Value(flags)))
	return int(n), err
}

// Recv receives at most len(buf) bytes, returning the number of bytes
// received.
func (s *Sockets) Recv(ctx context.Context, fd int32, buf []byte, flags uint32) (int, error) {
	n, err := check(s.Proxy.Call(ctx, SOCK_RECV, Value(uint32(fd)), Out(buf), Value(flags)))
	return int(n), err
}

// Select waits for descriptors to become ready, a negative timeout waits
// indefinitely. The sets are updated with the ready descriptors.
func (s *Sockets) Select(ctx context.Context, nfds int32, rd *FdSet, wr *FdSet, ex *FdSet, timeout time.Duration) (int, error) {
	sets := []*FdSet{rd, wr, ex}
	bufs := make([][]byte, len(sets))
	params := []Param{Value(uint32(nfds))}

	for i, set := range sets {
		if set == nil {
			set = new(FdSet)
		}

		bufs[i] = set.Bytes()
		params = append(params, InOut(bufs[i]))
	}

	if timeout >= 0 {
		params = append(params, In(EncodeTimeval(timeout)))
	}

	n, err := check(s.Proxy.Call(ctx, SOCK_SELECT, params...))

	if err != nil {
		return 0, err
	}

	for i, set := range sets {
		if set != nil {
			*set = FdSet(binary.LittleEndian.Uint32(bufs[i]))
		}
	}

	return int(n), nil
}
