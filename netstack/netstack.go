// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package netstack provides the gVisor TCP/IP stack instance reflected to
// the Secure World by the socket skeleton.
package netstack

import (
	"context"
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/link/loopback"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

// NICID is the identifier of the stack interface.
const NICID tcpip.NICID = 1

// Stack represents an IPv4 TCP/IP stack.
type Stack struct {
	// Stack is the underlying gVisor stack
	Stack *stack.Stack
	// Addr is the interface address
	Addr tcpip.Address
}

// New returns a stack with a loopback interface configured with the given
// IPv4 address.
func New(addr string) (s *Stack, err error) {
	ip := net.ParseIP(addr).To4()

	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", addr)
	}

	s = &Stack{
		Stack: stack.New(stack.Options{
			NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
			TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
		}),
		Addr: tcpip.Address(ip),
	}

	if tcpErr := s.Stack.CreateNIC(NICID, loopback.New()); tcpErr != nil {
		return nil, fmt.Errorf("could not create NIC, %s", tcpErr)
	}

	if tcpErr := s.Stack.AddAddress(NICID, ipv4.ProtocolNumber, s.Addr); tcpErr != nil {
		return nil, fmt.Errorf("could not add address, %s", tcpErr)
	}

	unspecified := tcpip.Address("\x00\x00\x00\x00")
	subnet, err := tcpip.NewSubnet(unspecified, tcpip.AddressMask(unspecified))

	if err != nil {
		return
	}

	s.Stack.SetRouteTable([]tcpip.Route{
		{
			Destination: subnet,
			NIC:         NICID,
		},
	})

	return
}

func (s *Stack) fullAddr(addr *net.TCPAddr) (fa tcpip.FullAddress) {
	fa.NIC = NICID
	fa.Port = uint16(addr.Port)

	if ip := addr.IP.To4(); ip != nil && !ip.IsUnspecified() {
		fa.Addr = tcpip.Address(ip)
	}

	return
}

// ListenTCP announces on the given local address, an unspecified IP
// listens on the stack address.
func (s *Stack) ListenTCP(addr *net.TCPAddr) (net.Listener, error) {
	fa := s.fullAddr(addr)

	if len(fa.Addr) == 0 {
		fa.Addr = s.Addr
	}

	return gonet.ListenTCP(s.Stack, fa, ipv4.ProtocolNumber)
}

// DialTCP connects to the given remote address.
func (s *Stack) DialTCP(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
	return gonet.DialContextTCP(ctx, s.Stack, s.fullAddr(addr), ipv4.ProtocolNumber)
}

// Close releases the stack resources.
func (s *Stack) Close() {
	s.Stack.Close()
}
