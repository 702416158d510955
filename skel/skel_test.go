// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package skel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/netstack"
	"github.com/usbarmory/GoTEE-sandbox/stubs"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

const (
	nsBase = 0x80000000
	nsSize = 0x20000

	sockFlag = 1 << 0
	blkFlag  = 1 << 1
)

type worlds struct {
	sockets *stubs.Sockets
	blocks  *stubs.Blocks
	device  *os.File
}

func setup(t *testing.T) (*worlds, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := tssi.NewMonitor(mem.NewSpace(nsBase, nsSize), mem.NonSecureTable(nsBase, nsSize))

	sockProxy, err := stubs.NewProxy(m, "SockStubs", sockFlag, 8)

	if err != nil {
		t.Fatal(err)
	}

	blkProxy, err := stubs.NewProxy(m, "BlkStubs", blkFlag, 4)

	if err != nil {
		t.Fatal(err)
	}

	go sockProxy.Serve(ctx)
	go blkProxy.Serve(ctx)

	if err = m.Registry.WaitStarted(ctx, 2); err != nil {
		t.Fatal(err)
	}

	stack, err := netstack.New("10.0.0.1")

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(stack.Close)

	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { f.Close() })

	if err = f.Truncate(64 * DefaultSectorSize); err != nil {
		t.Fatal(err)
	}

	client := tssi.NewClient(m, m.Memory)
	client.Idle = 5 * time.Millisecond

	go client.IdleLoop(ctx)

	sockets := &Sockets{Stack: stack}
	blocks := &Blocks{
		Device:    f,
		Partition: Partition{Start: 8, Sectors: 16},
	}

	for _, d := range []*Daemon{
		{
			Service: "SockStubs",
			Client:  client,
			Flag:    sockFlag,
			Base:    nsBase + 0x1000,
			Size:    0x8000,
			Workers: 4,
			Poll:    10 * time.Millisecond,
			Methods: sockets.Methods(),
		},
		{
			Service: "BlkStubs",
			Client:  client,
			Flag:    blkFlag,
			Base:    nsBase + 0x10000,
			Size:    0x8000,
			Poll:    10 * time.Millisecond,
			Methods: blocks.Methods(),
		},
	} {
		go d.Start(ctx)
	}

	if err = sockProxy.WaitReady(ctx, sockFlag); err != nil {
		t.Fatal(err)
	}

	if err = blkProxy.WaitReady(ctx, blkFlag); err != nil {
		t.Fatal(err)
	}

	return &worlds{
		sockets: &stubs.Sockets{Proxy: sockProxy},
		blocks:  &stubs.Blocks{Proxy: blkProxy},
		device:  f,
	}, cancel
}

func TestSockets(t *testing.T) {
	w, _ := setup(t)
	s := w.sockets
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8080}

	lfd, err := s.Socket(ctx, stubs.AF_INET, stubs.SOCK_STREAM, 0)

	if err != nil {
		t.Fatal(err)
	}

	if err = s.Bind(ctx, lfd, addr); err != nil {
		t.Fatal(err)
	}

	if err = s.Listen(ctx, lfd, 4); err != nil {
		t.Fatal(err)
	}

	type accepted struct {
		fd  int32
		err error
	}

	ac := make(chan accepted, 1)

	go func() {
		fd, _, err := s.Accept(ctx, lfd)
		ac <- accepted{fd, err}
	}()

	cfd, err := s.Socket(ctx, stubs.AF_INET, stubs.SOCK_STREAM, 0)

	if err != nil {
		t.Fatal(err)
	}

	if err = s.Connect(ctx, cfd, addr); err != nil {
		t.Fatal(err)
	}

	a := <-ac

	if a.err != nil {
		t.Fatal(a.err)
	}

	msg := []byte("hello across worlds")

	if n, err := s.Send(ctx, cfd, msg, 0); err != nil || n != len(msg) {
		t.Fatalf("Send = %d, %v", n, err)
	}

	var rd stubs.FdSet
	rd.Set(a.fd)

	n, err := s.Select(ctx, MaxSockets, &rd, nil, nil, time.Second)

	if err != nil || n != 1 || !rd.IsSet(a.fd) {
		t.Fatalf("Select = %d, %v, set:%#x", n, err, rd)
	}

	buf := make([]byte, 64)
	got := []byte{}

	for len(got) < len(msg) {
		n, err := s.Recv(ctx, a.fd, buf, 0)

		if err != nil || n == 0 {
			t.Fatalf("Recv = %d, %v", n, err)
		}

		got = append(got, buf[:n]...)
	}

	if !bytes.Equal(got, msg) {
		t.Errorf("Recv = %q, want %q", got, msg)
	}

	for _, fd := range []int32{a.fd, cfd, lfd} {
		if err = s.Close(ctx, fd); err != nil {
			t.Errorf("Close(%d) = %v", fd, err)
		}
	}

	if err = s.Close(ctx, lfd); !errors.Is(err, stubs.EBADF) {
		t.Errorf("double Close = %v, want EBADF", err)
	}

	if _, err = s.Socket(ctx, 10, stubs.SOCK_STREAM, 0); !errors.Is(err, stubs.EAFNOSUPPORT) {
		t.Errorf("IPv6 Socket = %v, want EAFNOSUPPORT", err)
	}
}

func TestBlocks(t *testing.T) {
	w, _ := setup(t)
	b := w.blocks
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Read(ctx, 0, make([]byte, DefaultSectorSize)); !errors.Is(err, stubs.EBADF) {
		t.Errorf("Read before Open = %v, want EBADF", err)
	}

	if err := b.Open(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.Open(ctx); !errors.Is(err, stubs.EBUSY) {
		t.Errorf("second Open = %v, want EBUSY", err)
	}

	info, err := b.Info(ctx)

	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(stubs.BlockInfo{SectorSize: DefaultSectorSize, Sectors: 16}, info); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}

	data := bytes.Repeat([]byte{0xa5, 0x5a}, DefaultSectorSize)

	if err = b.Write(ctx, 2, data); err != nil {
		t.Fatal(err)
	}

	if err = b.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// sector 2 of the window is sector 10 of the device
	raw := make([]byte, len(data))

	if _, err = w.device.ReadAt(raw, 10*DefaultSectorSize); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(raw, data) {
		t.Errorf("device content mismatch")
	}

	got := make([]byte, len(data))

	if err = b.Read(ctx, 2, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, data) {
		t.Errorf("Read mismatch")
	}

	if err = b.Write(ctx, 15, data); !errors.Is(err, stubs.EINVAL) {
		t.Errorf("Write past the window = %v, want EINVAL", err)
	}

	if err = b.Read(ctx, 0, make([]byte, 100)); !errors.Is(err, stubs.EINVAL) {
		t.Errorf("partial sector Read = %v, want EINVAL", err)
	}

	if err = b.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownOperation(t *testing.T) {
	w, _ := setup(t)

	res, err := w.blocks.Proxy.Call(context.Background(), 99)

	if err != nil || stubs.Error(res) != stubs.ENOSYS {
		t.Errorf("unknown operation = %d, %v, want ENOSYS", res, err)
	}
}
