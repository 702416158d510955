// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/GoTEE-sandbox/config"
	"github.com/usbarmory/GoTEE-sandbox/console"
	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/netstack"
	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/skel"
	"github.com/usbarmory/GoTEE-sandbox/stubs"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
	"github.com/usbarmory/GoTEE-sandbox/util"
	"github.com/usbarmory/GoTEE-sandbox/vfs"
)

// Stub services and their new operation flags
const (
	SockService = "SockStubs"
	BlkService  = "BlkStubs"

	sockFlag = 1 << 0
	blkFlag  = 1 << 1
)

// headerScratch is reserved at the NonSecure World memory base.
const headerScratch = 0x1000

// guest represents a configured sandbox.
type guest struct {
	*console.Supervised

	conf  config.Sandbox
	table mem.Table
	fs    sandbox.VFS
}

// host represents both worlds of the trusted system.
type host struct {
	sync.Mutex

	conf *config.Config

	monitor *tssi.Monitor
	client  *tssi.Client
	proxies []*stubs.Proxy
	daemons []*skel.Daemon

	stack  *netstack.Stack
	device *os.File

	sockets *stubs.Sockets
	blocks  *stubs.Blocks

	guests []*guest

	// ctx is the context of the current run, used for restarts
	ctx context.Context
	// ready is closed once all sandboxes are started
	ready chan struct{}
}

func newHost(conf *config.Config) (h *host, err error) {
	ns := mem.NewSpace(conf.NonSecure.Base, int(conf.NonSecure.Size))

	h = &host{
		conf:    conf,
		monitor: tssi.NewMonitor(ns, conf.NonSecureTable()),
		ready:   make(chan struct{}),
	}

	h.client = tssi.NewClient(h.monitor, ns)
	h.client.Slice = conf.Monitor.Slice.Duration
	h.client.Idle = conf.Monitor.Idle.Duration
	h.client.Retries = conf.Monitor.Retries

	pending := h

	defer func() {
		if err != nil {
			pending.close()
		}
	}()

	// NonSecure World memory past the scratch area is split between
	// skeleton daemons
	window := (conf.NonSecure.Size - headerScratch) / 2
	base := conf.NonSecure.Base + headerScratch

	if conf.Network.Address != "" {
		if h.stack, err = netstack.New(conf.Network.Address); err != nil {
			return nil, fmt.Errorf("could not initialize netstack, %v", err)
		}

		sockets := &skel.Sockets{Stack: h.stack}
		proxy, err := h.addService(SockService, sockFlag, base, window, sockets.Methods())

		if err != nil {
			return nil, err
		}

		h.sockets = &stubs.Sockets{Proxy: proxy}
	}

	if conf.Block.Image != "" {
		if h.device, err = os.OpenFile(conf.Block.Image, os.O_RDWR, 0); err != nil {
			return nil, fmt.Errorf("could not open block image, %v", err)
		}

		blocks := &skel.Blocks{
			Device:     h.device,
			SectorSize: conf.Block.SectorSize,
			Partition: skel.Partition{
				Start:   uint64(conf.Block.Start),
				Sectors: uint64(conf.Block.Sectors),
			},
		}

		if blocks.Partition.Sectors == 0 {
			fi, err := h.device.Stat()

			if err != nil {
				return nil, err
			}

			ss := int64(conf.Block.SectorSize)

			if ss <= 0 {
				ss = skel.DefaultSectorSize
			}

			if size := fi.Size()/ss - int64(conf.Block.Start); size > 0 {
				blocks.Partition.Sectors = uint64(size)
			}
		}

		proxy, err := h.addService(BlkService, blkFlag, base+window, window, blocks.Methods())

		if err != nil {
			return nil, err
		}

		h.blocks = &stubs.Blocks{Proxy: proxy}
	}

	dev := hostDevices()

	for i := range conf.Sandboxes {
		if err = h.addGuest(conf.Sandboxes[i], dev); err != nil {
			return
		}
	}

	return
}

// addService registers a stub service and the skeleton daemon serving it.
func (h *host) addService(name string, flag uint32, base uint32, size uint32, methods map[uint32]skel.Method) (proxy *stubs.Proxy, err error) {
	proxy, err = stubs.NewProxy(h.monitor, name, flag, h.conf.Monitor.Ops)

	if err != nil {
		return nil, fmt.Errorf("could not register %s, %v", name, err)
	}

	h.proxies = append(h.proxies, proxy)
	h.daemons = append(h.daemons, &skel.Daemon{
		Service: name,
		Client:  h.client,
		Flag:    flag,
		Base:    base,
		Size:    size,
		Workers: h.conf.Monitor.Workers,
		Methods: methods,
	})

	return
}

func (h *host) addGuest(conf config.Sandbox, dev *devices) (err error) {
	img, ok := programs[conf.Program]

	if !ok {
		return fmt.Errorf("sandbox %s has unknown program %s", conf.Name, conf.Program)
	}

	table, err := conf.Table()

	if err != nil {
		return fmt.Errorf("sandbox %s, %v", conf.Name, err)
	}

	v, err := dev.vio(&conf)

	if err != nil {
		return fmt.Errorf("sandbox %s, %v", conf.Name, err)
	}

	space := mem.NewSpace(conf.Base, int(conf.Size))
	emu := sandbox.NewEmulator()
	stdout := util.NewLog(fmt.Sprintf("SB %s ", conf.Name), os.Stdout)

	g := &guest{
		conf:  conf,
		table: table,
	}

	if conf.Root != "" {
		if g.fs, err = vfs.NewDir(conf.Root, conf.ReadOnly); err != nil {
			return fmt.Errorf("sandbox %s, %v", conf.Name, err)
		}
	}

	syscalls := sandbox.NewSyscalls()

	if h.blocks != nil {
		blockSyscalls(syscalls, h.blocks)
	}

	if h.sockets != nil {
		socketSyscalls(syscalls, h.sockets)
	}

	sb, err := sandbox.New(sandbox.Config{
		Name:      conf.Name,
		Memory:    space,
		Processor: emu,
		Syscalls:  syscalls,
		Stdin:     eof{},
		Stdout:    stdout,
		Stderr:    stdout,
		FS:        g.fs,
		VIO:       v,
		AlarmVRQ:  conf.AlarmVRQ,
	})

	if err != nil {
		return fmt.Errorf("sandbox %s, %v", conf.Name, err)
	}

	g.Supervised = &console.Supervised{
		Sandbox: sb,
		Log:     stdout,
	}

	g.Restart = func() error {
		h.Lock()
		ctx := h.ctx
		h.Unlock()

		if ctx == nil {
			return errors.New("not running")
		}

		return g.start(ctx)
	}

	if conf.Image == "" {
		if _, err = emu.Install(space, table, img); err != nil {
			return fmt.Errorf("sandbox %s, %v", conf.Name, err)
		}
	} else {
		// the image carries the header, the program runs past it
		emu.Load(table[0].Base+sandbox.HeaderSize, img)

		if buf, err := os.ReadFile(filepath.Join(conf.Root, filepath.FromSlash(path.Clean("/"+conf.Image)))); err == nil {
			if g.Symbols, err = util.NewSymbols(buf); err != nil {
				log.Printf("SM sandbox %s has no symbols, %v", conf.Name, err)
			}
		}
	}

	h.guests = append(h.guests, g)

	return
}

// eof is the standard input of sandboxes.
type eof struct{}

func (eof) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (g *guest) start(ctx context.Context) error {
	if g.conf.Image != "" {
		return g.Exec(ctx, g.fs, g.conf.Image, g.table, g.conf.Args, g.conf.Env)
	}

	return g.Start(ctx, g.table)
}

func (h *host) close() {
	if h.stack != nil {
		h.stack.Close()
	}

	if h.device != nil {
		h.device.Sync()
		h.device.Close()
	}
}

// supervised returns the console view of the sandboxes.
func (h *host) supervised() (s []*console.Supervised) {
	for _, g := range h.guests {
		s = append(s, g.Supervised)
	}

	return
}

// startConsole serves the supervisor console until ctx is done.
func (h *host) startConsole(ctx context.Context) (err error) {
	listener, err := net.Listen("tcp", h.conf.Console.Listen)

	if err != nil {
		return fmt.Errorf("could not initialize SSH listener, %v", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	console.SetTarget(&console.Target{
		Registry:  h.monitor.Registry,
		Sandboxes: h.supervised(),
	})

	c := &console.Console{
		Banner: fmt.Sprintf("%s/%s (%s) • TSSI host", runtime.GOOS, runtime.GOARCH, runtime.Version()),
	}

	return c.Start(listener)
}

// bringUp opens the stubs once the skeletons are ready, then starts the
// sandboxes and the console.
func (h *host) bringUp(ctx context.Context) (err error) {
	if err = h.monitor.Registry.WaitStarted(ctx, len(h.proxies)); err != nil {
		return
	}

	for _, p := range h.proxies {
		if err = p.WaitReady(ctx, p.NewOpFlag); err != nil {
			return
		}
	}

	if h.blocks != nil {
		if err = h.blocks.Open(ctx); err != nil {
			return fmt.Errorf("could not open block device, %v", err)
		}
	}

	h.Lock()
	h.ctx = ctx
	h.Unlock()

	for _, g := range h.guests {
		if err = g.start(ctx); err != nil {
			return fmt.Errorf("could not start sandbox %s, %w", g.Name, err)
		}
	}

	if h.conf.Console.Listen != "" {
		if err = h.startConsole(ctx); err != nil {
			return
		}
	}

	close(h.ready)

	return
}

// run serves both worlds until ctx is done or any component fails, the
// former returns the ctx error.
func (h *host) run(parent context.Context) (err error) {
	defer h.close()

	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error {
		h.client.IdleLoop(ctx)
		return ctx.Err()
	})

	for _, p := range h.proxies {
		p := p
		g.Go(func() error { return p.Serve(ctx) })
	}

	for _, d := range h.daemons {
		d := d
		g.Go(func() error { return d.Start(ctx) })
	}

	g.Go(func() (err error) {
		if err = h.bringUp(ctx); err != nil {
			return
		}

		log.Printf("SM %d services, %d sandboxes", len(h.monitor.Registry.Services()), len(h.guests))

		<-ctx.Done()

		return ctx.Err()
	})

	if err = g.Wait(); parent.Err() != nil {
		return parent.Err()
	}

	return
}
