// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-sandbox/config"
)

func diskImage(t *testing.T, sector0 []byte) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	buf := make([]byte, 64*512)
	copy(buf, sector0)

	if err := os.WriteFile(path, buf, 0600); err != nil {
		t.Fatal(err)
	}

	return path
}

func startHost(t *testing.T, data string) (*host, map[string]*bytes.Buffer) {
	conf, err := config.Decode(data)

	if err != nil {
		t.Fatal(err)
	}

	h, err := newHost(conf)

	if err != nil {
		t.Fatal(err)
	}

	out := make(map[string]*bytes.Buffer)

	for _, g := range h.guests {
		buf := &bytes.Buffer{}
		g.Log.SetOutput(buf)
		out[g.conf.Name] = buf
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- h.run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("run, %v", err)
		}
	})

	select {
	case <-h.ready:
	case err := <-done:
		t.Fatalf("run, %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout")
	}

	return h, out
}

func (h *host) guest(name string) *guest {
	for _, g := range h.guests {
		if g.conf.Name == name {
			return g
		}
	}

	return nil
}

func wait(t *testing.T, g *guest) int32 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := g.Wait(ctx)

	if err != nil {
		t.Fatalf("%s, %v", g.conf.Name, err)
	}

	return status
}

func TestHost(t *testing.T) {
	sector0 := []byte("TSSI partition 0 header")
	image := diskImage(t, sector0)

	h, out := startHost(t, fmt.Sprintf(`
[network]
address = ""

[console]
listen = ""

[block]
image = %q

[[sandbox]]
name = "blk"
program = "blkread"

[[sandbox]]
name = "hello"
program = "hello"

[[sandbox]]
name = "stamp"
program = "blkstamp"
`, image))

	if status := wait(t, h.guest("blk")); status != 0 {
		t.Errorf("blk status %d", status)
	}

	want := fmt.Sprintf("SB blk sector 0: %x\n", sector0[:16])

	if diff := cmp.Diff(want, out["blk"].String()); diff != "" {
		t.Errorf("blk output (-want +got):\n%s", diff)
	}

	if status := wait(t, h.guest("hello")); status != 0 {
		t.Errorf("hello status %d", status)
	}

	if got := out["hello"].String(); !strings.HasPrefix(got, "SB hello hello from sandbox") {
		t.Errorf("hello output %q", got)
	}

	if status := wait(t, h.guest("stamp")); status != 0 {
		t.Fatalf("stamp status %d", status)
	}

	disk, err := os.ReadFile(image)

	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(blkStamp, string(disk[512:512+len(blkStamp)])); diff != "" {
		t.Errorf("sector 1 (-want +got):\n%s", diff)
	}
}

func TestNoBlockDevice(t *testing.T) {
	h, _ := startHost(t, `
[network]
address = ""

[console]
listen = ""

[[sandbox]]
name = "blk"
program = "blkread"
`)

	// the block syscalls are not installed
	if status := wait(t, h.guest("blk")); status == 0 {
		t.Error("blkread succeeded without a block device")
	}
}

func TestNetEcho(t *testing.T) {
	h, _ := startHost(t, `
[network]
address = "10.0.0.1"

[console]
listen = ""

[[sandbox]]
name = "echo"
program = "netecho"
`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var conn net.Conn

	dial := func() (err error) {
		conn, err = h.stack.DialTCP(ctx, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: netechoPort})
		return
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(20*time.Millisecond), ctx)

	if err := backoff.Retry(dial, b); err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := []byte("ping")

	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(msg, buf); diff != "" {
		t.Errorf("echo (-want +got):\n%s", diff)
	}
}

func TestUnknownProgram(t *testing.T) {
	conf, err := config.Decode(`
[network]
address = ""

[[sandbox]]
name = "x"
program = "missing"
`)

	if err != nil {
		t.Fatal(err)
	}

	if _, err = newHost(conf); err == nil {
		t.Fatal("unknown program accepted")
	}
}

func TestRegions(t *testing.T) {
	conf, err := config.Decode(`
[[sandbox]]
name = "a"
program = "hello"
`)

	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer

	if err = printRegions(&buf, conf); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"NonSecure", "a ", "0x20000000-0x20008000 xr-", "0x20008000-0x20010000 -rw"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing %q in\n%s", want, buf.String())
		}
	}
}
