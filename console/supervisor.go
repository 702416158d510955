// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
	"github.com/usbarmory/GoTEE-sandbox/util"
)

// messageTimeout bounds the wait for a sandbox reply.
const messageTimeout = 5 * time.Second

// Supervised represents a sandbox managed from the console.
type Supervised struct {
	*sandbox.Sandbox

	// Restart runs the sandbox again after termination
	Restart func() error
	// Symbols annotates fault addresses, it can be nil
	Symbols *util.Symbols
	// Log is the sandbox output, redirected to the console session
	Log *util.Log
}

// Target represents the state inspected by supervisor commands.
type Target struct {
	Registry  *tssi.Registry
	Sandboxes []*Supervised
}

var target struct {
	sync.Mutex
	t *Target
}

// SetTarget sets the state served by supervisor commands.
func SetTarget(t *Target) {
	target.Lock()
	defer target.Unlock()

	target.t = t
}

func getTarget() (*Target, error) {
	target.Lock()
	defer target.Unlock()

	if target.t == nil {
		return nil, errors.New("no target")
	}

	return target.t, nil
}

func findSandbox(name string) (*Supervised, error) {
	t, err := getTarget()

	if err != nil {
		return nil, err
	}

	for _, s := range t.Sandboxes {
		if s.Name == name {
			return s, nil
		}
	}

	return nil, fmt.Errorf("unknown sandbox %s", name)
}

func init() {
	Add(Cmd{
		Name: "services",
		Help: "registered Secure World services",
		Fn:   servicesCmd,
	})

	Add(Cmd{
		Name: "sandboxes",
		Help: "sandbox state",
		Fn:   sandboxesCmd,
	})

	Add(Cmd{
		Name:    "regions",
		Args:    1,
		Pattern: regexp.MustCompile(`^regions (\S+)$`),
		Syntax:  "<sandbox>",
		Help:    "sandbox region table",
		Fn:      regionsCmd,
	})

	Add(Cmd{
		Name:    "vrq",
		Args:    2,
		Pattern: regexp.MustCompile(`^vrq (\S+) (\d+)$`),
		Syntax:  "<sandbox> <n>",
		Help:    "trigger a virtual IRQ",
		Fn:      vrqCmd,
	})

	Add(Cmd{
		Name:    "msg",
		Args:    2,
		Pattern: regexp.MustCompile(`^msg (\S+) (\d+)$`),
		Syntax:  "<sandbox> <value>",
		Help:    "send a message and wait for its reply",
		Fn:      msgCmd,
	})

	Add(Cmd{
		Name:    "restart",
		Args:    1,
		Pattern: regexp.MustCompile(`^restart (\S+)$`),
		Syntax:  "<sandbox>",
		Help:    "restart a terminated sandbox",
		Fn:      restartCmd,
	})

	Add(Cmd{
		Name:    "sym",
		Args:    2,
		Pattern: regexp.MustCompile(`^sym (\S+) (?:0x)?([[:xdigit:]]+)$`),
		Syntax:  "<sandbox> <hex pc>",
		Help:    "resolve a sandbox address",
		Fn:      symCmd,
	})
}

func servicesCmd(_ *term.Terminal, _ []string) (string, error) {
	var buf bytes.Buffer

	t, err := getTarget()

	if err != nil {
		return "", err
	}

	svcs := t.Registry.Services()

	sort.Slice(svcs, func(i, j int) bool {
		return svcs[i].Handle < svcs[j].Handle
	})

	w := tabwriter.NewWriter(&buf, 8, 8, 1, ' ', 0)
	fmt.Fprintf(w, "handle\tname\torder\tcalls\n")

	for _, svc := range svcs {
		fmt.Fprintf(w, "%#x\t%s\t%d\t%d\n", uint32(svc.Handle), svc.Name, svc.Order, svc.Calls())
	}

	_ = w.Flush()

	return buf.String(), nil
}

func sandboxesCmd(_ *term.Terminal, _ []string) (string, error) {
	var buf bytes.Buffer

	t, err := getTarget()

	if err != nil {
		return "", err
	}

	w := tabwriter.NewWriter(&buf, 8, 8, 1, ' ', 0)
	fmt.Fprintf(w, "name\tstate\tstatus\tpending\tenabled\tisr\n")

	for _, s := range t.Sandboxes {
		state := "stopped"
		running, status := s.Status()

		if running {
			state = "running"
		}

		pending, enabled, isr := s.VRQState()
		fmt.Fprintf(w, "%s\t%s\t%d\t%#.8x\t%#.8x\t%d\n", s.Name, state, status, pending, enabled, isr)
	}

	_ = w.Flush()

	return buf.String(), nil
}

func regionsCmd(_ *term.Terminal, arg []string) (string, error) {
	var buf bytes.Buffer

	s, err := findSandbox(arg[0])

	if err != nil {
		return "", err
	}

	for i, r := range s.Regions() {
		if r.Used {
			fmt.Fprintf(&buf, "%d: %s\n", i, r)
		}
	}

	return buf.String(), nil
}

func vrqCmd(_ *term.Terminal, arg []string) (res string, err error) {
	s, err := findSandbox(arg[0])

	if err != nil {
		return
	}

	n, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid VRQ, %v", err)
	}

	return "", s.Trigger(uint32(n))
}

func msgCmd(_ *term.Terminal, arg []string) (res string, err error) {
	s, err := findSandbox(arg[0])

	if err != nil {
		return
	}

	val, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid message, %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	reply, err := s.SendMessage(ctx, uint32(val))

	if err != nil {
		return
	}

	return fmt.Sprintf("reply: %d", reply), nil
}

func restartCmd(_ *term.Terminal, arg []string) (res string, err error) {
	s, err := findSandbox(arg[0])

	if err != nil {
		return
	}

	if s.Running() {
		return "", sandbox.EBUSY
	}

	if s.Restart == nil {
		return "", errors.New("restart not supported")
	}

	return "", s.Restart()
}

func symCmd(_ *term.Terminal, arg []string) (res string, err error) {
	s, err := findSandbox(arg[0])

	if err != nil {
		return
	}

	if s.Symbols == nil {
		return "", errors.New("no symbols")
	}

	pc, err := strconv.ParseUint(arg[1], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	return s.Symbols.PCToLine(pc)
}
