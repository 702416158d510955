// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoTEE-sandbox/config"
	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/sandbox"
)

// CheckImage implements subcommands.Command for the "check-image" command.
type CheckImage struct {
	elf     string
	config  string
	sandbox string
}

// Name implements subcommands.Command.Name.
func (*CheckImage) Name() string {
	return "check-image"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CheckImage) Synopsis() string {
	return "print and validate the header and sections of a sandbox image"
}

// Usage implements subcommands.Command.Usage.
func (*CheckImage) Usage() string {
	return `check-image -elf <file> [-config <file> -sandbox <name>] - prints the image header, validating it against the sandbox regions when given
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *CheckImage) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.elf, "elf", "", "sandbox ELF image")
	f.StringVar(&c.config, "config", "", "configuration file")
	f.StringVar(&c.sandbox, "sandbox", "", "sandbox whose regions validate the image")
}

// Execute implements subcommands.Command.Execute.
func (c *CheckImage) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || c.elf == "" || (c.config == "") != (c.sandbox == "") {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var t *mem.Table

	if c.config != "" {
		table, err := sandboxTable(c.config, c.sandbox)

		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}

		t = &table
	}

	if err := checkImage(os.Stdout, c.elf, t); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func sandboxTable(path string, name string) (t mem.Table, err error) {
	conf, err := config.Load(path)

	if err != nil {
		return
	}

	for _, s := range conf.Sandboxes {
		if s.Name == name {
			return s.Table()
		}
	}

	return t, fmt.Errorf("unknown sandbox %s", name)
}

func checkImage(w io.Writer, path string, t *mem.Table) (err error) {
	f, err := os.Open(path)

	if err != nil {
		return
	}
	defer f.Close()

	img, err := sandbox.ReadELF(f)

	if err != nil {
		return
	}

	fmt.Fprintf(w, "entry    %#.8x\n", img.Entry)

	for _, s := range img.Sections {
		fmt.Fprintln(w, s)
	}

	h, err := img.Header()

	if err != nil {
		return
	}

	fmt.Fprintf(w, "code     %#.8x-%#.8x\n", h.CodeBase, h.CodeEnd)
	fmt.Fprintf(w, "data     %#.8x-%#.8x\n", h.DataBase, h.DataEnd)
	fmt.Fprintf(w, "vrq      %#.8x\n", h.VRQ)

	if t == nil {
		return
	}

	if err = h.Validate(t); err != nil {
		return fmt.Errorf("invalid header, %v", err)
	}

	fmt.Fprintln(w, "header valid")

	return
}
