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
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoTEE-sandbox/config"
	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// Regions implements subcommands.Command for the "regions" command.
type Regions struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Regions) Name() string {
	return "regions"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Regions) Synopsis() string {
	return "print and validate the region tables of a configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Regions) Usage() string {
	return `regions [-config <file>] - prints the NonSecure World and sandbox region tables
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Regions) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "tssid.toml", "configuration file")
}

// Execute implements subcommands.Command.Execute.
func (r *Regions) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf, err := config.Load(r.config)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	if err = printRegions(os.Stdout, conf); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func printTable(w io.Writer, name string, t *mem.Table) {
	for i, r := range t {
		if r.Used {
			fmt.Fprintf(w, "%s\t%d\t%s\n", name, i, r)
		}
	}
}

func printRegions(out io.Writer, conf *config.Config) (err error) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	ns := conf.NonSecureTable()

	if err = ns.Validate(); err != nil {
		return fmt.Errorf("NonSecure World, %v", err)
	}

	fmt.Fprintf(w, "Context\tRegion\tRange\n")
	printTable(w, "NonSecure", &ns)

	for _, s := range conf.Sandboxes {
		t, err := s.Table()

		if err != nil {
			return fmt.Errorf("sandbox %s, %v", s.Name, err)
		}

		printTable(w, s.Name, &t)
	}

	return w.Flush()
}
