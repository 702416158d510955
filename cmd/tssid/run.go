// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoTEE-sandbox/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the trusted system described by a configuration file"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-config <file>] - runs the Secure World, NonSecure World daemons and sandboxes until interrupted
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "tssid.toml", "configuration file, defaults are used when empty")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf := config.Default()

	if r.config != "" {
		var err error

		if conf, err = config.Load(r.config); err != nil {
			log.Printf("SM could not load configuration, %v", err)
			return subcommands.ExitFailure
		}
	}

	log.Printf("SM %s/%s (%s) • TSSI host", runtime.GOOS, runtime.GOARCH, runtime.Version())

	h, err := newHost(conf)

	if err != nil {
		log.Printf("SM %v", err)
		return subcommands.ExitFailure
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = h.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("SM %v", err)
		return subcommands.ExitFailure
	}

	log.Printf("SM exiting")

	return subcommands.ExitSuccess
}
