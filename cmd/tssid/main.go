// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command tssid runs the Secure World services, NonSecure World skeleton
// daemons and sandboxes of a trusted system on a single host.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&Run{}, "")
	subcommands.Register(&CheckImage{}, "tools")
	subcommands.Register(&Regions{}, "tools")

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}
