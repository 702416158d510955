// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package console

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// CmdFn represents a command handler.
type CmdFn func(term *term.Terminal, arg []string) (res string, err error)

// Cmd represents a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      CmdFn
}

var cmds = make(map[string]*Cmd)

// Add registers a console command, commands without Pattern match their
// name alone.
func Add(cmd Cmd) {
	if cmd.Pattern == nil {
		cmd.Pattern = regexp.MustCompile(`^` + regexp.QuoteMeta(cmd.Name) + `$`)
	}

	cmds[cmd.Name] = &cmd
}

// Help returns the command list.
func Help(term *term.Terminal) string {
	var help bytes.Buffer
	var names []string

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		cmd := cmds[name]
		_, _ = fmt.Fprintf(t, "%s\t%s\t # %s\n", cmd.Name, cmd.Syntax, cmd.Help)
	}

	_ = t.Flush()

	if term == nil {
		return help.String()
	}

	return string(term.Escape.Cyan) + help.String() + string(term.Escape.Reset)
}

// Handle executes the command matching line, printing its result on the
// terminal. A command closing the session returns io.EOF.
func Handle(term *term.Terminal, line string) (err error) {
	var match *Cmd
	var arg []string
	var res string

	line = strings.TrimSpace(line)

	if len(line) == 0 {
		return
	}

	for _, cmd := range cmds {
		if cmd.Name == line && cmd.Args == 0 {
			match = cmd
			break
		}

		if m := cmd.Pattern.FindStringSubmatch(line); len(m) > 0 && (len(m)-1 == cmd.Args) {
			match = cmd
			arg = m[1:]
			break
		}
	}

	if match == nil {
		return errors.New("unknown command, type `help`")
	}

	if res, err = match.Fn(term, arg); err != nil {
		return
	}

	if len(res) > 0 {
		fmt.Fprintln(term, res)
	}

	return
}
