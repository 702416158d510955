// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// Log represents the buffered output of an execution context, it is
// flushed on newline or once exceeding 1024 bytes so that concurrent
// contexts do not interleave within a line.
type Log struct {
	sync.Mutex

	// Prefix is prepended to each line
	Prefix string

	buf   bytes.Buffer
	out   io.Writer
	color []byte
	reset []byte
}

// NewLog returns a log writing to out.
func NewLog(prefix string, out io.Writer) *Log {
	return &Log{
		Prefix: prefix,
		out:    out,
	}
}

// SetOutput redirects the log output.
func (l *Log) SetOutput(out io.Writer) {
	l.Lock()
	defer l.Unlock()

	l.out = out
	l.color = nil
	l.reset = nil
}

// Writer returns the current log output.
func (l *Log) Writer() io.Writer {
	l.Lock()
	defer l.Unlock()

	return l.out
}

// SetTerminal redirects the log output to a terminal, secure contexts are
// shown in green and others in red.
func (l *Log) SetTerminal(t *term.Terminal, secure bool) {
	l.Lock()
	defer l.Unlock()

	l.out = t

	if secure {
		l.color = t.Escape.Green
	} else {
		l.color = t.Escape.Red
	}

	l.reset = t.Escape.Reset
}

func (l *Log) flush() {
	if l.buf.Len() == 0 || l.out == nil {
		l.buf.Reset()
		return
	}

	if l.color != nil {
		l.out.Write(l.color)
	}

	l.out.Write(l.buf.Bytes())

	if l.reset != nil {
		l.out.Write(l.reset)
	}

	l.buf.Reset()
}

func (l *Log) writeByte(c byte) {
	if l.buf.Len() == 0 {
		l.buf.WriteString(l.Prefix)
	}

	l.buf.WriteByte(c)

	if c == flushChr || l.buf.Len() > outputLimit {
		l.flush()
	}
}

// WriteByte buffers a single character, as received from a write syscall.
func (l *Log) WriteByte(c byte) error {
	l.Lock()
	defer l.Unlock()

	l.writeByte(c)

	return nil
}

// Write implements io.Writer.
func (l *Log) Write(p []byte) (n int, err error) {
	l.Lock()
	defer l.Unlock()

	for _, c := range p {
		l.writeByte(c)
	}

	return len(p), nil
}

// Flush writes any pending partial line.
func (l *Log) Flush() {
	l.Lock()
	defer l.Unlock()

	l.flush()
}
