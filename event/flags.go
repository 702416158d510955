// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package event implements the event flag primitives shared by the monitor,
// the stub/skeleton layer and the sandbox host.
package event

import (
	"context"
	"sync"
)

// Flags represents a word of event flags which can be set from any
// goroutine and waited upon.
type Flags struct {
	mu   sync.Mutex
	val  uint32
	wake chan struct{}
}

func (f *Flags) init() {
	if f.wake == nil {
		f.wake = make(chan struct{})
	}
}

// Set ORs mask into the flags and wakes up all waiters.
func (f *Flags) Set(mask uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.init()
	f.val |= mask

	close(f.wake)
	f.wake = make(chan struct{})
}

// Clear clears the mask bits, returning the previous flags.
func (f *Flags) Clear(mask uint32) (prev uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev = f.val
	f.val &^= mask

	return
}

// Get returns the current flags.
func (f *Flags) Get() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.val
}

func (f *Flags) wait(ctx context.Context, mask uint32, all bool, consume bool) (uint32, error) {
	for {
		f.mu.Lock()
		f.init()

		matched := f.val & mask

		if (all && matched == mask) || (!all && matched != 0) {
			if consume {
				f.val &^= matched
			}

			f.mu.Unlock()
			return matched, nil
		}

		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WaitAny blocks until at least one mask bit is set, the matched bits are
// returned and left set.
func (f *Flags) WaitAny(ctx context.Context, mask uint32) (uint32, error) {
	return f.wait(ctx, mask, false, false)
}

// WaitAll blocks until all mask bits are set, the mask is returned and left
// set.
func (f *Flags) WaitAll(ctx context.Context, mask uint32) (uint32, error) {
	return f.wait(ctx, mask, true, false)
}

// Take blocks like WaitAny, or WaitAll when all is true, and clears the
// matched bits before returning them.
func (f *Flags) Take(ctx context.Context, mask uint32, all bool) (uint32, error) {
	return f.wait(ctx, mask, all, true)
}
