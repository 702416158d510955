// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tssi implements the Trusted Services Invocation protocol between
// the NonSecure and Secure Worlds.
//
// Secure World services register on a Registry and park waiting for
// requests, the NonSecure World reaches them through the Monitor Invoke
// entry point (the SMC handler) passing a handle, a pointer to shared
// NonSecure memory and its length.
package tssi

import (
	"fmt"
	"time"
)

// Status represents a protocol status code, negative values are errors.
type Status int32

// Protocol status codes
const (
	OK      Status = 0
	INTR    Status = -1
	NOENT   Status = -2
	INVALID Status = -3
	BADH    Status = -4
	EXIST   Status = -5
	NHND    Status = -6
	BUSY    Status = -7
)

var statusText = map[Status]string{
	OK:      "success",
	INTR:    "interrupted",
	NOENT:   "no such service",
	INVALID: "invalid parameters",
	BADH:    "bad handle",
	EXIST:   "already exists",
	NHND:    "no handle available",
	BUSY:    "busy",
}

func (s Status) Error() string {
	if t, ok := statusText[s]; ok {
		return t
	}

	return fmt.Sprintf("status %d", int32(s))
}

// Err returns nil for non-negative values, the status otherwise.
func (s Status) Err() error {
	if s >= 0 {
		return nil
	}

	return s
}

// Handle identifies a service or a special protocol entry point.
type Handle uint32

// Special handles
const (
	VECTOR    Handle = 0
	DISCOVERY Handle = 1
	STQRY     Handle = 2
	IDLE      Handle = 3

	// HandleBase is the handle of the first registry slot.
	HandleBase Handle = 0x10
)

const (
	// MaxServices is the registry capacity.
	MaxServices = 16
	// NameLength is the maximum service name length, including the NUL
	// terminator.
	NameLength = 16
)

// Result represents the 64-bit outcome of an Invoke, the low word carries
// the status (or a handle for discovery), the high word carries event flags
// for the caller to broadcast.
type Result uint64

// MakeResult encodes a status and event flags.
func MakeResult(s Status, flags uint32) Result {
	return Result(uint64(flags)<<32 | uint64(uint32(s)))
}

// Status returns the low word of the result.
func (r Result) Status() Status {
	return Status(int32(uint32(r)))
}

// Flags returns the high word of the result.
func (r Result) Flags() uint32 {
	return uint32(r >> 32)
}

// Words returns the result as a register pair (low, high).
func (r Result) Words() (uint32, uint32) {
	return uint32(r), uint32(r >> 32)
}

// Gate represents the privilege transition into the Secure World.
type Gate interface {
	Invoke(h Handle, data uint32, size uint32, yield time.Duration) Result
}
