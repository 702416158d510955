// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package stubs

import (
	"fmt"
)

// Dir represents a parameter direction.
type Dir uint8

// Parameter directions
const (
	NONE Dir = iota
	IN
	OUT
	INOUT
)

func (d Dir) in() bool {
	return d == IN || d == INOUT
}

func (d Dir) out() bool {
	return d == OUT || d == INOUT
}

// Param represents an operation parameter, NONE parameters are passed by
// value while the others reference Buf, which determines their size.
type Param struct {
	Dir   Dir
	Value uint32
	Buf   []byte
}

// Value returns a by value parameter.
func Value(v uint32) Param {
	return Param{Dir: NONE, Value: v}
}

// In returns a parameter copied to the skeleton.
func In(buf []byte) Param {
	return Param{Dir: IN, Buf: buf}
}

// Out returns a parameter copied back from the skeleton.
func Out(buf []byte) Param {
	return Param{Dir: OUT, Buf: buf}
}

// InOut returns a parameter copied in both directions.
func InOut(buf []byte) Param {
	return Param{Dir: INOUT, Buf: buf}
}

type opState int

const (
	opFree opState = iota
	opCalling
	opPending
)

// Op represents a cross world call record.
type Op struct {
	// Code is the operation code
	Code uint32

	params [MaxParams]Param
	state  opState
	index  int
	result int32
	done   chan struct{}
	proxy  *Proxy
}

// Set assigns parameter i.
func (op *Op) Set(i int, p Param) error {
	if i < 0 || i >= MaxParams {
		return fmt.Errorf("parameter index %d out of range", i)
	}

	if p.Dir > INOUT {
		return fmt.Errorf("invalid parameter direction %d", p.Dir)
	}

	op.params[i] = p

	return nil
}

// SetParams assigns parameters in order, at most MaxParams.
func (op *Op) SetParams(params ...Param) (err error) {
	if len(params) > MaxParams {
		return fmt.Errorf("too many parameters (%d)", len(params))
	}

	for i, p := range params {
		if err = op.Set(i, p); err != nil {
			return
		}
	}

	return
}

func (op *Op) reset() {
	op.Code = 0
	op.params = [MaxParams]Param{}
	op.result = 0
	op.state = opFree
}
