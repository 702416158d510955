// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package stubs implements the Secure World side of cross world calls, where
// operations are queued for execution by skeleton daemons running in the
// NonSecure World.
package stubs

import (
	"encoding/binary"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// MaxParams is the maximum number of parameters of an operation.
const MaxParams = 6

// Skeleton request kinds
const (
	GETOP   uint32 = 0
	CPYPRMS uint32 = 1
	PUTRES  uint32 = 2
	READY   uint32 = 3
)

// ReqSize is the encoded request descriptor size.
const ReqSize = 16 + MaxParams*8

// Req represents a skeleton request descriptor, exchanged through
// NonSecure World memory.
type Req struct {
	Req    uint32
	Op     uint32
	Code   uint32
	Result int32
	P      [MaxParams]uint32
	Sz     [MaxParams]uint32
}

// Bytes returns the little-endian request encoding.
func (r *Req) Bytes() []byte {
	buf := make([]byte, ReqSize)

	binary.LittleEndian.PutUint32(buf[0:], r.Req)
	binary.LittleEndian.PutUint32(buf[4:], r.Op)
	binary.LittleEndian.PutUint32(buf[8:], r.Code)
	binary.LittleEndian.PutUint32(buf[12:], uint32(r.Result))

	for i := 0; i < MaxParams; i++ {
		binary.LittleEndian.PutUint32(buf[16+i*4:], r.P[i])
		binary.LittleEndian.PutUint32(buf[16+MaxParams*4+i*4:], r.Sz[i])
	}

	return buf
}

// Parse decodes a request from its little-endian encoding.
func (r *Req) Parse(buf []byte) {
	r.Req = binary.LittleEndian.Uint32(buf[0:])
	r.Op = binary.LittleEndian.Uint32(buf[4:])
	r.Code = binary.LittleEndian.Uint32(buf[8:])
	r.Result = int32(binary.LittleEndian.Uint32(buf[12:]))

	for i := 0; i < MaxParams; i++ {
		r.P[i] = binary.LittleEndian.Uint32(buf[16+i*4:])
		r.Sz[i] = binary.LittleEndian.Uint32(buf[16+MaxParams*4+i*4:])
	}
}

// ReadReq reads a request from memory.
func ReadReq(s *mem.Space, addr uint32) (r *Req, err error) {
	buf := make([]byte, ReqSize)

	if err = s.Read(addr, buf); err != nil {
		return
	}

	r = &Req{}
	r.Parse(buf)

	return
}

// WriteReq writes a request to memory.
func WriteReq(s *mem.Space, addr uint32, r *Req) error {
	return s.Write(addr, r.Bytes())
}
