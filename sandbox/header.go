// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// Image header magic words
const (
	Magic1 = 0xfe9154c0
	Magic2 = 0x0c4519ef
)

// HeaderSize is the size of the header at the base of the code region.
const HeaderSize = 36

// Header represents the sandbox image header.
type Header struct {
	Magic1   uint32
	Magic2   uint32
	Size     uint32
	User     uint32
	CodeBase uint32
	CodeEnd  uint32
	DataBase uint32
	DataEnd  uint32
	// VRQ is the virtual IRQ entry point, 0 when not supported
	VRQ uint32
}

// NewHeader returns a header declaring the given regions.
func NewHeader(code mem.Region, data mem.Region, vrq uint32) *Header {
	return &Header{
		Magic1:   Magic1,
		Magic2:   Magic2,
		Size:     HeaderSize,
		CodeBase: code.Base,
		CodeEnd:  code.End,
		DataBase: data.Base,
		DataEnd:  data.End,
		VRQ:      vrq,
	}
}

// ParseHeader decodes a little-endian header.
func ParseHeader(buf []byte) (h *Header, err error) {
	if len(buf) < HeaderSize {
		return nil, errors.New("short header")
	}

	w := func(i int) uint32 {
		return binary.LittleEndian.Uint32(buf[i*4:])
	}

	h = &Header{
		Magic1:   w(0),
		Magic2:   w(1),
		Size:     w(2),
		User:     w(3),
		CodeBase: w(4),
		CodeEnd:  w(5),
		DataBase: w(6),
		DataEnd:  w(7),
		VRQ:      w(8),
	}

	return
}

// Bytes returns the little-endian header encoding.
func (h *Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)

	for i, v := range []uint32{h.Magic1, h.Magic2, h.Size, h.User, h.CodeBase, h.CodeEnd, h.DataBase, h.DataEnd, h.VRQ} {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}

	return buf
}

// Entry returns the initial program counter.
func (h *Header) Entry() uint32 {
	return h.CodeBase + HeaderSize
}

// Stack returns the initial stack pointer.
func (h *Header) Stack() uint32 {
	return h.DataEnd &^ 7
}

// Validate checks the header against the region table, region 0 must
// match the code region and region 1 the data region.
func (h *Header) Validate(t *mem.Table) error {
	if h.Magic1 != Magic1 || h.Magic2 != Magic2 {
		return fmt.Errorf("invalid header magic (%#x %#x)", h.Magic1, h.Magic2)
	}

	if h.Size != HeaderSize {
		return fmt.Errorf("invalid header size (%d)", h.Size)
	}

	code := t[0]
	data := t[1]

	if !code.Used || code.Attr&mem.Code == 0 || code.Base != h.CodeBase || code.End != h.CodeEnd {
		return fmt.Errorf("code region mismatch (%s)", code)
	}

	if !data.Used || data.Attr&mem.Write == 0 || data.Base != h.DataBase || data.End != h.DataEnd {
		return fmt.Errorf("data region mismatch (%s)", data)
	}

	if code.Size() <= HeaderSize {
		return errors.New("code region too small")
	}

	if h.Stack() <= h.DataBase {
		return errors.New("data region too small")
	}

	if h.VRQ != 0 && (h.VRQ == h.Entry() || !t.IsValidExecRange(h.VRQ, 2)) {
		return fmt.Errorf("invalid VRQ entry (%#x)", h.VRQ)
	}

	return nil
}
