// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"errors"
	"fmt"
)

// MaxRegions is the number of entries in a region table.
const MaxRegions = 4

// Attr represents region access attributes.
type Attr uint32

// Region attributes
const (
	Code  Attr = 1 << 0
	Data  Attr = 1 << 1
	Write Attr = 1 << 2
)

func (a Attr) String() string {
	s := []byte("---")

	if a&Code != 0 {
		s[0] = 'x'
	}

	if a&Data != 0 {
		s[1] = 'r'
	}

	if a&Write != 0 {
		s[2] = 'w'
	}

	return string(s)
}

// Region represents a memory area granted to an execution context, End is
// exclusive.
type Region struct {
	Base uint32
	End  uint32
	Attr Attr
	Used bool
}

func (r Region) String() string {
	if !r.Used {
		return "unused"
	}

	return fmt.Sprintf("%#.8x-%#.8x %s", r.Base, r.End, r.Attr)
}

// Size returns the region length in bytes.
func (r Region) Size() uint32 {
	return r.End - r.Base
}

// memory returns whether the region is backed by memory (code or data).
func (r Region) memory() bool {
	return r.Used && r.Attr&(Code|Data) != 0
}

// Contains returns whether the [start, start+size) span lies entirely within
// the region.
func (r Region) Contains(start uint32, size uint32) bool {
	end := start + size

	// wrap around
	if end < start {
		return false
	}

	return r.Used && start >= r.Base && end <= r.End
}

// Overlaps returns whether two used regions share at least one byte.
func (r Region) Overlaps(o Region) bool {
	if !r.Used || !o.Used || r.Base == r.End || o.Base == o.End {
		return false
	}

	return r.Base < o.End && o.Base < r.End
}

// Table represents the fixed set of regions owned by a single execution
// context. A table is populated once, before the context starts, and is
// read-only afterwards.
type Table [MaxRegions]Region

// Validate checks the table for malformed or overlapping regions.
func (t *Table) Validate() error {
	for i, r := range t {
		if !r.Used {
			continue
		}

		if r.End < r.Base {
			return fmt.Errorf("region %d has end before base (%#x < %#x)", i, r.End, r.Base)
		}

		if r.Attr&(Code|Data) == 0 {
			return fmt.Errorf("region %d is neither code nor data", i)
		}

		for j := i + 1; j < len(t); j++ {
			if r.Overlaps(t[j]) {
				return fmt.Errorf("region %d overlaps region %d", i, j)
			}
		}
	}

	return nil
}

// Used returns the number of used regions.
func (t *Table) Used() (n int) {
	for _, r := range t {
		if r.Used {
			n++
		}
	}

	return
}

func (t *Table) find(start uint32, size uint32, want Attr) bool {
	// zero-length spans are always valid and touch no memory
	if size == 0 {
		return true
	}

	for _, r := range t {
		if !r.memory() || r.Attr&want != want {
			continue
		}

		if r.Contains(start, size) {
			return true
		}
	}

	return false
}

// IsValidReadRange returns whether the [start, start+size) span lies
// entirely within a memory region of the table.
func (t *Table) IsValidReadRange(start uint32, size uint32) bool {
	return t.find(start, size, 0)
}

// IsValidWriteRange returns whether the [start, start+size) span lies
// entirely within a writable memory region of the table.
func (t *Table) IsValidWriteRange(start uint32, size uint32) bool {
	return t.find(start, size, Write)
}

// IsValidExecRange returns whether the [start, start+size) span lies
// entirely within a code region of the table.
func (t *Table) IsValidExecRange(start uint32, size uint32) bool {
	return t.find(start, size, Code)
}

// ErrRange is returned when a span fails region validation.
var ErrRange = errors.New("invalid memory range")

// CheckString scans for a NUL terminator within max bytes, starting at ptr
// and without leaving the table memory regions. It returns the string
// length including the terminator, or 0 on failure.
func (t *Table) CheckString(s *Space, ptr uint32, max uint32) uint32 {
	for n := uint32(0); n < max; n++ {
		addr := ptr + n

		if addr < ptr || !t.IsValidReadRange(addr, 1) {
			return 0
		}

		b, err := s.Byte(addr)

		if err != nil {
			return 0
		}

		if b == 0 {
			return n + 1
		}
	}

	return 0
}

// CheckPointersArray scans an array of 32-bit pointers terminated by a NULL
// entry, within max entries. It returns the number of entries including the
// terminator, or 0 on failure.
func (t *Table) CheckPointersArray(s *Space, ptr uint32, max uint32) uint32 {
	if ptr&3 != 0 {
		return 0
	}

	for n := uint32(0); n < max; n++ {
		addr := ptr + n*4

		if addr < ptr || !t.IsValidReadRange(addr, 4) {
			return 0
		}

		p, err := s.Read32(addr)

		if err != nil {
			return 0
		}

		if p == 0 {
			return n + 1
		}
	}

	return 0
}

// CheckStringsArray validates an argv/envp style array, each pointer must
// refer to a valid string of at most max bytes. It returns the number of
// entries including the terminator, or 0 on failure.
func (t *Table) CheckStringsArray(s *Space, ptr uint32, max uint32) uint32 {
	n := t.CheckPointersArray(s, ptr, max)

	if n == 0 {
		return 0
	}

	for i := uint32(0); i < n-1; i++ {
		p, _ := s.Read32(ptr + i*4)

		if t.CheckString(s, p, max) == 0 {
			return 0
		}
	}

	return n
}

// ReadStrings returns the strings of a previously validated argv/envp
// style array.
func (t *Table) ReadStrings(s *Space, ptr uint32, max uint32) (strs []string, err error) {
	n := t.CheckStringsArray(s, ptr, max)

	if n == 0 {
		return nil, ErrRange
	}

	for i := uint32(0); i < n-1; i++ {
		p, _ := s.Read32(ptr + i*4)
		l := t.CheckString(s, p, max)

		str, err := s.String(p, l-1)

		if err != nil {
			return nil, err
		}

		strs = append(strs, str)
	}

	return
}
