// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrFault is returned on accesses outside the backing memory.
var ErrFault = errors.New("memory fault")

// Space represents a flat view of physical memory, shared between execution
// contexts. Accesses are checked against the backing buffer only, callers
// must validate spans against the relevant region Table first.
type Space struct {
	sync.RWMutex

	// Base is the physical address of the first byte of Buf.
	Base uint32
	// Buf is the backing memory.
	Buf []byte
}

// NewSpace allocates size bytes of memory starting at base.
func NewSpace(base uint32, size int) *Space {
	return &Space{
		Base: base,
		Buf:  make([]byte, size),
	}
}

// End returns the first address after the backing memory.
func (s *Space) End() uint32 {
	return s.Base + uint32(len(s.Buf))
}

func (s *Space) offset(addr uint32, n uint32) (off int, err error) {
	if addr < s.Base {
		return 0, ErrFault
	}

	o := uint64(addr - s.Base)

	if o+uint64(n) > uint64(len(s.Buf)) {
		return 0, ErrFault
	}

	return int(o), nil
}

// Slice returns the backing memory for the n bytes at addr, callers must hold
// the appropriate lock while using it.
func (s *Space) Slice(addr uint32, n uint32) ([]byte, error) {
	off, err := s.offset(addr, n)

	if err != nil {
		return nil, err
	}

	return s.Buf[off : off+int(n)], nil
}

// Read copies len(buf) bytes at addr into buf.
func (s *Space) Read(addr uint32, buf []byte) (err error) {
	s.RLock()
	defer s.RUnlock()

	off, err := s.offset(addr, uint32(len(buf)))

	if err != nil {
		return
	}

	copy(buf, s.Buf[off:])

	return
}

// Write copies buf at addr.
func (s *Space) Write(addr uint32, buf []byte) (err error) {
	s.Lock()
	defer s.Unlock()

	off, err := s.offset(addr, uint32(len(buf)))

	if err != nil {
		return
	}

	copy(s.Buf[off:], buf)

	return
}

// Zero clears n bytes at addr.
func (s *Space) Zero(addr uint32, n uint32) (err error) {
	s.Lock()
	defer s.Unlock()

	off, err := s.offset(addr, n)

	if err != nil {
		return
	}

	b := s.Buf[off : off+int(n)]

	for i := range b {
		b[i] = 0
	}

	return
}

// Byte reads one byte at addr.
func (s *Space) Byte(addr uint32) (b byte, err error) {
	s.RLock()
	defer s.RUnlock()

	off, err := s.offset(addr, 1)

	if err != nil {
		return
	}

	return s.Buf[off], nil
}

// Read32 reads a little-endian 32-bit word at addr.
func (s *Space) Read32(addr uint32) (val uint32, err error) {
	s.RLock()
	defer s.RUnlock()

	off, err := s.offset(addr, 4)

	if err != nil {
		return
	}

	return binary.LittleEndian.Uint32(s.Buf[off:]), nil
}

// Write32 writes a little-endian 32-bit word at addr.
func (s *Space) Write32(addr uint32, val uint32) (err error) {
	s.Lock()
	defer s.Unlock()

	off, err := s.offset(addr, 4)

	if err != nil {
		return
	}

	binary.LittleEndian.PutUint32(s.Buf[off:], val)

	return
}

// String returns the n bytes at addr as a string.
func (s *Space) String(addr uint32, n uint32) (str string, err error) {
	buf := make([]byte, n)

	if err = s.Read(addr, buf); err != nil {
		return
	}

	return string(buf), nil
}

// Copy moves n bytes from src to dst, both within the space.
func (s *Space) Copy(dst uint32, src uint32, n uint32) (err error) {
	s.Lock()
	defer s.Unlock()

	so, err := s.offset(src, n)

	if err != nil {
		return
	}

	do, err := s.offset(dst, n)

	if err != nil {
		return
	}

	copy(s.Buf[do:do+int(n)], s.Buf[so:so+int(n)])

	return
}
