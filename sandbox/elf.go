// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// MaxSections is the maximum number of allocated sections in an image.
const MaxSections = 8

// Section represents an allocated ELF section.
type Section struct {
	Name string
	Type elf.SectionType
	Addr uint32
	Size uint32

	s *elf.Section
}

func (s *Section) String() string {
	return fmt.Sprintf("%-12s %-12s %#.8x-%#.8x", s.Name, s.Type, s.Addr, s.Addr+s.Size)
}

// ELF represents a position-fixed sandbox image.
type ELF struct {
	Entry    uint32
	Sections []*Section
}

// imageReader returns random access to an opened image.
func imageReader(f File) (io.ReaderAt, error) {
	if ra, ok := f.(io.ReaderAt); ok {
		return ra, nil
	}

	r, ok := f.(io.Reader)

	if !ok {
		return nil, EBADF
	}

	buf, err := io.ReadAll(r)

	if err != nil {
		return nil, fmt.Errorf("%w, %v", EIO, err)
	}

	return bytes.NewReader(buf), nil
}

// ReadELF parses an ELF32 little-endian ARM executable and collects its
// allocated sections. The reader is used again by Load.
func ReadELF(ra io.ReaderAt) (img *ELF, err error) {
	f, err := elf.NewFile(ra)

	if err != nil {
		return nil, fmt.Errorf("%w, %v", ENOEXEC, err)
	}

	switch {
	case f.Class != elf.ELFCLASS32, f.Data != elf.ELFDATA2LSB:
		return nil, fmt.Errorf("%w, not an ELF32 LSB image", ENOEXEC)
	case f.OSABI != elf.ELFOSABI_NONE || f.ABIVersion != 0:
		return nil, fmt.Errorf("%w, unsupported ABI", ENOEXEC)
	case f.Type != elf.ET_EXEC:
		return nil, fmt.Errorf("%w, not an executable", ENOEXEC)
	case f.Machine != elf.EM_ARM:
		return nil, fmt.Errorf("%w, unsupported machine %s", ENOEXEC, f.Machine)
	}

	img = &ELF{
		Entry: uint32(f.Entry),
	}

	for _, s := range f.Sections {
		if s.Size == 0 || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}

		if s.Type != elf.SHT_PROGBITS && s.Type != elf.SHT_NOBITS {
			continue
		}

		if len(img.Sections) == MaxSections {
			return nil, fmt.Errorf("%w, too many sections", ENOMEM)
		}

		sec := &Section{
			Name: s.Name,
			Type: s.Type,
			Addr: uint32(s.Addr),
			Size: uint32(s.Size),
			s:    s,
		}

		if uint64(sec.Addr) != s.Addr || uint64(sec.Size) != s.Size || sec.Addr+sec.Size < sec.Addr {
			return nil, fmt.Errorf("%w, section %s out of range", ENOEXEC, s.Name)
		}

		for _, o := range img.Sections {
			if sec.Addr < o.Addr+o.Size && o.Addr < sec.Addr+sec.Size {
				return nil, fmt.Errorf("%w, section %s overlaps %s", ENOEXEC, sec.Name, o.Name)
			}
		}

		img.Sections = append(img.Sections, sec)
	}

	if len(img.Sections) == 0 {
		return nil, fmt.Errorf("%w, no allocated sections", ENOEXEC)
	}

	sort.Slice(img.Sections, func(i, j int) bool {
		return img.Sections[i].Addr < img.Sections[j].Addr
	})

	return
}

// Header returns the image header, expected at the lowest allocated
// address.
func (img *ELF) Header() (h *Header, err error) {
	s := img.Sections[0]

	if s.Type != elf.SHT_PROGBITS || s.Size < HeaderSize {
		return nil, fmt.Errorf("%w, missing header", ENOEXEC)
	}

	buf := make([]byte, HeaderSize)

	if _, err = s.s.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w, %v", ENOEXEC, err)
	}

	return ParseHeader(buf)
}

// Fit checks that each allocated section lies within a single region of
// the table.
func (img *ELF) Fit(t *mem.Table) error {
	for _, s := range img.Sections {
		fits := false

		for _, r := range t {
			if r.Used && r.Contains(s.Addr, s.Size) {
				fits = true
				break
			}
		}

		if !fits {
			return fmt.Errorf("%w, section %s outside regions", ENOMEM, s.Name)
		}
	}

	return nil
}

// Load places all allocated sections in memory. Nothing is written unless
// all sections fit.
func (img *ELF) Load(m *mem.Space, t *mem.Table) (err error) {
	if err = img.Fit(t); err != nil {
		return
	}

	for _, s := range img.Sections {
		if s.Type == elf.SHT_NOBITS {
			if err = m.Zero(s.Addr, s.Size); err != nil {
				return
			}

			continue
		}

		buf := make([]byte, s.Size)

		if _, err = s.s.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("%w, %v", EIO, err)
		}

		if err = m.Write(s.Addr, buf); err != nil {
			return
		}
	}

	return
}
