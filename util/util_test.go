// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLog(t *testing.T) {
	var out bytes.Buffer

	l := NewLog("SB a ", &out)

	for _, c := range []byte("hello") {
		l.WriteByte(c)
	}

	if out.Len() != 0 {
		t.Fatalf("partial line flushed: %q", out.String())
	}

	l.Write([]byte(" world\nsecond\n"))
	l.Write([]byte("tail"))
	l.Flush()

	want := "SB a hello world\nSB a second\nSB a tail"

	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestLogLimit(t *testing.T) {
	var out bytes.Buffer

	l := NewLog("", &out)
	l.Write(bytes.Repeat([]byte("x"), outputLimit+1))

	if out.Len() != outputLimit+1 {
		t.Errorf("flushed %d bytes, want %d", out.Len(), outputLimit+1)
	}
}

// testImage returns an ELF32 image with two Thumb function symbols.
func testImage() []byte {
	strtab := []byte("\x00main\x00vrq\x00\x00\x00")

	syms := []elf.Sym32{
		{},
		{Name: 1, Value: 0x1001, Size: 0x20, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1},
		{Name: 6, Value: 0x1041, Size: 0x10, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1},
	}

	ehsize := uint32(binary.Size(elf.Header32{}))
	symsize := uint32(binary.Size(syms))
	shoff := ehsize + symsize + uint32(len(strtab))

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    uint16(ehsize),
		Shentsize: uint16(binary.Size(elf.Section32{})),
		Shnum:     4,
	}

	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section32{
		{},
		{
			Type:  uint32(elf.SHT_PROGBITS),
			Flags: uint32(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:  0x1000,
			Off:   0,
			Size:  ehsize,
		},
		{
			Type:    uint32(elf.SHT_SYMTAB),
			Off:     ehsize,
			Size:    symsize,
			Link:    3,
			Entsize: uint32(binary.Size(elf.Sym32{})),
		},
		{
			Type: uint32(elf.SHT_STRTAB),
			Off:  ehsize + symsize,
			Size: uint32(len(strtab)),
		},
	}

	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, hdr)
	binary.Write(buf, binary.LittleEndian, syms)
	buf.Write(strtab)
	binary.Write(buf, binary.LittleEndian, sections)

	return buf.Bytes()
}

func TestSymbols(t *testing.T) {
	s, err := NewSymbols(testImage())

	if err != nil {
		t.Fatal(err)
	}

	sym, err := s.Lookup("vrq")

	if err != nil || sym.Value != 0x1041 {
		t.Fatalf("Lookup = %v, %v", sym, err)
	}

	if _, err := s.Lookup("missing"); err == nil {
		t.Error("Lookup of missing symbol succeeded")
	}

	for _, tc := range []struct {
		pc   uint64
		want string
	}{
		{0x1000, "main+0x0"},
		{0x1010, "main+0x10"},
		{0x1044, "vrq+0x4"},
		{0x1030, ""},
		{0x0ff0, ""},
		{0x2000, ""},
	} {
		got, err := s.PCToLine(tc.pc)

		if tc.want == "" {
			if err == nil {
				t.Errorf("PCToLine(%#x) = %q, want error", tc.pc, got)
			}

			continue
		}

		if err != nil || got != tc.want {
			t.Errorf("PCToLine(%#x) = %q, %v, want %q", tc.pc, got, err, tc.want)
		}
	}
}

func TestSymbolsInvalid(t *testing.T) {
	if _, err := NewSymbols([]byte("not an ELF")); err == nil {
		t.Error("NewSymbols succeeded on garbage")
	}

	img := testImage()
	// drop the section headers
	img = img[:len(img)-4*binary.Size(elf.Section32{})]

	if _, err := NewSymbols(img); err == nil {
		t.Error("NewSymbols succeeded without section headers")
	}
}
