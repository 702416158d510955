// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testTable() (t Table) {
	t[0] = Region{Base: 0x1000, End: 0x2000, Attr: Code, Used: true}
	t[1] = Region{Base: 0x2000, End: 0x3000, Attr: Data | Write, Used: true}
	t[2] = Region{Base: 0x8000, End: 0x9000, Attr: Data, Used: false}
	return
}

func TestRanges(t *testing.T) {
	tbl := testTable()

	for _, tc := range []struct {
		name  string
		start uint32
		size  uint32
		read  bool
		write bool
		exec  bool
	}{
		{"code", 0x1000, 0x100, true, false, true},
		{"code end", 0x1f00, 0x100, true, false, true},
		{"data", 0x2000, 0x1000, true, true, false},
		{"crossing", 0x1f00, 0x200, false, false, false},
		{"past end", 0x2f00, 0x101, false, false, false},
		{"unused", 0x8000, 0x10, false, false, false},
		{"unmapped", 0x5000, 0x10, false, false, false},
		{"wrap", 0xfffffff0, 0x20, false, false, false},
		{"zero length", 0x5000, 0, true, true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := []bool{
				tbl.IsValidReadRange(tc.start, tc.size),
				tbl.IsValidWriteRange(tc.start, tc.size),
				tbl.IsValidExecRange(tc.start, tc.size),
			}

			want := []bool{tc.read, tc.write, tc.exec}

			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("read/write/exec mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdjacentTables(t *testing.T) {
	var s1, s2 Table

	s1[0] = Region{Base: 0x10000, End: 0x20000, Attr: Data | Write, Used: true}
	s2[0] = Region{Base: 0x20000, End: 0x30000, Attr: Data | Write, Used: true}

	if s1.IsValidWriteRange(0x20000, 4) {
		t.Errorf("s1 accepted a span in s2")
	}

	if s1.IsValidWriteRange(0x1fffc, 8) {
		t.Errorf("s1 accepted a span crossing into s2")
	}

	if !s2.IsValidWriteRange(0x20000, 4) {
		t.Errorf("s2 rejected its own span")
	}
}

func TestValidate(t *testing.T) {
	tbl := testTable()

	if err := tbl.Validate(); err != nil {
		t.Fatal(err)
	}

	tbl[3] = Region{Base: 0x1800, End: 0x2800, Attr: Data, Used: true}

	if err := tbl.Validate(); err == nil {
		t.Errorf("overlapping regions accepted")
	}

	tbl[3] = Region{Base: 0x4000, End: 0x3000, Attr: Data, Used: true}

	if err := tbl.Validate(); err == nil {
		t.Errorf("inverted region accepted")
	}

	tbl[3] = Region{Base: 0x4000, End: 0x5000, Used: true}

	if err := tbl.Validate(); err == nil {
		t.Errorf("region without attributes accepted")
	}
}

func TestCheckString(t *testing.T) {
	tbl := testTable()
	s := NewSpace(0x1000, 0x2000)

	s.Write(0x2000, []byte("hello\x00"))
	s.Write(0x2ffc, []byte("abcd"))

	if n := tbl.CheckString(s, 0x2000, 16); n != 6 {
		t.Errorf("CheckString = %d, want 6", n)
	}

	if n := tbl.CheckString(s, 0x2000, 5); n != 0 {
		t.Errorf("CheckString beyond max = %d, want 0", n)
	}

	// runs off the end of the data region
	if n := tbl.CheckString(s, 0x2ffc, 64); n != 0 {
		t.Errorf("CheckString across region end = %d, want 0", n)
	}
}

func TestStringsArray(t *testing.T) {
	tbl := testTable()
	s := NewSpace(0x1000, 0x2000)

	s.Write(0x2100, []byte("ls\x00-l\x00"))
	s.Write32(0x2000, 0x2100)
	s.Write32(0x2004, 0x2103)
	s.Write32(0x2008, 0)

	if n := tbl.CheckStringsArray(s, 0x2000, 8); n != 3 {
		t.Fatalf("CheckStringsArray = %d, want 3", n)
	}

	got, err := tbl.ReadStrings(s, 0x2000, 8)

	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"ls", "-l"}, got); diff != "" {
		t.Errorf("ReadStrings mismatch (-want +got):\n%s", diff)
	}

	// pointer outside of the table
	s.Write32(0x2004, 0x5000)

	if n := tbl.CheckStringsArray(s, 0x2000, 8); n != 0 {
		t.Errorf("CheckStringsArray with a stray pointer = %d, want 0", n)
	}

	if n := tbl.CheckPointersArray(s, 0x2002, 8); n != 0 {
		t.Errorf("CheckPointersArray misaligned = %d, want 0", n)
	}
}

func TestSpaceFault(t *testing.T) {
	s := NewSpace(0x1000, 0x100)

	if err := s.Write(0x10fe, []byte{1, 2, 3}); err != ErrFault {
		t.Errorf("Write past end = %v, want ErrFault", err)
	}

	if _, err := s.Read32(0xffc); err != ErrFault {
		t.Errorf("Read32 before base = %v, want ErrFault", err)
	}

	if err := s.Write32(0x1000, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}

	if err := s.Copy(0x1010, 0x1000, 4); err != nil {
		t.Fatal(err)
	}

	if v, _ := s.Read32(0x1010); v != 0xdeadbeef {
		t.Errorf("Copy = %#x", v)
	}
}
