// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package util

import (
	"bytes"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"sort"
)

// Symbols represents the debugging information of an ELF image, used to
// annotate fault reports.
type Symbols struct {
	syms  []elf.Symbol
	table *gosym.Table
}

// NewSymbols parses the symbol table of an ELF image and, for Go images,
// its line table.
func NewSymbols(buf []byte) (s *Symbols, err error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return
	}

	s = &Symbols{}

	if syms, err := exe.Symbols(); err == nil {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Value != 0 {
				s.syms = append(s.syms, sym)
			}
		}
	}

	sort.Slice(s.syms, func(i, j int) bool {
		return s.syms[i].Value < s.syms[j].Value
	})

	s.table, _ = goSymTable(exe)

	if len(s.syms) == 0 && s.table == nil {
		return nil, errors.New("no symbols found")
	}

	return
}

func goSymTable(exe *elf.File) (symTable *gosym.Table, err error) {
	text := exe.Section(".text")
	pclntab := exe.Section(".gopclntab")

	if text == nil || pclntab == nil {
		return nil, errors.New("missing Go line table")
	}

	lineTableData, err := pclntab.Data()

	if err != nil {
		return
	}

	lineTable := gosym.NewLineTable(lineTableData, text.Addr)

	var symTableData []byte

	if s := exe.Section(".gosymtab"); s != nil {
		if symTableData, err = s.Data(); err != nil {
			return
		}
	}

	return gosym.NewTable(symTableData, lineTable)
}

// Lookup returns a function symbol by name.
func (s *Symbols) Lookup(name string) (*elf.Symbol, error) {
	for i := range s.syms {
		if s.syms[i].Name == name {
			return &s.syms[i], nil
		}
	}

	return nil, errors.New("symbol not found")
}

// PCToLine returns the source location of pc, or the closest preceding
// function symbol with an offset when no line table is present.
func (s *Symbols) PCToLine(pc uint64) (string, error) {
	if s.table != nil {
		if file, line, fn := s.table.PCToLine(pc); fn != nil {
			return fmt.Sprintf("%s:%d (%s)", file, line, fn.Name), nil
		}
	}

	// Thumb entries have bit 0 set
	i := sort.Search(len(s.syms), func(i int) bool {
		return s.syms[i].Value&^1 > pc
	})

	if i == 0 {
		return "", fmt.Errorf("no symbol for %#x", pc)
	}

	sym := s.syms[i-1]
	off := pc - sym.Value&^1

	if sym.Size != 0 && off >= sym.Size {
		return "", fmt.Errorf("no symbol for %#x", pc)
	}

	return fmt.Sprintf("%s+%#x", sym.Name, off), nil
}
