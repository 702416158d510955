// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"io"
	"io/fs"
	"sync/atomic"
	"time"
)

// Open flags
const (
	O_RDONLY  = 0x0000
	O_WRONLY  = 0x0001
	O_RDWR    = 0x0002
	O_ACCMODE = 0x0003
	O_APPEND  = 0x0008
	O_CREAT   = 0x0200
	O_TRUNC   = 0x0400
	O_EXCL    = 0x0800
)

// File mode types
const (
	S_IFMT  = 0xf000
	S_IFDIR = 0x4000
	S_IFCHR = 0x2000
	S_IFREG = 0x8000
)

// Directory entry types
const (
	DT_UNKNOWN = 0
	DT_CHR     = 2
	DT_DIR     = 4
	DT_REG     = 8
)

// VFS represents the filesystem attached to a sandbox, names are absolute
// and cleaned.
type VFS interface {
	Open(name string, flags int) (File, error)
	Stat(name string) (fs.FileInfo, error)
	Unlink(name string) error
	Rename(oldname string, newname string) error
	Mkdir(name string, perm fs.FileMode) error
	Rmdir(name string) error
}

// File represents an open VFS node. Reading, writing, seeking and
// directory listing are available when the node implements io.Reader,
// io.Writer, io.Seeker or DirReader.
type File interface {
	Stat() (fs.FileInfo, error)
	Close() error
}

// DirReader is implemented by directory nodes.
type DirReader interface {
	ReadDir(n int) ([]fs.DirEntry, error)
}

// Mode converts file information into POSIX mode bits.
func Mode(fi fs.FileInfo) uint32 {
	m := uint32(fi.Mode().Perm())

	switch {
	case fi.IsDir():
		m |= S_IFDIR
	case fi.Mode()&fs.ModeCharDevice != 0, fi.Mode()&fs.ModeNamedPipe != 0:
		m |= S_IFCHR
	case fi.Mode().IsRegular():
		m |= S_IFREG
	}

	return m
}

// node represents a reference counted open file, shared by duplicated
// descriptors and closed on last release.
type node struct {
	refs int32
	file File
	mode uint32

	// next holds a directory entry which did not fit the caller buffer
	next fs.DirEntry
}

func newNode(f File) (n *node, err error) {
	fi, err := f.Stat()

	if err != nil {
		return
	}

	return &node{
		refs: 1,
		file: f,
		mode: Mode(fi),
	}, nil
}

func (n *node) acquire() *node {
	atomic.AddInt32(&n.refs, 1)
	return n
}

func (n *node) release() error {
	if atomic.AddInt32(&n.refs, -1) == 0 {
		return n.file.Close()
	}

	return nil
}

func (n *node) isDir() bool {
	return n.mode&S_IFMT == S_IFDIR
}

func (n *node) isReg() bool {
	return n.mode&S_IFMT == S_IFREG
}

// stream binds a standard descriptor to a byte stream.
type stream struct {
	name string
	r    io.Reader
	w    io.Writer
}

func (s *stream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, EBADF
	}

	return s.r.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, EBADF
	}

	return s.w.Write(p)
}

func (s *stream) Stat() (fs.FileInfo, error) {
	return s, nil
}

func (s *stream) Close() error {
	return nil
}

// fs.FileInfo
func (s *stream) Name() string       { return s.name }
func (s *stream) Size() int64        { return 0 }
func (s *stream) Mode() fs.FileMode  { return fs.ModeCharDevice | 0600 }
func (s *stream) ModTime() time.Time { return time.Time{} }
func (s *stream) IsDir() bool        { return false }
func (s *stream) Sys() interface{}   { return nil }
