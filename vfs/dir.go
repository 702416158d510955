// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vfs implements sandbox filesystems backed by a host directory.
package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/usbarmory/GoTEE-sandbox/sandbox"
)

// Dir exposes a host directory as a sandbox filesystem, sandbox paths are
// resolved below Root and cannot escape it.
type Dir struct {
	Root     string
	ReadOnly bool
}

// NewDir returns a filesystem rooted at the given host directory.
func NewDir(root string, readOnly bool) (d *Dir, err error) {
	fi, err := os.Stat(root)

	if err != nil {
		return
	}

	if !fi.IsDir() {
		return nil, sandbox.ENOTDIR
	}

	return &Dir{
		Root:     root,
		ReadOnly: readOnly,
	}, nil
}

func (d *Dir) resolve(name string) string {
	return filepath.Join(d.Root, filepath.FromSlash(path.Clean("/"+name)))
}

func (d *Dir) writable() error {
	if d.ReadOnly {
		return sandbox.EACCES
	}

	return nil
}

// convert maps host errors which have no io/fs counterpart.
func convert(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOTDIR):
		return sandbox.ENOTDIR
	case errors.Is(err, syscall.EISDIR):
		return sandbox.EISDIR
	case errors.Is(err, syscall.ENOTEMPTY):
		return sandbox.ENOTEMPTY
	}

	return err
}

func hostFlags(flags int) (f int, err error) {
	switch flags & sandbox.O_ACCMODE {
	case sandbox.O_RDONLY:
		f = os.O_RDONLY
	case sandbox.O_WRONLY:
		f = os.O_WRONLY
	case sandbox.O_RDWR:
		f = os.O_RDWR
	default:
		return 0, sandbox.EINVAL
	}

	if flags&sandbox.O_APPEND != 0 {
		f |= os.O_APPEND
	}

	if flags&sandbox.O_CREAT != 0 {
		f |= os.O_CREATE
	}

	if flags&sandbox.O_TRUNC != 0 {
		f |= os.O_TRUNC
	}

	if flags&sandbox.O_EXCL != 0 {
		f |= os.O_EXCL
	}

	return
}

// Open implements sandbox.VFS, the returned *os.File also serves reads,
// writes, seeks and directory listings.
func (d *Dir) Open(name string, flags int) (sandbox.File, error) {
	f, err := hostFlags(flags)

	if err != nil {
		return nil, err
	}

	if f != os.O_RDONLY {
		if err = d.writable(); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(d.resolve(name), f, 0644)

	if err != nil {
		return nil, convert(err)
	}

	return file, nil
}

// Stat implements sandbox.VFS.
func (d *Dir) Stat(name string) (fs.FileInfo, error) {
	fi, err := os.Stat(d.resolve(name))
	return fi, convert(err)
}

// Unlink implements sandbox.VFS.
func (d *Dir) Unlink(name string) (err error) {
	if err = d.writable(); err != nil {
		return
	}

	p := d.resolve(name)
	fi, err := os.Lstat(p)

	if err != nil {
		return convert(err)
	}

	if fi.IsDir() {
		return sandbox.EISDIR
	}

	return convert(os.Remove(p))
}

// Rename implements sandbox.VFS.
func (d *Dir) Rename(oldname string, newname string) (err error) {
	if err = d.writable(); err != nil {
		return
	}

	return convert(os.Rename(d.resolve(oldname), d.resolve(newname)))
}

// Mkdir implements sandbox.VFS.
func (d *Dir) Mkdir(name string, perm fs.FileMode) (err error) {
	if err = d.writable(); err != nil {
		return
	}

	return convert(os.Mkdir(d.resolve(name), perm))
}

// Rmdir implements sandbox.VFS.
func (d *Dir) Rmdir(name string) (err error) {
	if err = d.writable(); err != nil {
		return
	}

	p := d.resolve(name)

	if path.Clean("/"+name) == "/" {
		return sandbox.EBUSY
	}

	fi, err := os.Lstat(p)

	if err != nil {
		return convert(err)
	}

	if !fi.IsDir() {
		return sandbox.ENOTDIR
	}

	return convert(os.Remove(p))
}
