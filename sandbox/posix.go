// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"path"
)

// FDNum is the number of descriptors per sandbox.
const FDNum = 12

// StatSize is the size of a stat buffer (mode, nlink, 64-bit size).
const StatSize = 16

// POSIX sub-operations, passed in r0 with SYS_POSIX
const (
	POSIX_OPEN     = 1
	POSIX_CLOSE    = 2
	POSIX_DUP      = 3
	POSIX_DUP2     = 4
	POSIX_FSTAT    = 5
	POSIX_READ     = 6
	POSIX_WRITE    = 7
	POSIX_LSEEK    = 8
	POSIX_GETDENTS = 9
	POSIX_CHDIR    = 10
	POSIX_GETCWD   = 11
	POSIX_UNLINK   = 12
	POSIX_RENAME   = 13
	POSIX_MKDIR    = 14
	POSIX_RMDIR    = 15
	POSIX_STAT     = 16
)

// lseek whence values
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

type ioState struct {
	fs  VFS
	fds [FDNum]*node
	cwd string
}

func (s *ioState) init(c *Config) {
	s.cleanup()
	s.fs = c.FS
	s.cwd = "/"

	std := []*stream{
		{name: "stdin", r: c.Stdin},
		{name: "stdout", w: c.Stdout},
		{name: "stderr", w: c.Stderr},
	}

	for fd, st := range std {
		if st.r == nil && st.w == nil {
			continue
		}

		s.fds[fd] = &node{
			refs: 1,
			file: st,
			mode: S_IFCHR | 0600,
		}
	}
}

func (s *ioState) cleanup() {
	for fd, n := range s.fds {
		if n != nil {
			n.release()
			s.fds[fd] = nil
		}
	}
}

func (s *ioState) get(fd uint32) *node {
	if fd >= FDNum {
		return nil
	}

	return s.fds[fd]
}

func (s *ioState) alloc(n *node) (fd uint32, e Errno) {
	for i := range s.fds {
		if s.fds[i] == nil {
			s.fds[i] = n
			return uint32(i), NOERROR
		}
	}

	return 0, EMFILE
}

// path returns the cleaned absolute form of the validated string at addr.
func (sb *Sandbox) path(addr uint32) (p string, e Errno) {
	n := sb.regions.CheckString(sb.Memory, addr, PathMax)

	if n == 0 {
		return "", EFAULT
	}

	p, err := sb.Memory.String(addr, n-1)

	if err != nil {
		return "", EFAULT
	}

	if p == "" {
		return "", ENOENT
	}

	if !path.IsAbs(p) {
		p = path.Join(sb.io.cwd, p)
	}

	return path.Clean(p), NOERROR
}

// writeStat fills a stat buffer previously validated for writing.
func (sb *Sandbox) writeStat(addr uint32, fi fs.FileInfo) Errno {
	buf := make([]byte, StatSize)

	binary.LittleEndian.PutUint32(buf[0:], Mode(fi))
	binary.LittleEndian.PutUint32(buf[4:], 1)
	binary.LittleEndian.PutUint64(buf[8:], uint64(fi.Size()))

	if err := sb.Memory.Write(addr, buf); err != nil {
		return EFAULT
	}

	return NOERROR
}

func sysPOSIX(sb *Sandbox, ctx *Context) error {
	var r uint32

	a1 := ctx.R[1]
	a2 := ctx.R[2]
	a3 := ctx.R[3]

	switch ctx.R[0] {
	case POSIX_OPEN:
		r = sb.posixOpen(a1, int(a2))
	case POSIX_CLOSE:
		r = sb.posixClose(a1)
	case POSIX_DUP:
		r = sb.posixDup(a1)
	case POSIX_DUP2:
		r = sb.posixDup2(a1, a2)
	case POSIX_FSTAT:
		r = sb.posixFstat(a1, a2)
	case POSIX_READ:
		r = sb.posixRead(a1, a2, a3)
	case POSIX_WRITE:
		r = sb.posixWrite(a1, a2, a3)
	case POSIX_LSEEK:
		r = sb.posixSeek(a1, int32(a2), a3)
	case POSIX_GETDENTS:
		r = sb.posixGetdents(a1, a2, a3)
	case POSIX_CHDIR:
		r = sb.posixChdir(a1)
	case POSIX_GETCWD:
		r = sb.posixGetcwd(a1, a2)
	case POSIX_UNLINK:
		r = sb.posixPathOp(a1, func(fs VFS, p string) error { return fs.Unlink(p) })
	case POSIX_RENAME:
		r = sb.posixRename(a1, a2)
	case POSIX_MKDIR:
		r = sb.posixPathOp(a1, func(vfs VFS, p string) error { return vfs.Mkdir(p, fs.FileMode(a2&0777)) })
	case POSIX_RMDIR:
		r = sb.posixPathOp(a1, func(fs VFS, p string) error { return fs.Rmdir(p) })
	case POSIX_STAT:
		r = sb.posixStat(a1, a2)
	default:
		r = ENOSYS.Word()
	}

	ctx.R[0] = r

	return nil
}

func (sb *Sandbox) posixOpen(addr uint32, flags int) uint32 {
	p, e := sb.path(addr)

	if e != NOERROR {
		return uint32(e)
	}

	if sb.io.fs == nil {
		return ENOENT.Word()
	}

	f, err := sb.io.fs.Open(p, flags)

	if err != nil {
		return uint32(ToErrno(err))
	}

	n, err := newNode(f)

	if err != nil {
		f.Close()
		return uint32(ToErrno(err))
	}

	fd, e := sb.io.alloc(n)

	if e != NOERROR {
		n.release()
		return uint32(e)
	}

	return fd
}

func (sb *Sandbox) posixClose(fd uint32) uint32 {
	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	sb.io.fds[fd] = nil

	return uint32(ToErrno(n.release()))
}

func (sb *Sandbox) posixDup(fd uint32) uint32 {
	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	nfd, e := sb.io.alloc(n.acquire())

	if e != NOERROR {
		n.release()
		return uint32(e)
	}

	return nfd
}

func (sb *Sandbox) posixDup2(oldfd uint32, newfd uint32) uint32 {
	n := sb.io.get(oldfd)

	if n == nil || newfd >= FDNum {
		return EBADF.Word()
	}

	if oldfd == newfd {
		return newfd
	}

	if o := sb.io.fds[newfd]; o != nil {
		o.release()
	}

	sb.io.fds[newfd] = n.acquire()

	return newfd
}

func (sb *Sandbox) posixFstat(fd uint32, buf uint32) uint32 {
	if !sb.regions.IsValidWriteRange(buf, StatSize) {
		return EFAULT.Word()
	}

	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	fi, err := n.file.Stat()

	if err != nil {
		return uint32(ToErrno(err))
	}

	return uint32(sb.writeStat(buf, fi))
}

func (sb *Sandbox) posixStat(addr uint32, buf uint32) uint32 {
	p, e := sb.path(addr)

	if e != NOERROR {
		return uint32(e)
	}

	if !sb.regions.IsValidWriteRange(buf, StatSize) {
		return EFAULT.Word()
	}

	if sb.io.fs == nil {
		return ENOENT.Word()
	}

	fi, err := sb.io.fs.Stat(p)

	if err != nil {
		return uint32(ToErrno(err))
	}

	return uint32(sb.writeStat(buf, fi))
}

func (sb *Sandbox) posixRead(fd uint32, addr uint32, count uint32) uint32 {
	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	if n.isDir() {
		return EISDIR.Word()
	}

	if count == 0 {
		return 0
	}

	if !sb.regions.IsValidWriteRange(addr, count) {
		return EFAULT.Word()
	}

	r, ok := n.file.(io.Reader)

	if !ok {
		return EBADF.Word()
	}

	buf := make([]byte, count)
	c, err := r.Read(buf)

	if c == 0 && err != nil && !errors.Is(err, io.EOF) {
		return uint32(ToErrno(err))
	}

	if err := sb.Memory.Write(addr, buf[:c]); err != nil {
		return EFAULT.Word()
	}

	return uint32(c)
}

func (sb *Sandbox) posixWrite(fd uint32, addr uint32, count uint32) uint32 {
	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	if n.isDir() {
		return EISDIR.Word()
	}

	if count == 0 {
		return 0
	}

	if !sb.regions.IsValidReadRange(addr, count) {
		return EFAULT.Word()
	}

	w, ok := n.file.(io.Writer)

	if !ok {
		return EBADF.Word()
	}

	buf := make([]byte, count)

	if err := sb.Memory.Read(addr, buf); err != nil {
		return EFAULT.Word()
	}

	c, err := w.Write(buf)

	if c == 0 && err != nil {
		return uint32(ToErrno(err))
	}

	return uint32(c)
}

func (sb *Sandbox) posixSeek(fd uint32, offset int32, whence uint32) uint32 {
	if whence != SEEK_SET && whence != SEEK_CUR && whence != SEEK_END {
		return EINVAL.Word()
	}

	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	if n.isDir() {
		return EISDIR.Word()
	}

	s, ok := n.file.(io.Seeker)

	if !n.isReg() || !ok {
		return ESPIPE.Word()
	}

	off, err := s.Seek(int64(offset), int(whence))

	if err != nil {
		return uint32(ToErrno(err))
	}

	if off < 0 || off > 0x7fffffff {
		return EINVAL.Word()
	}

	return uint32(off)
}

// direntSize is the size of the fixed dirent part (ino, reclen, type, pad).
const direntSize = 8

// posixGetdents returns at most one entry, 0 at the end of the directory.
func (sb *Sandbox) posixGetdents(fd uint32, addr uint32, count uint32) uint32 {
	if !sb.regions.IsValidWriteRange(addr, count) {
		return EFAULT.Word()
	}

	n := sb.io.get(fd)

	if n == nil {
		return EBADF.Word()
	}

	d, ok := n.file.(DirReader)

	if !n.isDir() || !ok {
		return ENOTDIR.Word()
	}

	de := n.next
	n.next = nil

	if de == nil {
		entries, err := d.ReadDir(1)

		if len(entries) == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return 0
			}

			return uint32(ToErrno(err))
		}

		de = entries[0]
	}

	name := de.Name()
	size := (direntSize + uint32(len(name)) + 1 + 3) &^ 3

	if count < size {
		n.next = de
		return EINVAL.Word()
	}

	var typ byte

	switch {
	case de.IsDir():
		typ = DT_DIR
	case de.Type().IsRegular():
		typ = DT_REG
	case de.Type()&fs.ModeCharDevice != 0:
		typ = DT_CHR
	default:
		typ = DT_UNKNOWN
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], 1)
	binary.LittleEndian.PutUint16(buf[4:], uint16(size))
	buf[6] = typ
	copy(buf[direntSize:], name)

	if err := sb.Memory.Write(addr, buf); err != nil {
		return EFAULT.Word()
	}

	return size
}

func (sb *Sandbox) posixChdir(addr uint32) uint32 {
	p, e := sb.path(addr)

	if e != NOERROR {
		return uint32(e)
	}

	if sb.io.fs == nil {
		return ENOENT.Word()
	}

	fi, err := sb.io.fs.Stat(p)

	if err != nil {
		return uint32(ToErrno(err))
	}

	if !fi.IsDir() {
		return ENOTDIR.Word()
	}

	sb.io.cwd = p

	return NOERROR.Word()
}

func (sb *Sandbox) posixGetcwd(addr uint32, size uint32) uint32 {
	if !sb.regions.IsValidWriteRange(addr, size) {
		return EFAULT.Word()
	}

	cwd := append([]byte(sb.io.cwd), 0)

	if uint32(len(cwd)) > size {
		return ERANGE.Word()
	}

	if err := sb.Memory.Write(addr, cwd); err != nil {
		return EFAULT.Word()
	}

	return NOERROR.Word()
}

func (sb *Sandbox) posixPathOp(addr uint32, op func(VFS, string) error) uint32 {
	p, e := sb.path(addr)

	if e != NOERROR {
		return uint32(e)
	}

	if sb.io.fs == nil {
		return ENOENT.Word()
	}

	return uint32(ToErrno(op(sb.io.fs, p)))
}

func (sb *Sandbox) posixRename(oldaddr uint32, newaddr uint32) uint32 {
	oldpath, e := sb.path(oldaddr)

	if e != NOERROR {
		return uint32(e)
	}

	newpath, e := sb.path(newaddr)

	if e != NOERROR {
		return uint32(e)
	}

	if sb.io.fs == nil {
		return ENOENT.Word()
	}

	return uint32(ToErrno(sb.io.fs.Rename(oldpath, newpath)))
}
