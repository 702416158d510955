// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
)

// Errno represents a syscall result code, errors are negative values within
// the reserved [-256, -1] range.
type Errno int32

// Syscall result codes
const (
	NOERROR         Errno = 0
	EPERM           Errno = -1
	ENOENT          Errno = -2
	EINTR           Errno = -4
	EIO             Errno = -5
	E2BIG           Errno = -7
	ENOEXEC         Errno = -8
	EBADF           Errno = -9
	ENOMEM          Errno = -12
	EACCES          Errno = -13
	EFAULT          Errno = -14
	EBUSY           Errno = -16
	EEXIST          Errno = -17
	ENOTDIR         Errno = -20
	EISDIR          Errno = -21
	EINVAL          Errno = -22
	EMFILE          Errno = -24
	ESPIPE          Errno = -29
	ERANGE          Errno = -34
	ENOSYS          Errno = -38
	ENOTEMPTY       Errno = -39
	NOT_IMPLEMENTED Errno = -88
	API_USAGE       Errno = -89
)

var errnoText = map[Errno]string{
	EPERM:           "operation not permitted",
	ENOENT:          "no such file or directory",
	EINTR:           "interrupted",
	EIO:             "i/o error",
	E2BIG:           "argument list too long",
	ENOEXEC:         "exec format error",
	EBADF:           "bad file descriptor",
	ENOMEM:          "out of memory",
	EACCES:          "permission denied",
	EFAULT:          "memory fault",
	EBUSY:           "busy",
	EEXIST:          "file exists",
	ENOTDIR:         "not a directory",
	EISDIR:          "is a directory",
	EINVAL:          "invalid argument",
	EMFILE:          "too many open files",
	ESPIPE:          "illegal seek",
	ERANGE:          "result out of range",
	ENOSYS:          "function not implemented",
	ENOTEMPTY:       "directory not empty",
	NOT_IMPLEMENTED: "not implemented",
	API_USAGE:       "api misuse",
}

func (e Errno) Error() string {
	if t, ok := errnoText[e]; ok {
		return t
	}

	return fmt.Sprintf("errno %d", int32(e))
}

// Word returns the syscall result word of the code.
func (e Errno) Word() uint32 {
	return uint32(e)
}

// IsError returns whether a syscall result word denotes an error.
func IsError(r uint32) bool {
	return r&0xffffff00 == 0xffffff00
}

// ToErrno converts an error into a syscall result code.
func ToErrno(err error) Errno {
	var e Errno

	switch {
	case err == nil:
		return NOERROR
	case errors.As(err, &e):
		return e
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	case errors.Is(err, fs.ErrInvalid):
		return EINVAL
	case errors.Is(err, fs.ErrClosed):
		return EBADF
	default:
		return EIO
	}
}

var (
	// ErrExit is returned by Dispatch when the sandbox exits.
	ErrExit = errors.New("exit")
	// ErrFault is returned by Dispatch when the sandbox must be terminated
	// for a memory fault.
	ErrFault = errors.New("fault")
	// ErrStackOverflow is returned when a VRQ frame does not fit the
	// sandbox stack.
	ErrStackOverflow = fmt.Errorf("%w: stack overflow", ErrFault)
)
