// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"io"
)

// Perm represents the operations allowed on a virtual peripheral unit.
type Perm uint32

// VIO permissions
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermSetMode
)

// GPIO sub-operations
const (
	GPIO_READ    = 0
	GPIO_WRITE   = 1
	GPIO_SET     = 2
	GPIO_CLEAR   = 3
	GPIO_TOGGLE  = 4
	GPIO_SETMODE = 5
)

// UART sub-operations
const (
	UART_READ    = 0
	UART_WRITE   = 1
	UART_SETBAUD = 2
)

// SPI sub-operations
const (
	SPI_EXCHANGE = 0
	SPI_SEND     = 1
	SPI_RECEIVE  = 2
)

// GPIOPort represents a physical GPIO port.
type GPIOPort interface {
	// Read returns the line levels.
	Read() uint32
	// Write drives the lines in mask to the matching val bits.
	Write(mask uint32, val uint32) error
	// SetMode configures the lines in mask.
	SetMode(mask uint32, mode uint32) error
}

// BaudSetter is implemented by UARTs supporting speed configuration.
type BaudSetter interface {
	SetBaud(baud uint32) error
}

// SPIBus represents a physical SPI bus, rx and tx have the same length.
type SPIBus interface {
	Exchange(tx []byte, rx []byte) error
}

// GPIOUnit exposes the Mask lines of a port.
type GPIOUnit struct {
	Port GPIOPort
	Mask uint32
	Perm Perm
}

// UARTUnit exposes a serial port.
type UARTUnit struct {
	Port io.ReadWriter
	Perm Perm
}

// SPIUnit exposes an SPI bus.
type SPIUnit struct {
	Bus  SPIBus
	Perm Perm
}

// VIO represents the virtual peripherals of a sandbox, a unit is selected
// by the upper 16 bits of r0 and the sub-operation by its lower ones.
type VIO struct {
	GPIO []GPIOUnit
	UART []UARTUnit
	SPI  []SPIUnit
}

func decode(r0 uint32) (unit uint32, sub uint32) {
	return r0 >> 16, r0 & 0xffff
}

func sysGPIO(sb *Sandbox, ctx *Context) error {
	unit, sub := decode(ctx.R[0])

	if sb.VIO == nil || unit >= uint32(len(sb.VIO.GPIO)) {
		result(ctx, EINVAL)
		return nil
	}

	u := sb.VIO.GPIO[unit]
	bits := ctx.R[1] & u.Mask

	var err error

	switch sub {
	case GPIO_READ:
		if u.Perm&PermRead == 0 {
			result(ctx, EPERM)
			return nil
		}

		ctx.R[0] = u.Port.Read() & u.Mask

		return nil
	case GPIO_WRITE, GPIO_SET, GPIO_CLEAR, GPIO_TOGGLE:
		if u.Perm&PermWrite == 0 {
			result(ctx, EPERM)
			return nil
		}

		switch sub {
		case GPIO_WRITE:
			err = u.Port.Write(u.Mask, ctx.R[1])
		case GPIO_SET:
			err = u.Port.Write(bits, bits)
		case GPIO_CLEAR:
			err = u.Port.Write(bits, 0)
		case GPIO_TOGGLE:
			err = u.Port.Write(bits, ^u.Port.Read())
		}
	case GPIO_SETMODE:
		if u.Perm&PermSetMode == 0 {
			result(ctx, EPERM)
			return nil
		}

		err = u.Port.SetMode(bits, ctx.R[2])
	default:
		result(ctx, NOT_IMPLEMENTED)
		return nil
	}

	result(ctx, ToErrno(err))

	return nil
}

func sysUART(sb *Sandbox, ctx *Context) error {
	unit, sub := decode(ctx.R[0])

	if sb.VIO == nil || unit >= uint32(len(sb.VIO.UART)) {
		result(ctx, EINVAL)
		return nil
	}

	u := sb.VIO.UART[unit]
	addr := ctx.R[1]
	n := ctx.R[2]

	switch sub {
	case UART_READ:
		if u.Perm&PermRead == 0 {
			result(ctx, EPERM)
			return nil
		}

		if n == 0 {
			ctx.R[0] = 0
			return nil
		}

		if !sb.regions.IsValidWriteRange(addr, n) {
			result(ctx, EFAULT)
			return nil
		}

		buf := make([]byte, n)
		c, err := u.Port.Read(buf)

		if c == 0 && err != nil && err != io.EOF {
			result(ctx, ToErrno(err))
			return nil
		}

		if err = sb.Memory.Write(addr, buf[:c]); err != nil {
			result(ctx, EFAULT)
			return nil
		}

		ctx.R[0] = uint32(c)
	case UART_WRITE:
		if u.Perm&PermWrite == 0 {
			result(ctx, EPERM)
			return nil
		}

		if n == 0 {
			ctx.R[0] = 0
			return nil
		}

		if !sb.regions.IsValidReadRange(addr, n) {
			result(ctx, EFAULT)
			return nil
		}

		buf := make([]byte, n)

		if err := sb.Memory.Read(addr, buf); err != nil {
			result(ctx, EFAULT)
			return nil
		}

		c, err := u.Port.Write(buf)

		if c == 0 && err != nil {
			result(ctx, ToErrno(err))
			return nil
		}

		ctx.R[0] = uint32(c)
	case UART_SETBAUD:
		if u.Perm&PermSetMode == 0 {
			result(ctx, EPERM)
			return nil
		}

		s, ok := u.Port.(BaudSetter)

		if !ok {
			result(ctx, ENOSYS)
			return nil
		}

		result(ctx, ToErrno(s.SetBaud(ctx.R[1])))
	default:
		result(ctx, NOT_IMPLEMENTED)
	}

	return nil
}

func sysSPI(sb *Sandbox, ctx *Context) error {
	unit, sub := decode(ctx.R[0])

	if sb.VIO == nil || unit >= uint32(len(sb.VIO.SPI)) {
		result(ctx, EINVAL)
		return nil
	}

	u := sb.VIO.SPI[unit]

	var tx, rx, n uint32
	var need Perm

	switch sub {
	case SPI_EXCHANGE:
		tx, rx, n = ctx.R[1], ctx.R[2], ctx.R[3]
		need = PermRead | PermWrite
	case SPI_SEND:
		tx, n = ctx.R[1], ctx.R[2]
		need = PermWrite
	case SPI_RECEIVE:
		rx, n = ctx.R[1], ctx.R[2]
		need = PermRead
	default:
		result(ctx, NOT_IMPLEMENTED)
		return nil
	}

	if u.Perm&need != need {
		result(ctx, EPERM)
		return nil
	}

	if n == 0 {
		result(ctx, NOERROR)
		return nil
	}

	if need&PermWrite != 0 && !sb.regions.IsValidReadRange(tx, n) {
		result(ctx, EFAULT)
		return nil
	}

	if need&PermRead != 0 && !sb.regions.IsValidWriteRange(rx, n) {
		result(ctx, EFAULT)
		return nil
	}

	txBuf := make([]byte, n)
	rxBuf := make([]byte, n)

	if need&PermWrite != 0 {
		if err := sb.Memory.Read(tx, txBuf); err != nil {
			result(ctx, EFAULT)
			return nil
		}
	}

	if err := u.Bus.Exchange(txBuf, rxBuf); err != nil {
		result(ctx, ToErrno(err))
		return nil
	}

	if need&PermRead != 0 {
		if err := sb.Memory.Write(rx, rxBuf); err != nil {
			result(ctx, EFAULT)
			return nil
		}
	}

	result(ctx, NOERROR)

	return nil
}
