// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sandbox

import (
	"fmt"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// Context represents the register frame of a trapped sandbox thread.
type Context struct {
	// R holds r0-r12
	R    [13]uint32
	SP   uint32
	LR   uint32
	PC   uint32
	XPSR uint32
}

// String returns the register frame for logging.
func (ctx *Context) String() string {
	return fmt.Sprintf("r0:%.8x r1:%.8x r2:%.8x r3:%.8x r12:%.8x sp:%.8x lr:%.8x pc:%.8x xpsr:%.8x",
		ctx.R[0], ctx.R[1], ctx.R[2], ctx.R[3], ctx.R[12], ctx.SP, ctx.LR, ctx.PC, ctx.XPSR)
}

// FrameBuilder is the architecture specific construction of return frames
// on the sandbox stack, used for VRQ delivery.
//
// Callers validate the frame range against the sandbox regions and zero it
// before BuildReturnFrame is invoked, and validate it before
// PopReturnFrame is invoked.
type FrameBuilder interface {
	// FrameSize returns the size of a return frame.
	FrameSize() uint32
	// BuildReturnFrame stacks the current context at ctx.SP-FrameSize()
	// and redirects ctx to entry with arg as first argument.
	BuildReturnFrame(ctx *Context, entry uint32, arg uint32) error
	// PopReturnFrame restores ctx from the frame at ctx.SP.
	PopReturnFrame(ctx *Context) error
}

// ThumbState is the initial xPSR value.
const ThumbState = 0x01000000

// ARMv7M implements the 8 words Cortex-M exception frame (r0-r3, r12, lr,
// pc, xpsr).
type ARMv7M struct {
	Memory *mem.Space
}

// FrameSize implements FrameBuilder.
func (f *ARMv7M) FrameSize() uint32 {
	return 32
}

// BuildReturnFrame implements FrameBuilder.
func (f *ARMv7M) BuildReturnFrame(ctx *Context, entry uint32, arg uint32) (err error) {
	sp := ctx.SP - f.FrameSize()
	words := []uint32{ctx.R[0], ctx.R[1], ctx.R[2], ctx.R[3], ctx.R[12], ctx.LR, ctx.PC, ctx.XPSR}

	for i, w := range words {
		if err = f.Memory.Write32(sp+uint32(i)*4, w); err != nil {
			return
		}
	}

	// r4-r11 are preserved by the handler
	ctx.R[0] = arg
	ctx.R[1] = 0
	ctx.R[2] = 0
	ctx.R[3] = 0
	ctx.R[12] = 0
	ctx.LR = 0
	ctx.SP = sp
	ctx.PC = entry
	ctx.XPSR = ThumbState

	return
}

// PopReturnFrame implements FrameBuilder.
func (f *ARMv7M) PopReturnFrame(ctx *Context) (err error) {
	var words [8]uint32

	for i := range words {
		if words[i], err = f.Memory.Read32(ctx.SP + uint32(i)*4); err != nil {
			return
		}
	}

	copy(ctx.R[0:4], words[0:4])
	ctx.R[12] = words[4]
	ctx.LR = words[5]
	ctx.PC = words[6]
	ctx.XPSR = words[7]
	ctx.SP += f.FrameSize()

	return
}
