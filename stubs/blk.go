// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package stubs

import (
	"context"
	"encoding/binary"
)

// Block device operation codes
const (
	BLK_OPEN uint32 = iota
	BLK_CLOSE
	BLK_READ
	BLK_WRITE
	BLK_SYNC
	BLK_INFO
)

// BlockInfo represents the geometry of a block device.
type BlockInfo struct {
	SectorSize uint32
	Sectors    uint32
}

// Blocks represents the block device stubs, reflecting a NonSecure World
// storage driver.
type Blocks struct {
	Proxy *Proxy
}

// Open opens the device.
func (b *Blocks) Open(ctx context.Context) (err error) {
	_, err = check(b.Proxy.Call(ctx, BLK_OPEN))
	return
}

// Close closes the device.
func (b *Blocks) Close(ctx context.Context) (err error) {
	_, err = check(b.Proxy.Call(ctx, BLK_CLOSE))
	return
}

// Read reads len(buf) bytes, a multiple of the sector size, starting at
// sector lba.
func (b *Blocks) Read(ctx context.Context, lba uint32, buf []byte) (err error) {
	_, err = check(b.Proxy.Call(ctx, BLK_READ, Value(lba), Out(buf)))
	return
}

// Write writes buf, a multiple of the sector size, starting at sector lba.
func (b *Blocks) Write(ctx context.Context, lba uint32, buf []byte) (err error) {
	_, err = check(b.Proxy.Call(ctx, BLK_WRITE, Value(lba), In(buf)))
	return
}

// Flush commits pending writes.
func (b *Blocks) Flush(ctx context.Context) (err error) {
	_, err = check(b.Proxy.Call(ctx, BLK_SYNC))
	return
}

// Info returns the device geometry.
func (b *Blocks) Info(ctx context.Context) (info BlockInfo, err error) {
	buf := make([]byte, 8)

	if _, err = check(b.Proxy.Call(ctx, BLK_INFO, Out(buf))); err != nil {
		return
	}

	info.SectorSize = binary.LittleEndian.Uint32(buf)
	info.Sectors = binary.LittleEndian.Uint32(buf[4:])

	return
}
