// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package skel

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/usbarmory/GoTEE-sandbox/stubs"
)

// DefaultSectorSize is the block size used when none is configured.
const DefaultSectorSize = 512

// BlockDevice represents a storage driver.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Partition represents the window of sectors exposed by the skeleton.
type Partition struct {
	// Start is the first device sector
	Start uint64
	// Sectors is the window length
	Sectors uint64
}

// Blocks represents the block device skeleton, translating operation
// sectors to the partition window.
type Blocks struct {
	sync.Mutex

	// Device is the underlying storage driver
	Device BlockDevice
	// SectorSize is the block size
	SectorSize int
	// Partition is the exposed window
	Partition Partition

	open bool
}

// Methods returns the block device operations.
func (b *Blocks) Methods() map[uint32]Method {
	return map[uint32]Method{
		stubs.BLK_OPEN:  b.openDevice,
		stubs.BLK_CLOSE: b.closeDevice,
		stubs.BLK_READ:  b.read,
		stubs.BLK_WRITE: b.write,
		stubs.BLK_SYNC:  b.sync,
		stubs.BLK_INFO:  b.info,
	}
}

func (b *Blocks) sectorSize() int {
	if b.SectorSize <= 0 {
		return DefaultSectorSize
	}

	return b.SectorSize
}

// offset translates a partition relative sector range to a device offset.
func (b *Blocks) offset(lba uint32, size uint32) (off int64, err error) {
	ss := uint64(b.sectorSize())

	if size == 0 || uint64(size)%ss != 0 {
		return 0, stubs.EINVAL
	}

	if end := uint64(lba) + uint64(size)/ss; end > b.Partition.Sectors {
		return 0, stubs.EINVAL
	}

	return int64((b.Partition.Start + uint64(lba)) * ss), nil
}

func (b *Blocks) isOpen() bool {
	b.Lock()
	defer b.Unlock()

	return b.open
}

func (b *Blocks) openDevice(c *Call) error {
	b.Lock()
	defer b.Unlock()

	if b.open {
		return c.Fail(stubs.EBUSY)
	}

	b.open = true

	return c.Return(0, nil)
}

func (b *Blocks) closeDevice(c *Call) error {
	b.Lock()
	defer b.Unlock()

	if !b.open {
		return c.Fail(stubs.EBADF)
	}

	b.open = false

	return c.Return(0, nil)
}

func (b *Blocks) read(c *Call) error {
	if !b.isOpen() {
		return c.Fail(stubs.EBADF)
	}

	off, err := b.offset(c.Values[0], c.Sizes[1])

	if err != nil {
		return c.Fail(stubs.EINVAL)
	}

	buf := make([]byte, c.Sizes[1])

	if _, err = b.Device.ReadAt(buf, off); err != nil {
		c.Fail(stubs.EIO)
		return err
	}

	return c.Return(0, Outs{1: buf})
}

func (b *Blocks) write(c *Call) error {
	if !b.isOpen() {
		return c.Fail(stubs.EBADF)
	}

	off, err := b.offset(c.Values[0], c.Sizes[1])

	if err != nil {
		return c.Fail(stubs.EINVAL)
	}

	bufs, err := c.In(1)

	if err != nil {
		return err
	}

	if _, err = b.Device.WriteAt(bufs[1], off); err != nil {
		c.Fail(stubs.EIO)
		return err
	}

	return c.Return(0, nil)
}

func (b *Blocks) sync(c *Call) error {
	if !b.isOpen() {
		return c.Fail(stubs.EBADF)
	}

	if err := b.Device.Sync(); err != nil {
		c.Fail(stubs.EIO)
		return err
	}

	return c.Return(0, nil)
}

func (b *Blocks) info(c *Call) error {
	buf := make([]byte, 8)

	binary.LittleEndian.PutUint32(buf, uint32(b.sectorSize()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(b.Partition.Sectors))

	return c.Return(0, Outs{0: buf})
}
