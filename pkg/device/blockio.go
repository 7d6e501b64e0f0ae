package device

import (
	"context"
	"errors"
	"fmt"
	"io"

	"rockusb/pkg/protocol"
)

// MaxIOSize caps a single direct transfer at 128 sectors.
const MaxIOSize = 128 * protocol.SectorSize

// ErrWritePastEnd is returned when a write starts at or beyond the device
// size. The device has no defined semantics past its declared size, so the
// write is refused rather than clipped.
var ErrWritePastEnd = errors.New("write past end of device")

type flashDevice interface {
	FlashInfo(ctx context.Context) (protocol.FlashInfo, error)
	ReadLBA(ctx context.Context, startSector uint32, data []byte) (uint32, error)
	WriteLBA(ctx context.Context, startSector uint32, data []byte) (uint32, error)
}

type bufferState int

const (
	// Buffer content does not reflect the current sector.
	bufferInvalid bufferState = iota
	// Buffer content equals the device-side sector.
	bufferValid
	// Buffer content matches the current sector with pending modifications.
	bufferDirty
)

// IO presents the flash as a randomly seekable byte stream over the
// sector-granular read/write commands. It keeps a single sector buffer for
// unaligned accesses; aligned multi-sector transfers bypass the buffer.
//
// IO is not safe for concurrent use; operations against the underlying
// device are serialized by construction.
type IO struct {
	dev    flashDevice
	ctx    context.Context
	size   uint64
	offset uint64
	buffer [protocol.SectorSize]byte
	state  bufferState
}

// NewIO queries the flash size and wraps dev in a block I/O adapter. The
// context is retained for the adapter's lifetime and carried into every
// device operation it issues.
func NewIO(ctx context.Context, dev *Device) (*IO, error) {
	return newIO(ctx, dev)
}

func newIO(ctx context.Context, dev flashDevice) (*IO, error) {
	info, err := dev.FlashInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("flash info: %w", err)
	}
	return &IO{dev: dev, ctx: ctx, size: info.Size()}, nil
}

// Size is the flash size in bytes.
func (b *IO) Size() uint64 {
	return b.size
}

func (b *IO) currentSector() uint64 {
	return b.offset / protocol.SectorSize
}

type ioKind int

const (
	ioDirect ioKind = iota
	ioBuffered
	ioEOF
)

type ioOperation struct {
	kind   ioKind
	offset int
	len    int
}

// preIO decides how an I/O of up to length bytes proceeds from the current
// offset: direct multi-sector transfer, through the sector buffer, or EOF.
func (b *IO) preIO(length uint64) (ioOperation, error) {
	if b.offset >= b.size {
		return ioOperation{kind: ioEOF}, nil
	}

	sectorOffset := b.offset % protocol.SectorSize
	sectorRemaining := protocol.SectorSize - sectorOffset

	// Aligned and at least one full sector: direct I/O. A dirty buffer is
	// flushed first so the device side is coherent with buffered writes.
	if sectorOffset == 0 && length >= protocol.SectorSize {
		if err := b.flushBuffer(); err != nil {
			return ioOperation{}, err
		}
		b.state = bufferInvalid
		left := b.size - b.offset
		if length > left {
			length = left
		}
		ioLen := length / protocol.SectorSize * protocol.SectorSize
		if ioLen > MaxIOSize {
			ioLen = MaxIOSize
		}
		return ioOperation{kind: ioDirect, len: int(ioLen)}, nil
	}

	if b.state == bufferInvalid {
		if _, err := b.dev.ReadLBA(b.ctx, uint32(b.currentSector()), b.buffer[:]); err != nil {
			return ioOperation{}, brokenPipe(err)
		}
		b.state = bufferValid
	}
	if length > sectorRemaining {
		length = sectorRemaining
	}
	return ioOperation{kind: ioBuffered, offset: int(sectorOffset), len: int(length)}, nil
}

// postIO advances the offset, flushing and invalidating the sector buffer
// when the I/O crossed the sector edge.
func (b *IO) postIO(n uint64) (int, error) {
	sectorOffset := b.offset % protocol.SectorSize
	sectorRemaining := protocol.SectorSize - sectorOffset

	if n >= sectorRemaining {
		if err := b.flushBuffer(); err != nil {
			return 0, err
		}
		b.state = bufferInvalid
	}
	b.offset += n
	return int(n), nil
}

func (b *IO) flushBuffer() error {
	if b.state == bufferDirty {
		if _, err := b.dev.WriteLBA(b.ctx, uint32(b.currentSector()), b.buffer[:]); err != nil {
			return brokenPipe(err)
		}
		b.state = bufferValid
	}
	return nil
}

// Read reads up to len(p) bytes from the current offset. At the end of the
// device it returns io.EOF.
func (b *IO) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	op, err := b.preIO(uint64(len(p)))
	if err != nil {
		return 0, err
	}
	switch op.kind {
	case ioDirect:
		if _, err := b.dev.ReadLBA(b.ctx, uint32(b.currentSector()), p[:op.len]); err != nil {
			return 0, brokenPipe(err)
		}
	case ioBuffered:
		copy(p[:op.len], b.buffer[op.offset:op.offset+op.len])
	case ioEOF:
		return 0, io.EOF
	}
	return b.postIO(uint64(op.len))
}

// Write writes all of p at the current offset, buffering unaligned head and
// tail fragments in the sector buffer. Writing at or past the device size
// fails with ErrWritePastEnd.
func (b *IO) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := b.writeChunk(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (b *IO) writeChunk(p []byte) (int, error) {
	op, err := b.preIO(uint64(len(p)))
	if err != nil {
		return 0, err
	}
	switch op.kind {
	case ioDirect:
		if _, err := b.dev.WriteLBA(b.ctx, uint32(b.currentSector()), p[:op.len]); err != nil {
			return 0, brokenPipe(err)
		}
	case ioBuffered:
		copy(b.buffer[op.offset:op.offset+op.len], p[:op.len])
		b.state = bufferDirty
	case ioEOF:
		return 0, ErrWritePastEnd
	}
	return b.postIO(uint64(op.len))
}

// Seek repositions the offset, clamped to [0, Size]; a negative offset with
// io.SeekStart is rejected with an error. When the move leaves
// the buffered sector a dirty buffer is flushed first and the buffer is
// invalidated.
func (b *IO) Seek(offset int64, whence int) (int64, error) {
	var target uint64
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, fmt.Errorf("negative seek offset: %d", offset)
		}
		target = min(b.size, uint64(offset))
	case io.SeekEnd:
		if offset > 0 {
			target = b.size
		} else {
			delta := uint64(-offset)
			if delta > b.size {
				target = 0
			} else {
				target = b.size - delta
			}
		}
	case io.SeekCurrent:
		if offset > 0 {
			target = min(b.size, b.offset+uint64(offset))
		} else {
			delta := uint64(-offset)
			if delta > b.offset {
				target = 0
			} else {
				target = b.offset - delta
			}
		}
	default:
		return 0, fmt.Errorf("invalid seek whence: %d", whence)
	}

	if target/protocol.SectorSize != b.currentSector() {
		if err := b.flushBuffer(); err != nil {
			return 0, err
		}
		b.state = bufferInvalid
	}
	b.offset = target
	return int64(b.offset), nil
}

// Flush writes out a dirty sector buffer.
func (b *IO) Flush() error {
	return b.flushBuffer()
}

// Close flushes the sector buffer. The underlying device stays open.
func (b *IO) Close() error {
	return b.flushBuffer()
}

// brokenPipe maps a device or transport failure to an I/O layer error while
// preserving the cause for errors.Is/As.
func brokenPipe(err error) error {
	return fmt.Errorf("broken pipe: %w", err)
}
