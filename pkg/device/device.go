// Package device binds the sans-I/O operation engine to a transport and
// offers one typed method per protocol command, plus a seekable block I/O
// adapter over the sector-granular read/write commands.
package device

import (
	"context"
	"fmt"

	"rockusb/pkg/operation"
	"rockusb/pkg/protocol"
)

// Transport executes single steps against the USB device. Implementations
// may block; cancellation and the per-transfer timeout are carried by the
// context. A transport is claimed exclusively by one Device.
type Transport interface {
	// WriteBulk writes data over the bulk-out endpoint.
	WriteBulk(ctx context.Context, data []byte) error
	// ReadBulk fills data from the bulk-in endpoint.
	ReadBulk(ctx context.Context, data []byte) error
	// WriteControl issues a vendor control write.
	WriteControl(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) error
}

// Device drives operations against a single transport. Operations are
// serialized: each method runs one operation to completion before returning.
type Device struct {
	transport Transport
}

// New wraps a claimed transport.
func New(transport Transport) *Device {
	return &Device{transport: transport}
}

// Transport returns the underlying transport.
func (d *Device) Transport() Transport {
	return d.transport
}

func (d *Device) run(ctx context.Context, op operation.Steps) error {
	for {
		switch step := op.Step().(type) {
		case operation.WriteBulk:
			if err := d.transport.WriteBulk(ctx, step.Data); err != nil {
				return fmt.Errorf("bulk write: %w", err)
			}
		case operation.ReadBulk:
			if err := d.transport.ReadBulk(ctx, step.Data); err != nil {
				return fmt.Errorf("bulk read: %w", err)
			}
		case operation.WriteControl:
			err := d.transport.WriteControl(ctx, step.RequestType, step.Request, step.Value, step.Index, step.Data)
			if err != nil {
				return fmt.Errorf("control write: %w", err)
			}
		case operation.Finished:
			return step.Err
		}
	}
}

// ChipInfo retrieves the SoC chip descriptor.
func (d *Device) ChipInfo(ctx context.Context) (protocol.ChipInfo, error) {
	op := operation.ChipInfo()
	if err := d.run(ctx, op); err != nil {
		return protocol.ChipInfo{}, err
	}
	info, err := protocol.ParseChipInfo(op.Payload())
	if err != nil {
		return protocol.ChipInfo{}, fmt.Errorf("%w: %v", operation.ErrReplyParse, err)
	}
	return info, nil
}

// FlashID retrieves the flash identifier.
func (d *Device) FlashID(ctx context.Context) (protocol.FlashID, error) {
	op := operation.FlashID()
	if err := d.run(ctx, op); err != nil {
		return protocol.FlashID{}, err
	}
	id, err := protocol.ParseFlashID(op.Payload())
	if err != nil {
		return protocol.FlashID{}, fmt.Errorf("%w: %v", operation.ErrReplyParse, err)
	}
	return id, nil
}

// FlashInfo retrieves the flash geometry descriptor.
func (d *Device) FlashInfo(ctx context.Context) (protocol.FlashInfo, error) {
	op := operation.FlashInfo()
	if err := d.run(ctx, op); err != nil {
		return protocol.FlashInfo{}, err
	}
	info, err := protocol.ParseFlashInfo(op.Payload())
	if err != nil {
		return protocol.FlashInfo{}, fmt.Errorf("%w: %v", operation.ErrReplyParse, err)
	}
	return info, nil
}

// Capability retrieves the capability bitfield.
func (d *Device) Capability(ctx context.Context) (protocol.Capability, error) {
	op := operation.Capability()
	if err := d.run(ctx, op); err != nil {
		return protocol.Capability{}, err
	}
	capability, err := protocol.ParseCapability(op.Payload())
	if err != nil {
		return protocol.Capability{}, fmt.Errorf("%w: %v", operation.ErrReplyParse, err)
	}
	return capability, nil
}

// Storage retrieves the active storage medium descriptor.
func (d *Device) Storage(ctx context.Context) (protocol.Storage, error) {
	op := operation.ReadStorage()
	if err := d.run(ctx, op); err != nil {
		return protocol.Storage{}, err
	}
	storage, err := protocol.ParseStorage(op.Payload())
	if err != nil {
		return protocol.Storage{}, fmt.Errorf("%w: %v", operation.ErrReplyParse, err)
	}
	return storage, nil
}

// ChangeStorage switches the active storage medium.
func (d *Device) ChangeStorage(ctx context.Context, target uint8) error {
	return d.run(ctx, operation.ChangeStorage(target))
}

// ReadLBA reads sectors starting at startSector into data, whose length
// must be a multiple of the sector size. It returns the number of bytes
// the device reported transferred.
func (d *Device) ReadLBA(ctx context.Context, startSector uint32, data []byte) (uint32, error) {
	op := operation.ReadLBA(startSector, data)
	if err := d.run(ctx, op); err != nil {
		return 0, err
	}
	return op.Transferred()
}

// WriteLBA writes data, whose length must be a multiple of the sector
// size, to sectors starting at startSector. It returns the number of bytes
// the device reported transferred.
func (d *Device) WriteLBA(ctx context.Context, startSector uint32, data []byte) (uint32, error) {
	op := operation.WriteLBA(startSector, data)
	if err := d.run(ctx, op); err != nil {
		return 0, err
	}
	return op.Transferred()
}

// EraseLBA erases count blocks starting at first.
func (d *Device) EraseLBA(ctx context.Context, first uint32, count uint16) error {
	return d.run(ctx, operation.EraseLBA(first, count))
}

// EraseForce force-erases count blocks starting at first.
func (d *Device) EraseForce(ctx context.Context, first uint32, count uint16) error {
	return d.run(ctx, operation.EraseForce(first, count))
}

// WriteMaskromArea uploads data to a maskrom area while the SoC is in
// maskrom mode; typically operation.AreaSRAM or operation.AreaDDR with
// blobs from a rockchip boot file.
func (d *Device) WriteMaskromArea(ctx context.Context, area uint16, data []byte) error {
	return d.run(ctx, operation.WriteArea(area, data))
}

// ResetDevice resets the device with the given variant.
func (d *Device) ResetDevice(ctx context.Context, opcode protocol.ResetOpcode) error {
	return d.run(ctx, operation.ResetDevice(opcode))
}
