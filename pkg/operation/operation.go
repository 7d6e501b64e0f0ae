// Package operation implements the sans-I/O protocol engine. Every
// operation is a state machine yielding transport steps; the engine never
// performs I/O itself, so the same operations drive blocking and
// context-cancellable transports alike.
package operation

import (
	"errors"
	"fmt"

	"rockusb/pkg/protocol"
)

// Engine-level failures. ErrTagMismatch and ErrFailedStatus are surfaced by
// the Finished step; ErrReplyParse is returned by Transferred and by the
// device facade when it parses a reply payload.
var (
	// ErrTagMismatch means the CSW tag did not echo the CBW tag.
	ErrTagMismatch = errors.New("tag mismatch between command and status")
	// ErrFailedStatus means the device reported the operation failed.
	ErrFailedStatus = errors.New("device indicated operation failed")
	// ErrReplyParse means the reply payload did not match the expected
	// fixed-width layout, or the residue exceeded the transfer length.
	ErrReplyParse = errors.New("failed to parse reply")
)

// Step is one transport action requested by an operation. Exactly one of
// WriteBulk, ReadBulk, WriteControl or Finished.
type Step interface {
	isStep()
}

// WriteBulk asks the transport to write Data over the bulk-out endpoint.
type WriteBulk struct {
	Data []byte
}

// ReadBulk asks the transport to fill Data from the bulk-in endpoint.
type ReadBulk struct {
	Data []byte
}

// WriteControl asks the transport to issue a vendor control write.
type WriteControl struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
}

// Finished terminates the operation with its result.
type Finished struct {
	Err error
}

func (WriteBulk) isStep()    {}
func (ReadBulk) isStep()     {}
func (WriteControl) isStep() {}
func (Finished) isStep()     {}

// Steps is the engine interface driven by a transport: call Step and execute
// the returned action until it is Finished.
type Steps interface {
	Step() Step
}

type phase int

const (
	phaseCommandBlock phase = iota
	phaseIO
	phaseCommandStatus
	phaseFinish
	phaseDone
)

// Operation runs one command through the three-phase bulk protocol:
// CBW out, data phase in the CBW's direction, CSW in. The payload is either
// the caller's slice (LBA transfers) or a 16-byte inband scratch (info
// queries).
type Operation struct {
	command protocol.CommandBlock
	scratch [protocol.CommandBlockBytes]byte
	inband  [16]byte
	read    []byte
	write   []byte
	phase   phase
	status  protocol.CommandStatus
	err     error
}

func newOperation(command protocol.CommandBlock) *Operation {
	return &Operation{command: command}
}

func newReadOperation(command protocol.CommandBlock, data []byte) *Operation {
	return &Operation{command: command, read: data}
}

func newWriteOperation(command protocol.CommandBlock, data []byte) *Operation {
	return &Operation{command: command, write: data}
}

// ChipInfo builds the chip descriptor query.
func ChipInfo() *Operation {
	return newOperation(protocol.NewChipInfoCommand())
}

// FlashID builds the flash identifier query.
func FlashID() *Operation {
	return newOperation(protocol.NewFlashIDCommand())
}

// FlashInfo builds the flash geometry query.
func FlashInfo() *Operation {
	return newOperation(protocol.NewFlashInfoCommand())
}

// Capability builds the capability bitfield query.
func Capability() *Operation {
	return newOperation(protocol.NewCapabilityCommand())
}

// ReadStorage builds the storage medium query.
func ReadStorage() *Operation {
	return newOperation(protocol.NewReadStorageCommand())
}

// ChangeStorage builds the storage switch command.
func ChangeStorage(target uint8) *Operation {
	return newOperation(protocol.NewChangeStorageCommand(target))
}

// ReadLBA builds a sector read into data. The length of data must be a
// multiple of the sector size; anything else is a programming error.
func ReadLBA(startSector uint32, data []byte) *Operation {
	if len(data)%protocol.SectorSize != 0 {
		panic(fmt.Sprintf("read length not a multiple of %d: %d", protocol.SectorSize, len(data)))
	}
	return newReadOperation(protocol.NewReadLBACommand(startSector, uint16(len(data)/protocol.SectorSize)), data)
}

// WriteLBA builds a sector write from data. The length of data must be a
// multiple of the sector size; anything else is a programming error.
func WriteLBA(startSector uint32, data []byte) *Operation {
	if len(data)%protocol.SectorSize != 0 {
		panic(fmt.Sprintf("write length not a multiple of %d: %d", protocol.SectorSize, len(data)))
	}
	return newWriteOperation(protocol.NewWriteLBACommand(startSector, uint16(len(data)/protocol.SectorSize)), data)
}

// EraseLBA builds an erase of count blocks starting at first.
func EraseLBA(first uint32, count uint16) *Operation {
	return newOperation(protocol.NewEraseLBACommand(first, count))
}

// EraseForce builds a forced erase of count blocks starting at first.
func EraseForce(first uint32, count uint16) *Operation {
	return newOperation(protocol.NewEraseForceCommand(first, count))
}

// ResetDevice builds a device reset with the given variant.
func ResetDevice(opcode protocol.ResetOpcode) *Operation {
	return newOperation(protocol.NewResetCommand(opcode))
}

func (o *Operation) payload() []byte {
	switch {
	case o.read != nil:
		return o.read
	case o.write != nil:
		return o.write
	default:
		return o.inband[:]
	}
}

// Payload is the data-phase buffer, truncated to the declared transfer
// length. Valid after the operation finished successfully.
func (o *Operation) Payload() []byte {
	return o.payload()[:o.command.TransferLength]
}

// Status is the decoded CSW. Valid after the operation finished successfully.
func (o *Operation) Status() protocol.CommandStatus {
	return o.status
}

// Transferred is the number of bytes the device actually moved, derived
// from the CSW residue. A residue exceeding the transfer length is a
// protocol violation reported as ErrReplyParse.
func (o *Operation) Transferred() (uint32, error) {
	total := o.command.TransferLength
	if o.status.Residue > total {
		return 0, fmt.Errorf("%w: residue %d exceeds transfer length %d", ErrReplyParse, o.status.Residue, total)
	}
	return total - o.status.Residue, nil
}

// Step advances the state machine and returns the next transport action.
func (o *Operation) Step() Step {
	switch o.phase {
	case phaseCommandBlock:
		n := o.command.Encode(o.scratch[:])
		o.phase = phaseIO
		return WriteBulk{Data: o.scratch[:n]}
	case phaseIO:
		o.phase = phaseCommandStatus
		n := int(o.command.TransferLength)
		if o.command.Direction == protocol.DirectionOut {
			return WriteBulk{Data: o.payload()[:n]}
		}
		return ReadBulk{Data: o.payload()[:n]}
	case phaseCommandStatus:
		o.phase = phaseFinish
		return ReadBulk{Data: o.scratch[:protocol.CommandStatusBytes]}
	case phaseFinish:
		o.phase = phaseDone
		o.err = o.finish()
		return Finished{Err: o.err}
	default:
		return Finished{Err: o.err}
	}
}

func (o *Operation) finish() error {
	status, err := protocol.DecodeCommandStatus(o.scratch[:protocol.CommandStatusBytes])
	if err != nil {
		return err
	}
	if status.Status == protocol.StatusFailed {
		return ErrFailedStatus
	}
	if status.Tag != o.command.Tag {
		return ErrTagMismatch
	}
	o.status = status
	return nil
}
