// Package protocol implements the wire format spoken by Rockchip SoCs in
// loader mode: the CBW/CSW framing borrowed from the USB Mass Storage
// Bulk-Only Transport, the vendor command table carried inside the CBW, and
// the fixed-layout reply payloads.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math/rand"
)

// SectorSize is the atomic unit of all flash operations.
const SectorSize = 512

// Direction of the data phase as encoded in the CBW flags byte.
type Direction uint8

const (
	DirectionOut Direction = 0x00
	DirectionIn  Direction = 0x80
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// CommandCode identifies the vendor command carried in the command data block.
type CommandCode uint8

const (
	CodeTestUnitReady   CommandCode = 0x00
	CodeReadFlashID     CommandCode = 0x01
	CodeTestBadBlock    CommandCode = 0x03
	CodeReadSector      CommandCode = 0x04
	CodeWriteSector     CommandCode = 0x05
	CodeEraseNormal     CommandCode = 0x06
	CodeEraseForce      CommandCode = 0x0B
	CodeReadLBA         CommandCode = 0x14
	CodeWriteLBA        CommandCode = 0x15
	CodeEraseSystemDisk CommandCode = 0x16
	CodeReadSDram       CommandCode = 0x17
	CodeWriteSDram      CommandCode = 0x18
	CodeExecuteSDram    CommandCode = 0x19
	CodeReadFlashInfo   CommandCode = 0x1A
	CodeReadChipInfo    CommandCode = 0x1B
	CodeSetResetFlag    CommandCode = 0x1E
	CodeWriteEFuse      CommandCode = 0x1F
	CodeReadEFuse       CommandCode = 0x20
	CodeReadSPIFlash    CommandCode = 0x21
	CodeWriteSPIFlash   CommandCode = 0x22
	CodeWriteNewEFuse   CommandCode = 0x23
	CodeReadNewEFuse    CommandCode = 0x24
	CodeEraseLBA        CommandCode = 0x25
	CodeReadStorage     CommandCode = 0x9A
	CodeChangeStorage   CommandCode = 0x9B
	CodeReadCapability  CommandCode = 0xAA
	CodeDeviceReset     CommandCode = 0xFF
)

var knownCommandCodes = map[CommandCode]struct{}{
	CodeTestUnitReady: {}, CodeReadFlashID: {}, CodeTestBadBlock: {},
	CodeReadSector: {}, CodeWriteSector: {}, CodeEraseNormal: {},
	CodeEraseForce: {}, CodeReadLBA: {}, CodeWriteLBA: {},
	CodeEraseSystemDisk: {}, CodeReadSDram: {}, CodeWriteSDram: {},
	CodeExecuteSDram: {}, CodeReadFlashInfo: {}, CodeReadChipInfo: {},
	CodeSetResetFlag: {}, CodeWriteEFuse: {}, CodeReadEFuse: {},
	CodeReadSPIFlash: {}, CodeWriteSPIFlash: {}, CodeWriteNewEFuse: {},
	CodeReadNewEFuse: {}, CodeEraseLBA: {}, CodeReadStorage: {},
	CodeChangeStorage: {}, CodeReadCapability: {}, CodeDeviceReset: {},
}

// ResetOpcode selects the behaviour of a device reset command.
type ResetOpcode uint8

const (
	// ResetOpcodeReset performs a plain reset.
	ResetOpcodeReset ResetOpcode = 0
	// ResetOpcodeMSC resets into the USB mass-storage device class.
	ResetOpcodeMSC ResetOpcode = 1
	// ResetOpcodePowerOff powers the SoC off.
	ResetOpcodePowerOff ResetOpcode = 2
	// ResetOpcodeMaskrom resets into maskrom mode.
	ResetOpcodeMaskrom ResetOpcode = 3
	// ResetOpcodeDisconnect disconnects from USB.
	ResetOpcodeDisconnect ResetOpcode = 4
)

func (r ResetOpcode) String() string {
	switch r {
	case ResetOpcodeReset:
		return "reset"
	case ResetOpcodeMSC:
		return "msc"
	case ResetOpcodePowerOff:
		return "power-off"
	case ResetOpcodeMaskrom:
		return "maskrom"
	case ResetOpcodeDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("reset-opcode(%d)", uint8(r))
}

// Status reported by the device in the CSW.
type Status uint8

const (
	StatusSuccess Status = 0
	StatusFailed  Status = 1
)

// InvalidSignatureError reports a frame that did not start with the expected
// four-byte magic.
type InvalidSignatureError struct {
	Signature [4]byte
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature: %x", e.Signature)
}

// InvalidLengthError reports a buffer whose length does not fit the fixed
// layout: a CBW/CSW frame that is too short, or a reply payload whose length
// differs from its descriptor size.
type InvalidLengthError struct {
	Length int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length: %d", e.Length)
}

// InvalidStatusError reports a CSW status byte outside {0, 1}.
type InvalidStatusError struct {
	Status uint8
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status: %d", e.Status)
}

// UnknownCommandError reports an unrecognized command code byte.
type UnknownCommandError struct {
	Code uint8
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command code: %#x", e.Code)
}

// UnknownDirectionError reports a CBW flags byte that is neither In nor Out.
type UnknownDirectionError struct {
	Flags uint8
}

func (e *UnknownDirectionError) Error() string {
	return fmt.Sprintf("unknown direction flags: %#x", e.Flags)
}

// CommandBlockBytes is the total size of an encoded CBW.
const CommandBlockBytes = 31

// CommandBlock is a CBW frame per the USB mass-storage class specification,
// carrying a Rockchip vendor command in its command data block. The encoding
// mixes endianness on purpose: tag and address are big-endian while
// transfer length is little-endian, mirroring the device.
type CommandBlock struct {
	Tag            uint32
	TransferLength uint32
	Direction      Direction
	LUN            uint8
	CDBLength      uint8
	Code           CommandCode
	Opcode         uint8
	Address        uint32
	Length         uint16
}

// NewFlashIDCommand queries the 5-byte flash identifier.
func NewFlashIDCommand() CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: 5,
		Direction:      DirectionIn,
		CDBLength:      0x6,
		Code:           CodeReadFlashID,
	}
}

// NewFlashInfoCommand queries the 11-byte flash geometry descriptor.
func NewFlashInfoCommand() CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: 11,
		Direction:      DirectionIn,
		CDBLength:      0x6,
		Code:           CodeReadFlashInfo,
	}
}

// NewChipInfoCommand queries the 16-byte chip descriptor.
func NewChipInfoCommand() CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: 16,
		Direction:      DirectionIn,
		CDBLength:      0x6,
		Code:           CodeReadChipInfo,
	}
}

// NewCapabilityCommand queries the 8-byte capability bitfield.
func NewCapabilityCommand() CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: 8,
		Direction:      DirectionIn,
		CDBLength:      0x6,
		Code:           CodeReadCapability,
	}
}

// NewReadStorageCommand queries the 4-byte storage-medium descriptor.
func NewReadStorageCommand() CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: 4,
		Direction:      DirectionIn,
		CDBLength:      0x6,
		Code:           CodeReadStorage,
	}
}

// NewChangeStorageCommand switches the active storage medium.
func NewChangeStorageCommand(target uint8) CommandBlock {
	return CommandBlock{
		Tag:       rand.Uint32(),
		Direction: DirectionOut,
		CDBLength: 0x6,
		Code:      CodeChangeStorage,
		Opcode:    target,
	}
}

// NewReadLBACommand reads sectors starting at startSector.
func NewReadLBACommand(startSector uint32, sectors uint16) CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: uint32(sectors) * SectorSize,
		Direction:      DirectionIn,
		CDBLength:      0xa,
		Code:           CodeReadLBA,
		Address:        startSector,
		Length:         sectors,
	}
}

// NewWriteLBACommand writes sectors starting at startSector.
func NewWriteLBACommand(startSector uint32, sectors uint16) CommandBlock {
	return CommandBlock{
		Tag:            rand.Uint32(),
		TransferLength: uint32(sectors) * SectorSize,
		Direction:      DirectionOut,
		CDBLength:      0xa,
		Code:           CodeWriteLBA,
		Address:        startSector,
		Length:         sectors,
	}
}

// NewEraseLBACommand erases count blocks starting at first.
func NewEraseLBACommand(first uint32, count uint16) CommandBlock {
	return CommandBlock{
		Tag:       rand.Uint32(),
		Direction: DirectionOut,
		CDBLength: 0xa,
		Code:      CodeEraseLBA,
		Address:   first,
		Length:    count,
	}
}

// NewEraseForceCommand force-erases count blocks starting at first.
func NewEraseForceCommand(first uint32, count uint16) CommandBlock {
	return CommandBlock{
		Tag:       rand.Uint32(),
		Direction: DirectionOut,
		CDBLength: 0xa,
		Code:      CodeEraseForce,
		Address:   first,
		Length:    count,
	}
}

// NewResetCommand resets the device; the reset variant travels in the
// cd_opcode byte.
func NewResetCommand(opcode ResetOpcode) CommandBlock {
	return CommandBlock{
		Tag:       rand.Uint32(),
		Direction: DirectionOut,
		CDBLength: 0x6,
		Code:      CodeDeviceReset,
		Opcode:    uint8(opcode),
	}
}

// Encode serializes the command block into dst, which must hold at least
// CommandBlockBytes. It returns the number of bytes written.
func (c *CommandBlock) Encode(dst []byte) int {
	_ = dst[CommandBlockBytes-1]
	for i := range dst[:CommandBlockBytes] {
		dst[i] = 0
	}
	copy(dst[0:4], "USBC")
	binary.BigEndian.PutUint32(dst[4:8], c.Tag)
	binary.LittleEndian.PutUint32(dst[8:12], c.TransferLength)
	dst[12] = uint8(c.Direction)
	dst[13] = c.LUN
	dst[14] = c.CDBLength
	dst[15] = uint8(c.Code)
	dst[16] = c.Opcode
	binary.BigEndian.PutUint32(dst[17:21], c.Address)
	dst[21] = 0
	binary.BigEndian.PutUint16(dst[22:24], c.Length)
	return CommandBlockBytes
}

// DecodeCommandBlock parses a CBW frame.
func DecodeCommandBlock(src []byte) (CommandBlock, error) {
	var c CommandBlock
	if len(src) < CommandBlockBytes {
		return c, &InvalidLengthError{Length: len(src)}
	}
	if string(src[0:4]) != "USBC" {
		var sig [4]byte
		copy(sig[:], src[0:4])
		return c, &InvalidSignatureError{Signature: sig}
	}
	switch Direction(src[12]) {
	case DirectionIn, DirectionOut:
	default:
		return c, &UnknownDirectionError{Flags: src[12]}
	}
	if _, ok := knownCommandCodes[CommandCode(src[15])]; !ok {
		return c, &UnknownCommandError{Code: src[15]}
	}
	c.Tag = binary.BigEndian.Uint32(src[4:8])
	c.TransferLength = binary.LittleEndian.Uint32(src[8:12])
	c.Direction = Direction(src[12])
	c.LUN = src[13]
	c.CDBLength = src[14]
	c.Code = CommandCode(src[15])
	c.Opcode = src[16]
	c.Address = binary.BigEndian.Uint32(src[17:21])
	c.Length = binary.BigEndian.Uint16(src[22:24])
	return c, nil
}

// CommandStatusBytes is the total size of an encoded CSW.
const CommandStatusBytes = 13

// CommandStatus is the CSW frame terminating every bulk operation. The tag
// must echo the CBW tag; residue counts bytes of the declared transfer the
// device did not move.
type CommandStatus struct {
	Tag     uint32
	Residue uint32
	Status  Status
}

// Encode serializes the status block into dst, which must hold at least
// CommandStatusBytes. It returns the number of bytes written.
func (s *CommandStatus) Encode(dst []byte) int {
	_ = dst[CommandStatusBytes-1]
	copy(dst[0:4], "USBS")
	binary.BigEndian.PutUint32(dst[4:8], s.Tag)
	binary.LittleEndian.PutUint32(dst[8:12], s.Residue)
	dst[12] = uint8(s.Status)
	return CommandStatusBytes
}

// DecodeCommandStatus parses a CSW frame.
func DecodeCommandStatus(src []byte) (CommandStatus, error) {
	var s CommandStatus
	if len(src) < CommandStatusBytes {
		return s, &InvalidLengthError{Length: len(src)}
	}
	if string(src[0:4]) != "USBS" {
		var sig [4]byte
		copy(sig[:], src[0:4])
		return s, &InvalidSignatureError{Signature: sig}
	}
	if src[12] > uint8(StatusFailed) {
		return s, &InvalidStatusError{Status: src[12]}
	}
	s.Tag = binary.BigEndian.Uint32(src[4:8])
	s.Residue = binary.LittleEndian.Uint32(src[8:12])
	s.Status = Status(src[12])
	return s, nil
}
