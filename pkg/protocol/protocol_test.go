package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestCommandBlockRoundtrip(t *testing.T) {
	c := CommandBlock{
		Tag:            0xdead,
		TransferLength: 0x11223344,
		Direction:      DirectionOut,
		LUN:            0x66,
		CDBLength:      0x77,
		Code:           CodeEraseForce,
		Opcode:         0x10,
		Address:        0x11223344,
		Length:         0x5566,
	}
	var b [CommandBlockBytes]byte
	if n := c.Encode(b[:]); n != CommandBlockBytes {
		t.Fatalf("Encode returned %d, want %d", n, CommandBlockBytes)
	}
	c2, err := DecodeCommandBlock(b[:])
	if err != nil {
		t.Fatalf("DecodeCommandBlock failed: %v", err)
	}
	if c != c2 {
		t.Errorf("roundtrip mismatch: %+v != %+v", c, c2)
	}
}

func TestCommandBlockLayout(t *testing.T) {
	c := CommandBlock{
		Tag:            0x01020304,
		TransferLength: 16,
		Direction:      DirectionIn,
		CDBLength:      0x6,
		Code:           CodeReadChipInfo,
	}
	var b [CommandBlockBytes]byte
	c.Encode(b[:])

	if !bytes.Equal(b[0:4], []byte("USBC")) {
		t.Errorf("signature = %x", b[0:4])
	}
	// Tag is big-endian.
	if !bytes.Equal(b[4:8], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("tag bytes = %x", b[4:8])
	}
	// Transfer length is little-endian.
	if !bytes.Equal(b[8:12], []byte{0x10, 0x00, 0x00, 0x00}) {
		t.Errorf("transfer length bytes = %x", b[8:12])
	}
	if b[12] != 0x80 {
		t.Errorf("direction byte = %#x", b[12])
	}
	if b[15] != 0x1B {
		t.Errorf("command code byte = %#x", b[15])
	}
}

func TestCommandBlockAddressBigEndian(t *testing.T) {
	c := NewReadLBACommand(0x0a0b0c0d, 3)
	var b [CommandBlockBytes]byte
	c.Encode(b[:])
	if !bytes.Equal(b[17:21], []byte{0x0a, 0x0b, 0x0c, 0x0d}) {
		t.Errorf("address bytes = %x", b[17:21])
	}
	if !bytes.Equal(b[22:24], []byte{0x00, 0x03}) {
		t.Errorf("length bytes = %x", b[22:24])
	}
	if c.TransferLength != 3*SectorSize {
		t.Errorf("transfer length = %d", c.TransferLength)
	}
}

func TestCommandBlockRejects(t *testing.T) {
	var b [CommandBlockBytes]byte
	c := NewFlashIDCommand()
	c.Encode(b[:])

	short := b[:CommandBlockBytes-1]
	var lengthErr *InvalidLengthError
	if _, err := DecodeCommandBlock(short); !errors.As(err, &lengthErr) {
		t.Errorf("short buffer: got %v", err)
	}

	bad := b
	copy(bad[0:4], "NOPE")
	var sigErr *InvalidSignatureError
	if _, err := DecodeCommandBlock(bad[:]); !errors.As(err, &sigErr) {
		t.Errorf("bad signature: got %v", err)
	}

	bad = b
	bad[12] = 0x42
	var dirErr *UnknownDirectionError
	if _, err := DecodeCommandBlock(bad[:]); !errors.As(err, &dirErr) {
		t.Errorf("bad direction: got %v", err)
	}

	bad = b
	bad[15] = 0xEE
	var codeErr *UnknownCommandError
	if _, err := DecodeCommandBlock(bad[:]); !errors.As(err, &codeErr) {
		t.Errorf("bad command code: got %v", err)
	}
}

func TestCommandStatusRoundtrip(t *testing.T) {
	s := CommandStatus{
		Tag:     0x11223344,
		Residue: 0x55667788,
		Status:  StatusSuccess,
	}
	var b [CommandStatusBytes]byte
	if n := s.Encode(b[:]); n != CommandStatusBytes {
		t.Fatalf("Encode returned %d, want %d", n, CommandStatusBytes)
	}
	if !bytes.Equal(b[0:4], []byte("USBS")) {
		t.Errorf("signature = %x", b[0:4])
	}
	s2, err := DecodeCommandStatus(b[:])
	if err != nil {
		t.Fatalf("DecodeCommandStatus failed: %v", err)
	}
	if s != s2 {
		t.Errorf("roundtrip mismatch: %+v != %+v", s, s2)
	}
}

func TestCommandStatusRejects(t *testing.T) {
	var b [CommandStatusBytes]byte
	s := CommandStatus{Tag: 1}
	s.Encode(b[:])

	var lengthErr *InvalidLengthError
	if _, err := DecodeCommandStatus(b[:12]); !errors.As(err, &lengthErr) {
		t.Errorf("short buffer: got %v", err)
	}

	bad := b
	copy(bad[0:4], "USBC")
	var sigErr *InvalidSignatureError
	if _, err := DecodeCommandStatus(bad[:]); !errors.As(err, &sigErr) {
		t.Errorf("bad signature: got %v", err)
	}

	bad = b
	bad[12] = 2
	var statusErr *InvalidStatusError
	if _, err := DecodeCommandStatus(bad[:]); !errors.As(err, &statusErr) {
		t.Errorf("bad status byte: got %v", err)
	}
}

func TestCommandTable(t *testing.T) {
	cases := []struct {
		name      string
		cb        CommandBlock
		code      CommandCode
		direction Direction
		transfer  uint32
		cdb       uint8
		address   uint32
		length    uint16
	}{
		{"flash-id", NewFlashIDCommand(), CodeReadFlashID, DirectionIn, 5, 6, 0, 0},
		{"flash-info", NewFlashInfoCommand(), CodeReadFlashInfo, DirectionIn, 11, 6, 0, 0},
		{"chip-info", NewChipInfoCommand(), CodeReadChipInfo, DirectionIn, 16, 6, 0, 0},
		{"capability", NewCapabilityCommand(), CodeReadCapability, DirectionIn, 8, 6, 0, 0},
		{"storage", NewReadStorageCommand(), CodeReadStorage, DirectionIn, 4, 6, 0, 0},
		{"read-lba", NewReadLBACommand(9, 4), CodeReadLBA, DirectionIn, 4 * 512, 10, 9, 4},
		{"write-lba", NewWriteLBACommand(9, 4), CodeWriteLBA, DirectionOut, 4 * 512, 10, 9, 4},
		{"erase-lba", NewEraseLBACommand(7, 3), CodeEraseLBA, DirectionOut, 0, 10, 7, 3},
		{"erase-force", NewEraseForceCommand(7, 3), CodeEraseForce, DirectionOut, 0, 10, 7, 3},
		{"reset", NewResetCommand(ResetOpcodeMaskrom), CodeDeviceReset, DirectionOut, 0, 6, 0, 0},
	}
	for _, tc := range cases {
		if tc.cb.Code != tc.code {
			t.Errorf("%s: code = %#x, want %#x", tc.name, tc.cb.Code, tc.code)
		}
		if tc.cb.Direction != tc.direction {
			t.Errorf("%s: direction = %v, want %v", tc.name, tc.cb.Direction, tc.direction)
		}
		if tc.cb.TransferLength != tc.transfer {
			t.Errorf("%s: transfer length = %d, want %d", tc.name, tc.cb.TransferLength, tc.transfer)
		}
		if tc.cb.CDBLength != tc.cdb {
			t.Errorf("%s: cdb length = %d, want %d", tc.name, tc.cb.CDBLength, tc.cdb)
		}
		if tc.cb.Address != tc.address {
			t.Errorf("%s: address = %d, want %d", tc.name, tc.cb.Address, tc.address)
		}
		if tc.cb.Length != tc.length {
			t.Errorf("%s: length = %d, want %d", tc.name, tc.cb.Length, tc.length)
		}
	}
}

func TestResetCommandOpcode(t *testing.T) {
	c := NewResetCommand(ResetOpcodePowerOff)
	if c.Opcode != 2 {
		t.Errorf("opcode = %d, want 2", c.Opcode)
	}
	c = NewChangeStorageCommand(9)
	if c.Opcode != 9 {
		t.Errorf("change-storage opcode = %d, want 9", c.Opcode)
	}
}

func TestFreshTags(t *testing.T) {
	a := NewChipInfoCommand()
	b := NewChipInfoCommand()
	if a.Tag == b.Tag {
		t.Errorf("consecutive commands share tag %#x", a.Tag)
	}
}

func TestFlashInfoAccessors(t *testing.T) {
	raw := []byte{0x00, 0x80, 0x38, 0x01, 0x00, 0x04, 0x04, 0x28, 0x28, 0x00, 0x01}
	info, err := ParseFlashInfo(raw)
	if err != nil {
		t.Fatalf("ParseFlashInfo failed: %v", err)
	}
	if info.Sectors() != 0x01388000 {
		t.Errorf("sectors = %#x", info.Sectors())
	}
	if info.Size() != uint64(0x01388000)*512 {
		t.Errorf("size = %d", info.Size())
	}
	if info.BlockSizeSectors() != 0x0400 {
		t.Errorf("block size = %#x", info.BlockSizeSectors())
	}
	if _, err := ParseFlashInfo(raw[:10]); err == nil {
		t.Error("short flash info accepted")
	}
}

func TestFlashID(t *testing.T) {
	id, err := ParseFlashID([]byte("EMMC "))
	if err != nil {
		t.Fatalf("ParseFlashID failed: %v", err)
	}
	if !id.IsEMMC() {
		t.Error("EMMC id not detected")
	}
	id, _ = ParseFlashID([]byte("NAND "))
	if id.IsEMMC() {
		t.Error("NAND detected as EMMC")
	}
}

func TestChipInfoName(t *testing.T) {
	raw := make([]byte, 16)
	copy(raw, []byte{0x38, 0x38, 0x35, 0x33})
	info, err := ParseChipInfo(raw)
	if err != nil {
		t.Fatalf("ParseChipInfo failed: %v", err)
	}
	if info.Name() != "3588" {
		t.Errorf("name = %q, want 3588", info.Name())
	}
}

func TestCapabilityFlags(t *testing.T) {
	capability, err := ParseCapability([]byte{0x01 | 0x08 | 0x80, 0x01, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("ParseCapability failed: %v", err)
	}
	if !capability.DirectLBA() || !capability.ReadLBA() || !capability.ReadSecureMode() || !capability.NewIDB() {
		t.Errorf("expected flags not set: %s", capability)
	}
	if capability.VendorStorage() || capability.First4MAccess() || capability.ReadComLog() || capability.ReadIDBConfig() {
		t.Errorf("unexpected flags set: %s", capability)
	}
}

func TestStorage(t *testing.T) {
	s, err := ParseStorage([]byte{0x02, 0, 0, 0})
	if err != nil {
		t.Fatalf("ParseStorage failed: %v", err)
	}
	if s.Code() != 2 {
		t.Errorf("code = %d, want 2", s.Code())
	}
}
