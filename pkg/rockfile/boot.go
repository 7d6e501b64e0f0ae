// Package rockfile parses rockchip boot files: a fixed 102-byte header
// pointing at three tables of entries, each entry naming a data blob to be
// uploaded to the SoC in maskrom mode.
package rockfile

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// BootHeaderBytes is the size of the fixed boot-file header.
const BootHeaderBytes = 102

// BootEntryBytes is the size of one boot entry record.
const BootEntryBytes = 57

// Time is the release timestamp embedded in the boot header.
type Time struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

func parseTime(b []byte) Time {
	return Time{
		Year:   binary.LittleEndian.Uint16(b[0:2]),
		Month:  b[2],
		Day:    b[3],
		Hour:   b[4],
		Minute: b[5],
		Second: b[6],
	}
}

func (t Time) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
}

// BootHeaderEntry points at Count consecutive BootEntry records of Size
// bytes each, starting at Offset in the boot file.
type BootHeaderEntry struct {
	Count  uint8
	Offset uint32
	Size   uint8
}

func parseBootHeaderEntry(b []byte) BootHeaderEntry {
	return BootHeaderEntry{
		Count:  b[0],
		Offset: binary.LittleEndian.Uint32(b[1:5]),
		Size:   b[5],
	}
}

// BootEntry describes one data blob. DataOffset and DataSize locate the
// blob in the boot file; after uploading it, DataDelay milliseconds must
// elapse before the next entry is uploaded.
type BootEntry struct {
	Size       uint8
	Type       uint32
	RawName    [20]uint16
	DataOffset uint32
	DataSize   uint32
	DataDelay  uint32
}

// ParseBootEntry decodes a 57-byte boot entry record.
func ParseBootEntry(data []byte) (BootEntry, error) {
	var e BootEntry
	if len(data) < BootEntryBytes {
		return e, fmt.Errorf("boot entry too short: %d bytes", len(data))
	}
	e.Size = data[0]
	e.Type = binary.LittleEndian.Uint32(data[1:5])
	for i := range e.RawName {
		e.RawName[i] = binary.LittleEndian.Uint16(data[5+2*i : 7+2*i])
	}
	e.DataOffset = binary.LittleEndian.Uint32(data[45:49])
	e.DataSize = binary.LittleEndian.Uint32(data[49:53])
	e.DataDelay = binary.LittleEndian.Uint32(data[53:57])
	return e, nil
}

// Name decodes the UTF-16LE entry name, stopping at the first NUL.
func (e BootEntry) Name() string {
	end := len(e.RawName)
	for i, c := range e.RawName {
		if c == 0 {
			end = i
			break
		}
	}
	return string(utf16.Decode(e.RawName[:end]))
}

// BootHeader is the boot-file header. Entry471 blobs go to bootrom SRAM to
// set up DDR, Entry472 blobs go to DDR and typically implement the full USB
// protocol, and EntryLoader blobs are meant for a normal boot.
type BootHeader struct {
	Tag           [4]byte
	Size          uint16
	Version       uint32
	MergeVersion  uint32
	Release       Time
	SupportedChip [4]byte
	Entry471      BootHeaderEntry
	Entry472      BootHeaderEntry
	EntryLoader   BootHeaderEntry
	SignFlag      uint8
	RC4Flag       uint8
}

// ParseBootHeader decodes the 102-byte header, rejecting unknown tags.
func ParseBootHeader(data []byte) (BootHeader, error) {
	var h BootHeader
	if len(data) < BootHeaderBytes {
		return h, fmt.Errorf("boot header too short: %d bytes", len(data))
	}
	copy(h.Tag[:], data[0:4])
	if string(h.Tag[:]) != "BOOT" && string(h.Tag[:]) != "LDR " {
		return h, fmt.Errorf("unknown boot header tag: %q", h.Tag)
	}
	h.Size = binary.LittleEndian.Uint16(data[4:6])
	h.Version = binary.LittleEndian.Uint32(data[6:10])
	h.MergeVersion = binary.LittleEndian.Uint32(data[10:14])
	h.Release = parseTime(data[14:21])
	// Stored as a big-endian word in an otherwise little-endian layout.
	chip := binary.BigEndian.Uint32(data[21:25])
	binary.LittleEndian.PutUint32(h.SupportedChip[:], chip)
	h.Entry471 = parseBootHeaderEntry(data[25:31])
	h.Entry472 = parseBootHeaderEntry(data[31:37])
	h.EntryLoader = parseBootHeaderEntry(data[37:43])
	h.SignFlag = data[43]
	h.RC4Flag = data[44]
	return h, nil
}
