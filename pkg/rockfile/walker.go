package rockfile

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"
)

// AreaWriter uploads a blob to a maskrom area. Satisfied by *device.Device.
type AreaWriter interface {
	WriteMaskromArea(ctx context.Context, area uint16, data []byte) error
}

// AreaSRAM and AreaDDR are the maskrom upload targets referenced by boot
// header entries.
const (
	AreaSRAM uint16 = 0x471
	AreaDDR  uint16 = 0x472
)

// sleep is swapped out by tests.
var sleep = time.Sleep

// DownloadEntry uploads every blob of one header entry table to the given
// area, observing each entry's delay before moving on.
func DownloadEntry(ctx context.Context, dev AreaWriter, header BootHeaderEntry, area uint16, r io.ReadSeeker) error {
	for i := uint8(0); i < header.Count; i++ {
		raw := make([]byte, BootEntryBytes)
		offset := int64(header.Offset) + int64(header.Size)*int64(i)
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek boot entry %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, raw); err != nil {
			return fmt.Errorf("read boot entry %d: %w", i, err)
		}
		entry, err := ParseBootEntry(raw)
		if err != nil {
			return fmt.Errorf("parse boot entry %d: %w", i, err)
		}
		log.Printf("Uploading %q to area %#x", entry.Name(), area)

		data := make([]byte, entry.DataSize)
		if _, err := r.Seek(int64(entry.DataOffset), io.SeekStart); err != nil {
			return fmt.Errorf("seek boot entry %q data: %w", entry.Name(), err)
		}
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("read boot entry %q data: %w", entry.Name(), err)
		}
		if err := dev.WriteMaskromArea(ctx, area, data); err != nil {
			return fmt.Errorf("upload boot entry %q: %w", entry.Name(), err)
		}
		if entry.DataDelay > 0 {
			sleep(time.Duration(entry.DataDelay) * time.Millisecond)
		}
	}
	return nil
}

// DownloadBoot parses the boot header from r and uploads the SRAM table
// followed by the DDR table.
func DownloadBoot(ctx context.Context, dev AreaWriter, r io.ReadSeeker) error {
	raw := make([]byte, BootHeaderBytes)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek boot header: %w", err)
	}
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("read boot header: %w", err)
	}
	header, err := ParseBootHeader(raw)
	if err != nil {
		return fmt.Errorf("parse boot header: %w", err)
	}
	if err := DownloadEntry(ctx, dev, header.Entry471, AreaSRAM, r); err != nil {
		return err
	}
	return DownloadEntry(ctx, dev, header.Entry472, AreaDDR, r)
}
