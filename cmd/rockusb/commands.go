package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"rockusb/internal/config"
	"rockusb/internal/nbd"
	"rockusb/internal/transport"
	"rockusb/pkg/bmap"
	"rockusb/pkg/device"
	"rockusb/pkg/operation"
	"rockusb/pkg/protocol"
	"rockusb/pkg/rockfile"
)

// Erase batches are capped to keep each command under the USB timeout;
// direct-erase chips need far smaller batches than LBA-erase/eMMC chips.
const (
	maxDirectErase = 1024
	maxLBAErase    = 32 * 1024
)

func run(deviceArg string, args []string) error {
	command, args := args[0], args[1:]
	if command == "list" {
		return listDevices()
	}

	selector, err := parseDeviceArg(deviceArg)
	if err != nil {
		return err
	}
	cfg := config.Load()

	usb, err := transport.Open(selector, cfg.USBTimeout)
	if err != nil {
		return err
	}
	defer usb.Close()

	ctx := context.Background()
	dev := device.New(usb)

	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", command, n, len(args))
		}
		return nil
	}

	switch command {
	case "download-boot":
		if err := need(1); err != nil {
			return err
		}
		return downloadBoot(ctx, dev, args[0])
	case "download-sram":
		if err := need(1); err != nil {
			return err
		}
		return downloadArea(ctx, dev, operation.AreaSRAM, args[0])
	case "download-ddr":
		if err := need(1); err != nil {
			return err
		}
		return downloadArea(ctx, dev, operation.AreaDDR, args[0])
	case "read":
		if err := need(3); err != nil {
			return err
		}
		return readLBA(ctx, dev, args[0], args[1], args[2])
	case "read-file":
		if err := need(3); err != nil {
			return err
		}
		return readFile(ctx, dev, args[0], args[1], args[2])
	case "write":
		if err := need(3); err != nil {
			return err
		}
		return writeLBA(ctx, dev, args[0], args[1], args[2])
	case "write-file":
		if err := need(2); err != nil {
			return err
		}
		return writeFile(ctx, dev, args[0], args[1])
	case "write-bmap":
		if err := need(1); err != nil {
			return err
		}
		return writeBmap(ctx, dev, args[0])
	case "chip-info":
		return chipInfo(ctx, dev)
	case "flash-id":
		return flashID(ctx, dev)
	case "flash-info":
		return flashInfo(ctx, dev)
	case "capability":
		return capability(ctx, dev)
	case "erase-flash":
		return eraseFlash(ctx, dev)
	case "storage":
		return storage(ctx, dev)
	case "change-storage":
		if err := need(1); err != nil {
			return err
		}
		target, err := parseNum(args[0], 8)
		if err != nil {
			return err
		}
		return dev.ChangeStorage(ctx, uint8(target))
	case "reset-device":
		opcode := protocol.ResetOpcodeReset
		if len(args) == 1 {
			opcode, err = parseResetOpcode(args[0])
			if err != nil {
				return err
			}
		} else if len(args) > 1 {
			return fmt.Errorf("reset-device: expected at most 1 argument")
		}
		return dev.ResetDevice(ctx, opcode)
	case "nbd":
		blk, err := device.NewIO(ctx, dev)
		if err != nil {
			return err
		}
		return nbd.Serve(cfg.NBDAddr, blk)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseResetOpcode(arg string) (protocol.ResetOpcode, error) {
	switch arg {
	case "reset":
		return protocol.ResetOpcodeReset, nil
	case "msc":
		return protocol.ResetOpcodeMSC, nil
	case "power-off":
		return protocol.ResetOpcodePowerOff, nil
	case "maskrom":
		return protocol.ResetOpcodeMaskrom, nil
	case "disconnect":
		return protocol.ResetOpcodeDisconnect, nil
	}
	return 0, fmt.Errorf("unknown reset opcode %q", arg)
}

func chipInfo(ctx context.Context, dev *device.Device) error {
	info, err := dev.ChipInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Chip info: %s\n", info)
	if name := info.Name(); name != "" {
		fmt.Printf("Chip: RK%s\n", name)
	}
	return nil
}

func flashID(ctx context.Context, dev *device.Device) error {
	id, err := dev.FlashID(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Flash id: %s\n", id)
	return nil
}

func flashInfo(ctx context.Context, dev *device.Device) error {
	info, err := dev.FlashInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Raw flash info: %s\n", info)
	fmt.Printf("Flash size: %d MB (%d sectors)\n", info.Sectors()/2048, info.Sectors())
	fmt.Printf("Block size: %d sectors\n", info.BlockSizeSectors())
	return nil
}

func capability(ctx context.Context, dev *device.Device) error {
	capability, err := dev.Capability(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Raw capability: %s\n", capability)
	flags := []struct {
		name string
		set  bool
	}{
		{"Direct LBA", capability.DirectLBA()},
		{"Vendor storage", capability.VendorStorage()},
		{"First 4M access", capability.First4MAccess()},
		{"Read LBA", capability.ReadLBA()},
		{"Read COM log", capability.ReadComLog()},
		{"Read IDB config", capability.ReadIDBConfig()},
		{"Read secure mode", capability.ReadSecureMode()},
		{"New IDB", capability.NewIDB()},
	}
	for _, f := range flags {
		if f.set {
			fmt.Printf(" - %s\n", f.name)
		}
	}
	return nil
}

func storage(ctx context.Context, dev *device.Device) error {
	s, err := dev.Storage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Raw storage: %s\n", s)
	return nil
}

func eraseFlash(ctx context.Context, dev *device.Device) error {
	info, err := dev.FlashInfo(ctx)
	if err != nil {
		return err
	}
	if info.Sectors() == 0 {
		return fmt.Errorf("invalid flash chip: zero sectors")
	}
	id, err := dev.FlashID(ctx)
	if err != nil {
		return err
	}
	capability, err := dev.Capability(ctx)
	if err != nil {
		return err
	}

	lbaErase := id.IsEMMC() || capability.DirectLBA()
	maxBlocks := uint32(maxDirectErase)
	if lbaErase {
		maxBlocks = maxLBAErase
	}

	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(int64(info.Sectors()),
		mpb.PrependDecorators(decor.Name("erase"), decor.CountersNoUnit(" %d / %d")),
		mpb.AppendDecorators(decor.Percentage()))

	left := info.Sectors()
	first := uint32(0)
	for left > 0 {
		count := left
		if count > maxBlocks {
			count = maxBlocks
		}
		if lbaErase {
			err = dev.EraseLBA(ctx, first, uint16(count))
		} else {
			err = dev.EraseForce(ctx, first, uint16(count))
		}
		if err != nil {
			return fmt.Errorf("erase at sector %d: %w", first, err)
		}
		left -= count
		first += count
		bar.IncrBy(int(count))
	}
	progress.Wait()
	return nil
}

func downloadBoot(ctx context.Context, dev *device.Device, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return rockfile.DownloadBoot(ctx, dev, f)
}

func downloadArea(ctx context.Context, dev *device.Device, area uint16, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return dev.WriteMaskromArea(ctx, area, data)
}

func readLBA(ctx context.Context, dev *device.Device, offsetArg, lengthArg, path string) error {
	offset, err := parseNum(offsetArg, 32)
	if err != nil {
		return err
	}
	length, err := parseNum(lengthArg, 16)
	if err != nil {
		return err
	}
	data := make([]byte, length*protocol.SectorSize)
	if _, err := dev.ReadLBA(ctx, uint32(offset), data); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func writeLBA(ctx context.Context, dev *device.Device, offsetArg, lengthArg, path string) error {
	offset, err := parseNum(offsetArg, 32)
	if err != nil {
		return err
	}
	length, err := parseNum(lengthArg, 16)
	if err != nil {
		return err
	}
	data := make([]byte, length*protocol.SectorSize)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.ReadFull(f, data); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	_, err = dev.WriteLBA(ctx, uint32(offset), data)
	return err
}

func readFile(ctx context.Context, dev *device.Device, offsetArg, lengthArg, path string) error {
	offset, err := parseNum(offsetArg, 32)
	if err != nil {
		return err
	}
	length, err := parseNum(lengthArg, 16)
	if err != nil {
		return err
	}

	blk, err := device.NewIO(ctx, dev)
	if err != nil {
		return err
	}
	if _, err := blk.Seek(int64(offset)*protocol.SectorSize, io.SeekStart); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	total := int64(length) * protocol.SectorSize
	if _, err := io.CopyN(f, blk, total); err != nil {
		return fmt.Errorf("read flash: %w", err)
	}
	return f.Sync()
}

func writeFile(ctx context.Context, dev *device.Device, offsetArg, path string) error {
	offset, err := parseNum(offsetArg, 32)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	blk, err := device.NewIO(ctx, dev)
	if err != nil {
		return err
	}
	if _, err := blk.Seek(int64(offset)*protocol.SectorSize, io.SeekStart); err != nil {
		return err
	}

	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(stat.Size(),
		mpb.PrependDecorators(decor.Name("write"), decor.CountersKibiByte(" % .2f / % .2f")),
		mpb.AppendDecorators(decor.Percentage()))
	reader := bar.ProxyReader(f)
	defer reader.Close()

	if _, err := io.Copy(blk, reader); err != nil {
		return fmt.Errorf("write flash: %w", err)
	}
	if err := blk.Flush(); err != nil {
		return err
	}
	progress.Wait()
	return nil
}

func writeBmap(ctx context.Context, dev *device.Device, path string) error {
	sidecar, ok := bmap.FindSidecar(path)
	if !ok {
		return fmt.Errorf("no bmap sidecar found for %s", path)
	}
	fmt.Printf("Using bmap file: %s\n", sidecar)

	manifest, err := bmap.ParseFile(sidecar)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(int64(manifest.ImageSize),
		mpb.PrependDecorators(decor.Name("flash"), decor.CountersKibiByte(" % .2f / % .2f")),
		mpb.AppendDecorators(decor.Percentage()))

	var base io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		base = gz
	}
	src := bar.ProxyReader(base)
	defer src.Close()

	blk, err := device.NewIO(ctx, dev)
	if err != nil {
		return err
	}
	if err := bmap.Copy(blk, src, manifest); err != nil {
		return err
	}
	if err := blk.Flush(); err != nil {
		return err
	}
	bar.SetTotal(int64(manifest.ImageSize), true)
	progress.Wait()
	return nil
}
