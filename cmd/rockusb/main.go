// rockusb drives Rockchip SoCs over USB: maskrom code upload, flash
// interrogation, sector-level read/write/erase, bmap-aware image flashing
// and an NBD export of the flash.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"rockusb/internal/transport"
)

var usageText = `Usage: rockusb [-d <bus>:<address>] <command> [args]

Commands:
  list                               List rockchip devices in rockusb mode
  download-boot <path>               Download boot code from a rockfile (maskrom mode)
  download-sram <path>               Download code to the sram area (maskrom mode)
  download-ddr <path>                Download code to the DDR area (maskrom mode)
  read <offset> <length> <file>      Read length sectors starting at offset into file
  read-file <offset> <length> <file> Stream length sectors starting at offset into file
  write <offset> <length> <file>     Write length sectors from file starting at offset
  write-file <offset> <file>         Stream file to the flash starting at offset
  write-bmap <image>                 Flash an image using its bmap sidecar
  chip-info                          Print the chip descriptor
  flash-id                           Print the flash identifier
  flash-info                         Print the flash geometry
  capability                         Print the capability flags
  erase-flash                        Erase the whole flash
  storage                            Print the active storage medium
  change-storage <target>            Switch the active storage medium
  reset-device [opcode]              Reset (reset|msc|power-off|maskrom|disconnect)
  nbd                                Expose the flash as an NBD export

Offsets and lengths accept decimal or 0x-prefixed hex.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	deviceArg := flag.String("d", "", "device selector as <bus>:<address>")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(*deviceArg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "rockusb: %v\n", err)
		os.Exit(1)
	}
}

// parseDeviceArg parses a "<bus>:<address>" selector.
func parseDeviceArg(arg string) (*transport.Info, error) {
	if arg == "" {
		return nil, nil
	}
	bus, address, ok := strings.Cut(arg, ":")
	if !ok {
		return nil, fmt.Errorf("device selector %q: use <bus>:<address>", arg)
	}
	busNum, err := strconv.Atoi(bus)
	if err != nil {
		return nil, fmt.Errorf("device selector %q: bus should be a number", arg)
	}
	addrNum, err := strconv.Atoi(address)
	if err != nil {
		return nil, fmt.Errorf("device selector %q: address should be a number", arg)
	}
	return &transport.Info{Bus: busNum, Address: addrNum}, nil
}

// parseNum accepts decimal or 0x-prefixed hex.
func parseNum(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func listDevices() error {
	devices, err := transport.List()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No rockchip devices found")
		return nil
	}
	fmt.Println("Available rockchip devices:")
	for _, info := range devices {
		fmt.Printf("* %s\n", info)
	}
	return nil
}
