// Package transport provides the gousb-backed USB transport for rockchip
// devices: enumeration by vendor ID, interface claim, and the bulk/control
// primitives the operation engine's steps are executed with.
package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// VendorID is the Rockchip USB vendor ID.
const VendorID gousb.ID = 0x2207

// DefaultTimeout bounds every bulk and control transfer.
const DefaultTimeout = 5 * time.Second

// Info identifies a detected device on the bus.
type Info struct {
	Bus     int
	Address int
	Vendor  uint16
	Product uint16
}

func (i Info) String() string {
	return fmt.Sprintf("Bus %d Device %d ID %04x:%04x", i.Bus, i.Address, i.Vendor, i.Product)
}

// List enumerates rockchip devices currently on the bus.
func List() ([]Info, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID
	})
	for _, dev := range devices {
		dev.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate USB devices: %w", err)
	}
	infos := make([]Info, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, Info{
			Bus:     dev.Desc.Bus,
			Address: dev.Desc.Address,
			Vendor:  uint16(dev.Desc.Vendor),
			Product: uint16(dev.Desc.Product),
		})
	}
	return infos, nil
}

// Transport owns a claimed rockchip USB interface: one bulk-in plus one
// bulk-out endpoint. It satisfies device.Transport.
type Transport struct {
	usb     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	timeout time.Duration
	info    Info
}

// Open claims the rockchip device identified by (bus, address), or the only
// detected device when selector is nil. With several devices present and no
// selector, Open fails and the caller should list and retry.
func Open(selector *Info, timeout time.Duration) (*Transport, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	usb := gousb.NewContext()

	devices, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != VendorID {
			return false
		}
		if selector != nil {
			return desc.Bus == selector.Bus && desc.Address == selector.Address
		}
		return true
	})
	if err != nil {
		for _, dev := range devices {
			dev.Close()
		}
		usb.Close()
		return nil, fmt.Errorf("enumerate USB devices: %w", err)
	}

	var picked *gousb.Device
	switch len(devices) {
	case 0:
		usb.Close()
		if selector != nil {
			return nil, fmt.Errorf("device %d:%d not found", selector.Bus, selector.Address)
		}
		return nil, fmt.Errorf("no rockchip devices found")
	case 1:
		picked = devices[0]
	default:
		for _, dev := range devices {
			dev.Close()
		}
		usb.Close()
		return nil, fmt.Errorf("%d rockchip devices found, select one with -d <bus>:<address>", len(devices))
	}

	t, err := claim(usb, picked, timeout)
	if err != nil {
		picked.Close()
		usb.Close()
		return nil, err
	}
	return t, nil
}

// claim walks the device's configurations for the first interface exposing
// a bulk-in plus bulk-out endpoint pair and claims it.
func claim(usb *gousb.Context, dev *gousb.Device, timeout time.Duration) (*Transport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("detach kernel driver: %w", err)
	}
	dev.ControlTimeout = timeout

	for cfgNum, cfgDesc := range dev.Desc.Configs {
		for _, intfDesc := range cfgDesc.Interfaces {
			for _, alt := range intfDesc.AltSettings {
				var epIn, epOut int
				epIn, epOut = -1, -1
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn && epIn < 0 {
						epIn = ep.Number
					}
					if ep.Direction == gousb.EndpointDirectionOut && epOut < 0 {
						epOut = ep.Number
					}
				}
				if epIn < 0 || epOut < 0 {
					continue
				}

				cfg, err := dev.Config(cfgNum)
				if err != nil {
					return nil, fmt.Errorf("set configuration %d: %w", cfgNum, err)
				}
				intf, err := cfg.Interface(alt.Number, alt.Alternate)
				if err != nil {
					cfg.Close()
					return nil, fmt.Errorf("claim interface %d: %w", alt.Number, err)
				}
				in, err := intf.InEndpoint(epIn)
				if err != nil {
					intf.Close()
					cfg.Close()
					return nil, fmt.Errorf("open IN endpoint %#x: %w", epIn, err)
				}
				out, err := intf.OutEndpoint(epOut)
				if err != nil {
					intf.Close()
					cfg.Close()
					return nil, fmt.Errorf("open OUT endpoint %#x: %w", epOut, err)
				}

				info := Info{
					Bus:     dev.Desc.Bus,
					Address: dev.Desc.Address,
					Vendor:  uint16(dev.Desc.Vendor),
					Product: uint16(dev.Desc.Product),
				}
				log.Printf("Claimed %s interface %d (in %#x out %#x)", info, alt.Number, epIn, epOut)
				return &Transport{
					usb:     usb,
					dev:     dev,
					cfg:     cfg,
					intf:    intf,
					in:      in,
					out:     out,
					timeout: timeout,
					info:    info,
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("no bulk endpoint pair on %s", dev.Desc)
}

// Info identifies the claimed device.
func (t *Transport) Info() Info {
	return t.info
}

// Close releases the interface and the USB context.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.usb != nil {
		t.usb.Close()
	}
	return nil
}

// WriteBulk writes data over the bulk-out endpoint within the transfer
// timeout.
func (t *Transport) WriteBulk(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := t.out.WriteContext(ctx, data); err != nil {
		return fmt.Errorf("USB bulk write failed: %w", err)
	}
	return nil
}

// ReadBulk fills data from the bulk-in endpoint within the transfer timeout.
func (t *Transport) ReadBulk(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := t.in.ReadContext(ctx, data); err != nil {
		return fmt.Errorf("USB bulk read failed: %w", err)
	}
	return nil
}

// WriteControl issues a vendor control write. gousb bounds the transfer by
// the device's control timeout, set at claim time.
func (t *Transport) WriteControl(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.dev.Control(requestType, request, value, index, data); err != nil {
		return fmt.Errorf("USB control write failed: %w", err)
	}
	return nil
}
