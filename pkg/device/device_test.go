package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"rockusb/pkg/operation"
	"rockusb/pkg/protocol"
)

// fakeTransport scripts the device side of an operation: bulk writes are
// recorded, bulk reads are served from the queued replies, and a 13-byte
// read is answered with a CSW echoing the last command tag.
type fakeTransport struct {
	writes   [][]byte
	replies  [][]byte
	controls []controlWrite
	lastTag  uint32
	residue  uint32
	status   byte
	err      error
}

type controlWrite struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	data        []byte
}

func (f *fakeTransport) WriteBulk(_ context.Context, data []byte) error {
	if f.err != nil {
		return f.err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	if len(data) == protocol.CommandBlockBytes && string(data[0:4]) == "USBC" {
		f.lastTag = binary.BigEndian.Uint32(data[4:8])
	}
	return nil
}

func (f *fakeTransport) ReadBulk(_ context.Context, data []byte) error {
	if f.err != nil {
		return f.err
	}
	if len(data) == protocol.CommandStatusBytes {
		status := protocol.CommandStatus{Tag: f.lastTag, Residue: f.residue, Status: protocol.Status(f.status)}
		status.Encode(data)
		return nil
	}
	if len(f.replies) == 0 {
		return fmt.Errorf("unexpected bulk read of %d bytes", len(data))
	}
	copy(data, f.replies[0])
	f.replies = f.replies[1:]
	return nil
}

func (f *fakeTransport) WriteControl(_ context.Context, requestType, request uint8, value, index uint16, data []byte) error {
	if f.err != nil {
		return f.err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.controls = append(f.controls, controlWrite{requestType, request, value, index, buf})
	return nil
}

func flashInfoPayload(sectors uint32) []byte {
	payload := make([]byte, 11)
	binary.LittleEndian.PutUint32(payload[0:4], sectors)
	binary.LittleEndian.PutUint16(payload[4:6], 1024)
	return payload
}

func TestFlashInfo(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{flashInfoPayload(0x4000)}}
	dev := New(ft)

	info, err := dev.FlashInfo(context.Background())
	if err != nil {
		t.Fatalf("FlashInfo failed: %v", err)
	}
	if info.Sectors() != 0x4000 {
		t.Errorf("sectors = %#x", info.Sectors())
	}
	if info.Size() != 0x4000*512 {
		t.Errorf("size = %d", info.Size())
	}
	if info.BlockSizeSectors() != 1024 {
		t.Errorf("block size = %d", info.BlockSizeSectors())
	}
}

func TestFlashIDAndCapability(t *testing.T) {
	ft := &fakeTransport{replies: [][]byte{
		[]byte("EMMC "),
		{0x09, 0x01, 0, 0, 0, 0, 0, 0},
	}}
	dev := New(ft)
	ctx := context.Background()

	id, err := dev.FlashID(ctx)
	if err != nil {
		t.Fatalf("FlashID failed: %v", err)
	}
	if !id.IsEMMC() {
		t.Errorf("flash id = %q", id)
	}

	capability, err := dev.Capability(ctx)
	if err != nil {
		t.Fatalf("Capability failed: %v", err)
	}
	if !capability.DirectLBA() || !capability.ReadLBA() || !capability.NewIDB() {
		t.Errorf("capability flags wrong: %s", capability)
	}
}

func TestReadWriteLBA(t *testing.T) {
	sector := make([]byte, 512)
	for i := range sector {
		sector[i] = byte(i)
	}
	ft := &fakeTransport{replies: [][]byte{sector}}
	dev := New(ft)
	ctx := context.Background()

	buf := make([]byte, 512)
	n, err := dev.ReadLBA(ctx, 3, buf)
	if err != nil {
		t.Fatalf("ReadLBA failed: %v", err)
	}
	if n != 512 {
		t.Errorf("transferred = %d", n)
	}
	if buf[511] != sector[511] {
		t.Errorf("payload not filled")
	}

	n, err = dev.WriteLBA(ctx, 3, buf)
	if err != nil {
		t.Fatalf("WriteLBA failed: %v", err)
	}
	if n != 512 {
		t.Errorf("transferred = %d", n)
	}
	// CBW + data phase for the write, CBW for the read.
	if len(ft.writes) != 3 {
		t.Fatalf("bulk writes = %d", len(ft.writes))
	}
	cb, err := protocol.DecodeCommandBlock(ft.writes[1])
	if err != nil {
		t.Fatalf("recorded CBW invalid: %v", err)
	}
	if cb.Code != protocol.CodeWriteLBA || cb.Address != 3 || cb.Length != 1 {
		t.Errorf("write CBW = %+v", cb)
	}
}

func TestDeviceFailedStatus(t *testing.T) {
	ft := &fakeTransport{status: 1, replies: [][]byte{flashInfoPayload(1)}}
	dev := New(ft)
	if _, err := dev.FlashInfo(context.Background()); !errors.Is(err, operation.ErrFailedStatus) {
		t.Errorf("got %v, want ErrFailedStatus", err)
	}
}

func TestDeviceTransportError(t *testing.T) {
	cause := errors.New("endpoint stall")
	ft := &fakeTransport{err: cause}
	dev := New(ft)
	if _, err := dev.ChipInfo(context.Background()); !errors.Is(err, cause) {
		t.Errorf("transport error not propagated: %v", err)
	}
}

func TestWriteMaskromArea(t *testing.T) {
	ft := &fakeTransport{}
	dev := New(ft)
	data := make([]byte, 100)
	if err := dev.WriteMaskromArea(context.Background(), operation.AreaSRAM, data); err != nil {
		t.Fatalf("WriteMaskromArea failed: %v", err)
	}
	if len(ft.controls) != 1 {
		t.Fatalf("control writes = %d", len(ft.controls))
	}
	ctl := ft.controls[0]
	if ctl.requestType != 0x40 || ctl.request != 0x0c || ctl.index != 0x471 {
		t.Errorf("control write = %+v", ctl)
	}
	if len(ctl.data) != 102 {
		t.Errorf("control data length = %d", len(ctl.data))
	}
}

func TestResetDevice(t *testing.T) {
	ft := &fakeTransport{}
	dev := New(ft)
	if err := dev.ResetDevice(context.Background(), protocol.ResetOpcodeMaskrom); err != nil {
		t.Fatalf("ResetDevice failed: %v", err)
	}
	cb, err := protocol.DecodeCommandBlock(ft.writes[0])
	if err != nil {
		t.Fatalf("recorded CBW invalid: %v", err)
	}
	if cb.Code != protocol.CodeDeviceReset || cb.Opcode != uint8(protocol.ResetOpcodeMaskrom) {
		t.Errorf("reset CBW = %+v", cb)
	}
}
