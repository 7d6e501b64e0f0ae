package operation

import (
	"github.com/sigurn/crc16"
)

// MaskRom vendor control request parameters. The area index selects the
// upload target: 0x471 for on-chip SRAM, 0x472 for DDR.
const (
	maskromRequestType = 0x40
	maskromRequest     = 0x0c

	// AreaSRAM is the maskrom upload area for on-chip SRAM.
	AreaSRAM uint16 = 0x471
	// AreaDDR is the maskrom upload area for DDR.
	AreaDDR uint16 = 0x472

	maskromBlockSize = 4096
)

// CRC-16/IBM-3740: poly 0x1021, init 0xffff, no reflection, no xorout.
// sigurn's CCITT-FALSE parameters are the same algorithm.
var maskromCRC = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

type maskromState int

const (
	maskromWriting maskromState = iota
	maskromDummy
	maskromDone
)

// MaskRomOperation uploads a blob to a maskrom area as a sequence of vendor
// control writes of at most 4096 bytes, followed by the blob's CRC-16 in
// big-endian order. A final block of 4095 bytes is padded with one zero
// byte so the CRC is never split across two writes; the CRC then covers the
// padded stream. When the final block lands exactly on the 4096-byte
// boundary a single zero byte is written afterwards to signal end of stream.
type MaskRomOperation struct {
	area    uint16
	data    []byte
	written int
	block   [maskromBlockSize]byte
	crc     uint16
	state   maskromState
}

// WriteArea builds a maskrom upload of data to the given area, typically
// AreaSRAM or AreaDDR with blobs taken from a rockchip boot file.
func WriteArea(area uint16, data []byte) *MaskRomOperation {
	return &MaskRomOperation{
		area: area,
		data: data,
		crc:  crc16.Init(maskromCRC),
	}
}

func (m *MaskRomOperation) control(data []byte) WriteControl {
	return WriteControl{
		RequestType: maskromRequestType,
		Request:     maskromRequest,
		Value:       0,
		Index:       m.area,
		Data:        data,
	}
}

// Step advances the state machine and returns the next transport action.
func (m *MaskRomOperation) Step() Step {
	switch m.state {
	case maskromWriting:
		chunk := len(m.data) - m.written
		if chunk > maskromBlockSize {
			chunk = maskromBlockSize
		}
		copy(m.block[:chunk], m.data[m.written:m.written+chunk])
		m.written += chunk
		switch chunk {
		case maskromBlockSize:
			m.crc = crc16.Update(m.crc, m.block[:], maskromCRC)
			return m.control(m.block[:])
		case maskromBlockSize - 1:
			// Pad one zero so the CRC never splits across two writes.
			m.block[maskromBlockSize-1] = 0
			m.crc = crc16.Update(m.crc, m.block[:], maskromCRC)
			return m.control(m.block[:])
		default:
			m.crc = crc16.Update(m.crc, m.block[:chunk], maskromCRC)
			sum := crc16.Complete(m.crc, maskromCRC)
			m.block[chunk] = uint8(sum >> 8)
			m.block[chunk+1] = uint8(sum)
			end := chunk + 2
			if end == maskromBlockSize {
				m.state = maskromDummy
			} else {
				m.state = maskromDone
			}
			return m.control(m.block[:end])
		}
	case maskromDummy:
		m.state = maskromDone
		m.block[0] = 0
		return m.control(m.block[:1])
	default:
		return Finished{}
	}
}
