package mpegts

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var pesStartCode = []byte{0x00, 0x00, 0x01}

const (
	pesFixedHeader    = 6 // start code, stream_id, PES_packet_length
	pesOptionalHeader = 3 // flags and PES_header_data_length
	timestampSize     = 5
)

func isPESPayload(data []byte) bool {
	return bytes.HasPrefix(data, pesStartCode)
}

// bareStream reports stream IDs whose data follows the length field
// directly: program_stream_map, padding, private_stream_2, ECM, EMM,
// DSMCC, H.222.1 type E and the program stream directory.
func bareStream(id uint8) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return true
	}
	return false
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < pesFixedHeader {
		return nil, fmt.Errorf("%w: PES of %d bytes", ErrMalformed, len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("%w: PES start code % X", ErrMalformed, payload[:3])
	}

	id := payload[3]
	// A zero PES_packet_length means unbounded, as in most video PES.
	end := len(payload)
	if n := int(binary.BigEndian.Uint16(payload[4:6])); n > 0 {
		end = min(pesFixedHeader+n, end)
	}
	pes := &PESData{Header: &PESHeader{StreamID: id}}
	if bareStream(id) {
		pes.Data = payload[pesFixedHeader:end]
		return pes, nil
	}

	if len(payload) < pesFixedHeader+pesOptionalHeader {
		return nil, fmt.Errorf("%w: PES optional header of %d bytes", ErrMalformed, len(payload)-pesFixedHeader)
	}
	ptsDTS := payload[7] >> 6
	start := pesFixedHeader + pesOptionalHeader + int(payload[8])
	if start > end {
		return nil, fmt.Errorf("%w: PES header length %d past packet end", ErrMalformed, payload[8])
	}

	oh := &PESOptionalHeader{}
	ts := payload[pesFixedHeader+pesOptionalHeader : start]
	if ptsDTS&0b10 != 0 && len(ts) >= timestampSize {
		oh.PTS = readTimestamp(ts)
		ts = ts[timestampSize:]
		if ptsDTS == 0b11 && len(ts) >= timestampSize {
			oh.DTS = readTimestamp(ts)
		}
	}
	pes.Header.OptionalHeader = oh
	pes.Data = payload[start:end]
	return pes, nil
}

// readTimestamp decodes a 33-bit 90 kHz value from the five byte layout
// 3+15+15 bits, each group followed by a marker bit.
func readTimestamp(b []byte) *ClockReference {
	hi := int64(b[0]>>1) & 0x07
	mid := int64(binary.BigEndian.Uint16(b[1:3]) >> 1)
	lo := int64(binary.BigEndian.Uint16(b[3:5]) >> 1)
	return &ClockReference{Base: hi<<30 | mid<<15 | lo}
}
