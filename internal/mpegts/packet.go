package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	packetSize = 188
	syncByte   = 0x47
	headerSize = 4
)

// Bits of header bytes 1-2 and of byte 3.
const (
	hdrTEI  = 0x8000
	hdrPUSI = 0x4000
	pidMask = 0x1FFF

	ctrlAdaptation = 0x20
	ctrlPayload    = 0x10
	ccMask         = 0x0F

	afDiscontinuity = 0x80
)

// parsePacket decodes one packet. The payload is copied; buf may be reused.
func parsePacket(buf []byte) (*Packet, error) {
	switch {
	case len(buf) != packetSize:
		return nil, fmt.Errorf("%w: packet of %d bytes", ErrMalformed, len(buf))
	case buf[0] != syncByte:
		return nil, fmt.Errorf("%w: sync byte 0x%02X", ErrLostSync, buf[0])
	}

	word := binary.BigEndian.Uint16(buf[1:3])
	ctrl := buf[3]
	h := PacketHeader{
		PID:                       word & pidMask,
		TransportErrorIndicator:   word&hdrTEI != 0,
		PayloadUnitStartIndicator: word&hdrPUSI != 0,
		HasAdaptationField:        ctrl&ctrlAdaptation != 0,
		HasPayload:                ctrl&ctrlPayload != 0,
		ContinuityCounter:         ctrl & ccMask,
	}

	body := buf[headerSize:]
	if h.HasAdaptationField {
		n := int(body[0])
		if n > 0 && len(body) > 1 {
			h.DiscontinuityIndicator = body[1]&afDiscontinuity != 0
		}
		body = body[min(1+n, len(body)):]
	}

	p := &Packet{Header: h}
	if h.HasPayload && len(body) > 0 {
		p.Payload = append([]byte(nil), body...)
	}
	return p, nil
}
