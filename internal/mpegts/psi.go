package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	// Long-form section header, through last_section_number.
	longHeaderSize = 8
	crcSize        = 4
)

// sectionIter walks the sections of a PSI unit after its pointer field.
// It stops at stuffing, at bytes that cannot start a long-form section,
// or at a section that is cut short, which sets truncated.
type sectionIter struct {
	buf       []byte
	off       int
	truncated bool
}

func newSectionIter(payload []byte) (*sectionIter, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, false
	}
	return &sectionIter{buf: payload, off: off}, true
}

func (it *sectionIter) next() ([]byte, bool) {
	rest := it.buf[it.off:]
	switch {
	case len(rest) == 0 || rest[0] == 0xFF:
		return nil, false
	case len(rest) < 3:
		it.truncated = true
		return nil, false
	case rest[1]&0x80 == 0:
		// section_syntax_indicator clear: zero padding, not a table.
		return nil, false
	}
	n := 3 + sectionLength(rest)
	if n > len(rest) {
		it.truncated = true
		return nil, false
	}
	it.off += n
	return rest[:n], true
}

func sectionLength(section []byte) int {
	return int(binary.BigEndian.Uint16(section[1:3]) & 0x0FFF)
}

// parsePSI decodes the PAT and PMT sections of one unit. Other tables are
// skipped.
func parsePSI(payload []byte, pid uint16, first *Packet) ([]*DemuxerData, error) {
	it, ok := newSectionIter(payload)
	if !ok {
		return nil, fmt.Errorf("%w: pid %d: pointer field past %d byte payload", ErrMalformed, pid, len(payload))
	}
	var out []*DemuxerData
	for {
		section, more := it.next()
		if !more {
			return out, nil
		}
		d := &DemuxerData{FirstPacket: first}
		var err error
		switch section[0] {
		case tableIDPAT:
			d.PAT, err = parsePATSection(section)
		case tableIDPMT:
			d.PMT, err = parsePMTSection(section)
		default:
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}

// sectionBody checks a long-form section and returns what lies between
// its header and its CRC.
func sectionBody(table string, section []byte, minBody int) ([]byte, error) {
	if err := checkCRC32(section); err != nil {
		return nil, fmt.Errorf("%s: %w", table, err)
	}
	if len(section) < longHeaderSize+minBody+crcSize {
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrMalformed, table, len(section))
	}
	end := min(3+sectionLength(section), len(section)) - crcSize
	if end < longHeaderSize+minBody {
		return nil, fmt.Errorf("%w: %s section_length %d", ErrMalformed, table, sectionLength(section))
	}
	return section[longHeaderSize:end], nil
}

func parsePATSection(section []byte) (*PATData, error) {
	body, err := sectionBody("PAT", section, 0)
	if err != nil {
		return nil, err
	}
	pat := &PATData{}
	for ; len(body) >= 4; body = body[4:] {
		num := binary.BigEndian.Uint16(body[0:2])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: num,
			ProgramMapID:  binary.BigEndian.Uint16(body[2:4]) & pidMask,
		})
	}
	return pat, nil
}

// parsePMTSection reads the elementary stream loop. Descriptors are
// skipped.
func parsePMTSection(section []byte) (*PMTData, error) {
	body, err := sectionBody("PMT", section, 4)
	if err != nil {
		return nil, err
	}
	// body[0:2] is the PCR PID.
	infoLen := int(binary.BigEndian.Uint16(body[2:4]) & 0x0FFF)
	es := body[min(4+infoLen, len(body)):]

	pmt := &PMTData{}
	for len(es) >= 5 {
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    es[0],
			ElementaryPID: binary.BigEndian.Uint16(es[1:3]) & pidMask,
		})
		esInfoLen := int(binary.BigEndian.Uint16(es[3:5]) & 0x0FFF)
		es = es[min(5+esInfoLen, len(es)):]
	}
	return pmt, nil
}
