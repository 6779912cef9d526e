package mpegts

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MuxStream declares one elementary stream of the program written by a
// Muxer.
type MuxStream struct {
	PID        uint16
	StreamType uint8
	StreamID   uint8
}

// Muxer writes a single-program transport stream. PAT and PMT are emitted
// before the first PES and then every tableInterval PES packets.
type Muxer struct {
	w             io.Writer
	streams       []MuxStream
	pmtPID        uint16
	pcrPID        uint16
	tableInterval int
	sinceTables   int
	wroteTables   bool
	cc            map[uint16]uint8
	pkt           [packetSize]byte
}

// NewMuxer returns a Muxer writing streams to w. The first stream carries
// the PCR unless MuxerOptPCRPID says otherwise.
func NewMuxer(w io.Writer, streams []MuxStream, opts ...func(*Muxer)) *Muxer {
	m := &Muxer{
		w:             w,
		streams:       streams,
		pmtPID:        0x1000,
		tableInterval: 40,
		cc:            make(map[uint16]uint8),
	}
	if len(streams) > 0 {
		m.pcrPID = streams[0].PID
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MuxerOptPMTPID sets the PID carrying the PMT (default 0x1000).
func MuxerOptPMTPID(pid uint16) func(*Muxer) {
	return func(m *Muxer) {
		m.pmtPID = pid
	}
}

// MuxerOptPCRPID sets the PCR PID advertised in the PMT.
func MuxerOptPCRPID(pid uint16) func(*Muxer) {
	return func(m *Muxer) {
		m.pcrPID = pid
	}
}

// MuxerOptTableInterval sets how many PES packets separate PAT/PMT repeats.
func MuxerOptTableInterval(n int) func(*Muxer) {
	return func(m *Muxer) {
		m.tableInterval = n
	}
}

// WriteTables emits the PAT and PMT.
func (m *Muxer) WriteTables() error {
	pat := patSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: m.pmtPID}})
	if err := m.writeSection(pidPAT, pat); err != nil {
		return err
	}
	pmt := pmtSection(1, m.pcrPID, m.streams)
	if err := m.writeSection(m.pmtPID, pmt); err != nil {
		return err
	}
	m.wroteTables = true
	m.sinceTables = 0
	return nil
}

// WritePES packetizes data as one PES packet on pid. pts and dts are 90 kHz
// ticks; pass NoTimestamp to omit either.
func (m *Muxer) WritePES(pid uint16, pts, dts int64, data []byte) error {
	s, ok := m.stream(pid)
	if !ok {
		return fmt.Errorf("mpegts: pid %d not declared", pid)
	}
	if !m.wroteTables || (m.tableInterval > 0 && m.sinceTables >= m.tableInterval) {
		if err := m.WriteTables(); err != nil {
			return err
		}
	}
	m.sinceTables++
	return m.writePayload(pid, buildPES(s.StreamID, pts, dts, data))
}

func (m *Muxer) stream(pid uint16) (MuxStream, bool) {
	for _, s := range m.streams {
		if s.PID == pid {
			return s, true
		}
	}
	return MuxStream{}, false
}

func (m *Muxer) writeSection(pid uint16, section []byte) error {
	payload := make([]byte, 0, 1+len(section))
	payload = append(payload, 0x00) // pointer_field
	payload = append(payload, section...)
	return m.writePayload(pid, payload)
}

// writePayload splits payload into packets on pid, stuffing the final
// packet through its adaptation field.
func (m *Muxer) writePayload(pid uint16, payload []byte) error {
	first := true
	for len(payload) > 0 {
		pkt := m.pkt[:]
		pkt[0] = syncByte
		pkt[1] = byte(pid>>8) & 0x1F
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[2] = byte(pid)
		cc := m.cc[pid]
		m.cc[pid] = (cc + 1) & 0x0F
		pkt[3] = 0x10 | cc

		capacity := packetSize - 4
		n := len(payload)
		if n >= capacity {
			copy(pkt[4:], payload[:capacity])
			payload = payload[capacity:]
		} else {
			stuff := capacity - n
			pkt[3] |= 0x20
			pkt[4] = byte(stuff - 1)
			if stuff > 1 {
				pkt[5] = 0x00 // no adaptation flags
				for i := 6; i < 4+stuff; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuff:], payload)
			payload = nil
		}
		if _, err := m.w.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// buildPES assembles a PES packet. Video packets larger than the 16-bit
// length field use the unbounded form.
func buildPES(streamID uint8, pts, dts int64, data []byte) []byte {
	flags := byte(0)
	hdrLen := 0
	if pts != NoTimestamp {
		flags = 0x80
		hdrLen = 5
		if dts != NoTimestamp && dts != pts {
			flags = 0xC0
			hdrLen = 10
		}
	}

	out := make([]byte, 0, 9+hdrLen+len(data))
	out = append(out, 0x00, 0x00, 0x01, streamID)
	length := 3 + hdrLen + len(data)
	if length > 0xFFFF {
		length = 0
	}
	out = binary.BigEndian.AppendUint16(out, uint16(length))
	out = append(out, 0x80, flags, byte(hdrLen))
	switch flags {
	case 0x80:
		out = appendTimestamp(out, 0x02, pts)
	case 0xC0:
		out = appendTimestamp(out, 0x03, pts)
		out = appendTimestamp(out, 0x01, dts)
	}
	return append(out, data...)
}

// appendTimestamp writes a 33-bit timestamp in the 5-byte PES layout with
// the given 4-bit prefix and marker bits.
func appendTimestamp(b []byte, prefix byte, v int64) []byte {
	v &= 1<<33 - 1
	return append(b,
		prefix<<4|byte(v>>29)&0x0E|0x01,
		byte(v>>22),
		byte(v>>14)&0xFE|0x01,
		byte(v>>7),
		byte(v<<1)&0xFE|0x01,
	)
}

func patSection(tsID uint16, programs []PATProgram) []byte {
	sectionLength := 5 + 4*len(programs) + 4
	b := make([]byte, 0, 3+sectionLength)
	b = append(b, tableIDPAT, 0xB0|byte(sectionLength>>8)&0x0F, byte(sectionLength))
	b = binary.BigEndian.AppendUint16(b, tsID)
	b = append(b, 0xC1, 0x00, 0x00) // version 0, current_next, section 0 of 0
	for _, p := range programs {
		b = binary.BigEndian.AppendUint16(b, p.ProgramNumber)
		b = binary.BigEndian.AppendUint16(b, 0xE000|p.ProgramMapID&0x1FFF)
	}
	return appendCRC32(b)
}

func pmtSection(programNum, pcrPID uint16, streams []MuxStream) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	b := make([]byte, 0, 3+sectionLength)
	b = append(b, tableIDPMT, 0xB0|byte(sectionLength>>8)&0x0F, byte(sectionLength))
	b = binary.BigEndian.AppendUint16(b, programNum)
	b = append(b, 0xC1, 0x00, 0x00)
	b = binary.BigEndian.AppendUint16(b, 0xE000|pcrPID&0x1FFF)
	b = append(b, 0xF0, 0x00) // no program descriptors
	for _, s := range streams {
		b = append(b, s.StreamType)
		b = binary.BigEndian.AppendUint16(b, 0xE000|s.PID&0x1FFF)
		b = append(b, 0xF0, 0x00)
	}
	return appendCRC32(b)
}
