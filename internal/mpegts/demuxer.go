package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrLostSync is reported when the input falls out of packet alignment.
	ErrLostSync  = errors.New("mpegts: lost packet sync")
	ErrMalformed = errors.New("mpegts: malformed data")
	ErrBadCRC    = errors.New("mpegts: section CRC mismatch")
)

// Demuxer reads transport stream packets and yields DemuxerData for every
// PAT, PMT and PES unit. Damaged packets and units are skipped and, when
// a CorruptionHandler is installed, reported with their byte offset.
type Demuxer struct {
	ctx       context.Context
	r         io.Reader
	buf       [packetSize]byte
	pmts      pmtSet
	units     *reassembly
	onCorrupt CorruptionHandler

	offset  int64
	ready   []*DemuxerData
	drained bool
}

func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pmts := pmtSet{}
	d := &Demuxer{
		ctx:   ctx,
		r:     r,
		pmts:  pmts,
		units: newReassembly(pmts),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptCorruptionHandler installs h to observe discarded data.
func DemuxerOptCorruptionHandler(h CorruptionHandler) func(*Demuxer) {
	return func(d *Demuxer) {
		d.onCorrupt = h
	}
}

// Offset returns the input position after the last packet read.
func (d *Demuxer) Offset() int64 {
	return d.offset
}

// Reset discards partial units after the caller moved the reader to
// offset. PMT PIDs already learned are kept, so a jump past the tables
// still resolves them.
func (d *Demuxer) Reset(offset int64) {
	d.units = newReassembly(d.pmts)
	d.ready = nil
	d.drained = false
	d.offset = offset
}

// NextData returns the next unit, or io.EOF once the input is exhausted
// and the partial units left at its end have been flushed.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for len(d.ready) == 0 {
		if d.drained {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.readPacket(); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			d.drain()
		}
	}
	data := d.ready[0]
	d.ready = d.ready[1:]
	return data, nil
}

// readPacket reads one packet and queues whatever unit it completes.
func (d *Demuxer) readPacket() error {
	start := d.offset
	n, err := io.ReadFull(d.r, d.buf[:])
	d.offset += int64(n)
	if err != nil {
		return err
	}
	if d.buf[0] != syncByte {
		d.corrupt(start, ErrLostSync)
		if err := d.resync(); err != nil {
			return err
		}
		start = d.offset - packetSize
	}

	pkt, err := parsePacket(d.buf[:])
	if err != nil {
		d.corrupt(start, err)
		return nil
	}
	pkt.Offset = start
	if unit := d.units.push(pkt); unit != nil {
		d.emit(unit)
	}
	return nil
}

// resync slides the window to the next sync byte and refills it.
func (d *Demuxer) resync() error {
	for d.buf[0] != syncByte {
		skip := 1
		for skip < packetSize && d.buf[skip] != syncByte {
			skip++
		}
		copy(d.buf[:], d.buf[skip:])
		n, err := io.ReadFull(d.r, d.buf[packetSize-skip:])
		d.offset += int64(n)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) drain() {
	d.drained = true
	for _, unit := range d.units.drain() {
		d.emit(unit)
	}
}

// emit decodes unit and queues the result. A PAT teaches the demuxer its
// PMT PIDs before the next packet is routed.
func (d *Demuxer) emit(unit []*Packet) {
	results, err := d.decode(unit)
	if err != nil {
		d.corrupt(unit[0].Offset, err)
	}
	for _, r := range results {
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.pmts.add(p.ProgramMapID)
			}
		}
	}
	d.ready = append(d.ready, results...)
}

func (d *Demuxer) decode(unit []*Packet) ([]*DemuxerData, error) {
	first := unit[0]
	pid := first.Header.PID
	payload := joinPayloads(unit)
	switch {
	case len(payload) == 0:
		return nil, nil
	case isTablePID(pid, d.pmts):
		return parsePSI(payload, pid, first)
	case isPESPayload(payload):
		pes, err := parsePES(payload)
		if err != nil {
			return nil, fmt.Errorf("pid %d: %w", pid, err)
		}
		return []*DemuxerData{{FirstPacket: first, PES: pes}}, nil
	}
	return nil, nil
}

func (d *Demuxer) corrupt(offset int64, err error) {
	if d.onCorrupt != nil {
		d.onCorrupt(offset, err)
	}
}
