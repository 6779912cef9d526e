package mpegts

import "slices"

const pidPAT = 0x0000

// pmtSet holds the PIDs the PAT announced as carrying a PMT.
type pmtSet map[uint16]struct{}

func (s pmtSet) add(pid uint16) { s[pid] = struct{}{} }

func (s pmtSet) has(pid uint16) bool {
	_, ok := s[pid]
	return ok
}

// isTablePID reports whether pid carries PSI sections.
func isTablePID(pid uint16, pmts pmtSet) bool {
	return pid == pidPAT || pmts.has(pid)
}

// assembler collects the packets of one PID into units: one PES packet,
// or a run of PSI sections. A unit ends at the next payload_unit_start,
// or for PSI as soon as its sections are complete.
type assembler struct {
	pid     uint16
	pmts    pmtSet
	pending []*Packet
}

func newAssembler(pid uint16, pmts pmtSet) *assembler {
	return &assembler{pid: pid, pmts: pmts}
}

// push adds p and returns the unit it completed, if any.
func (a *assembler) push(p *Packet) []*Packet {
	h := p.Header
	if h.TransportErrorIndicator {
		a.pending = nil
		return nil
	}
	if !h.HasPayload {
		return nil
	}

	if n := len(a.pending); n > 0 && !h.DiscontinuityIndicator {
		last := a.pending[n-1].Header.ContinuityCounter
		switch h.ContinuityCounter {
		case (last + 1) & ccMask:
		case last:
			return nil // retransmission
		default:
			a.pending = nil
		}
	}

	var unit []*Packet
	if h.PayloadUnitStartIndicator {
		unit = a.take()
	}
	a.pending = append(a.pending, p)
	if unit == nil && isTablePID(a.pid, a.pmts) && isPSIComplete(a.pending) {
		unit = a.take()
	}
	return unit
}

func (a *assembler) take() []*Packet {
	unit := a.pending
	a.pending = nil
	if len(unit) == 0 {
		return nil
	}
	return unit
}

// joinPayloads concatenates the payloads of a unit.
func joinPayloads(unit []*Packet) []byte {
	n := 0
	for _, p := range unit {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range unit {
		out = append(out, p.Payload...)
	}
	return out
}

// isPSIComplete reports whether every section started in the unit has
// all its bytes.
func isPSIComplete(unit []*Packet) bool {
	it, ok := newSectionIter(joinPayloads(unit))
	if !ok {
		return false
	}
	for {
		if _, more := it.next(); !more {
			return !it.truncated
		}
	}
}

// reassembly routes packets to one assembler per PID.
type reassembly struct {
	pmts  pmtSet
	byPID map[uint16]*assembler
}

func newReassembly(pmts pmtSet) *reassembly {
	return &reassembly{pmts: pmts, byPID: make(map[uint16]*assembler)}
}

func (r *reassembly) push(p *Packet) []*Packet {
	a, ok := r.byPID[p.Header.PID]
	if !ok {
		a = newAssembler(p.Header.PID, r.pmts)
		r.byPID[p.Header.PID] = a
	}
	return a.push(p)
}

// drain returns every partial unit in PID order, so the PAT comes before
// the PMTs it announces.
func (r *reassembly) drain() [][]*Packet {
	pids := make([]uint16, 0, len(r.byPID))
	for pid := range r.byPID {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var units [][]*Packet
	for _, pid := range pids {
		if unit := r.byPID[pid].take(); unit != nil {
			units = append(units, unit)
		}
	}
	return units
}
