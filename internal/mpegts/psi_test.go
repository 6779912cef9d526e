package mpegts

import (
	"errors"
	"testing"
)

func TestParsePATSection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		programs []PATProgram
		want     int
	}{
		{"one program", []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}}, 1},
		{"two programs", []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x100}, {ProgramNumber: 2, ProgramMapID: 0x200}}, 2},
		{"nit skipped", []PATProgram{{ProgramNumber: 0, ProgramMapID: 0x10}, {ProgramNumber: 1, ProgramMapID: 0x100}}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pat, err := parsePATSection(patSection(1, tc.programs))
			if err != nil {
				t.Fatal(err)
			}
			if len(pat.Programs) != tc.want {
				t.Fatalf("programs: got %d, want %d", len(pat.Programs), tc.want)
			}
			last := tc.programs[len(tc.programs)-1]
			got := pat.Programs[len(pat.Programs)-1]
			if got.ProgramNumber != last.ProgramNumber || got.ProgramMapID != last.ProgramMapID {
				t.Errorf("last program: got %+v, want %+v", *got, last)
			}
		})
	}
}

func TestParsePMTSection(t *testing.T) {
	t.Parallel()
	streams := []MuxStream{
		{PID: 481, StreamType: StreamTypeH264},
		{PID: 494, StreamType: StreamTypeAAC},
		{PID: 495, StreamType: StreamTypeAAC},
	}
	pmt, err := parsePMTSection(pmtSection(1, 481, streams))
	if err != nil {
		t.Fatal(err)
	}
	if len(pmt.ElementaryStreams) != len(streams) {
		t.Fatalf("streams: got %d, want %d", len(pmt.ElementaryStreams), len(streams))
	}
	for i, es := range pmt.ElementaryStreams {
		if es.ElementaryPID != streams[i].PID || es.StreamType != streams[i].StreamType {
			t.Errorf("stream %d: got pid %d type 0x%02X, want pid %d type 0x%02X",
				i, es.ElementaryPID, es.StreamType, streams[i].PID, streams[i].StreamType)
		}
	}
}

func TestParseSections_BadCRC(t *testing.T) {
	t.Parallel()
	pat := patSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x100}})
	pat[len(pat)-1] ^= 0xFF
	if _, err := parsePATSection(pat); !errors.Is(err, ErrBadCRC) {
		t.Errorf("PAT: got %v, want ErrBadCRC", err)
	}
	pmt := pmtSection(1, 0x100, []MuxStream{{PID: 0x100, StreamType: StreamTypeH264}})
	pmt[len(pmt)-1] ^= 0xFF
	if _, err := parsePMTSection(pmt); !errors.Is(err, ErrBadCRC) {
		t.Errorf("PMT: got %v, want ErrBadCRC", err)
	}
}

func TestParsePSI(t *testing.T) {
	t.Parallel()
	pat := patSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}})
	pmt := pmtSection(1, 481, []MuxStream{{PID: 481, StreamType: StreamTypeH264}})

	tests := []struct {
		name    string
		pid     uint16
		payload []byte
		wantPAT bool
	}{
		{"pat", pidPAT, append([]byte{0x00}, pat...), true},
		{"pmt", 0x1000, append([]byte{0x00}, pmt...), false},
		{"pointer field skips filler", pidPAT, append([]byte{0x03, 0xFF, 0xFF, 0xFF}, pat...), true},
		{"stuffing ignored", pidPAT, append(append([]byte{0x00}, pat...), 0xFF, 0xFF, 0xFF), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			results, err := parsePSI(tc.payload, tc.pid, &Packet{Header: PacketHeader{PID: tc.pid}})
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 {
				t.Fatalf("results: got %d, want 1", len(results))
			}
			if (results[0].PAT != nil) != tc.wantPAT || (results[0].PMT != nil) == tc.wantPAT {
				t.Errorf("got PAT=%v PMT=%v", results[0].PAT != nil, results[0].PMT != nil)
			}
		})
	}
}

func TestParsePES(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		streamID uint8
		pts, dts int64
		dataLen  int
	}{
		{"audio pts only", StreamIDAudio, 90000, NoTimestamp, 3},
		{"video pts and dts", StreamIDVideo, 2790000, 2782492, 2},
		{"no timestamps", StreamIDAudio, NoTimestamp, NoTimestamp, 1},
		{"unbounded video", StreamIDVideo, 90000, NoTimestamp, 70000},
		{"max 33-bit pts", StreamIDAudio, 8589934591, NoTimestamp, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := make([]byte, tc.dataLen)
			for i := range data {
				data[i] = byte(i)
			}
			pes, err := parsePES(buildPES(tc.streamID, tc.pts, tc.dts, data))
			if err != nil {
				t.Fatal(err)
			}
			if pes.Header.StreamID != tc.streamID {
				t.Errorf("stream id: got 0x%02X, want 0x%02X", pes.Header.StreamID, tc.streamID)
			}
			oh := pes.Header.OptionalHeader
			if oh == nil {
				t.Fatal("expected optional header")
			}
			if tc.pts == NoTimestamp {
				if oh.PTS != nil {
					t.Error("PTS should be absent")
				}
			} else if oh.PTS == nil || oh.PTS.Base != tc.pts {
				t.Errorf("PTS: got %+v, want %d", oh.PTS, tc.pts)
			}
			if tc.dts == NoTimestamp {
				if oh.DTS != nil {
					t.Error("DTS should be absent")
				}
			} else if oh.DTS == nil || oh.DTS.Base != tc.dts {
				t.Errorf("DTS: got %+v, want %d", oh.DTS, tc.dts)
			}
			if len(pes.Data) != tc.dataLen {
				t.Errorf("data: got %d bytes, want %d", len(pes.Data), tc.dataLen)
			}
		})
	}
}

func TestParsePES_Special(t *testing.T) {
	t.Parallel()
	padding := []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x04, 0xFF, 0xFF, 0xFF, 0xFF}
	pes, err := parsePES(padding)
	if err != nil {
		t.Fatal(err)
	}
	if pes.Header.OptionalHeader != nil || len(pes.Data) != 4 {
		t.Errorf("padding stream: got header %v, %d bytes", pes.Header.OptionalHeader, len(pes.Data))
	}
	if _, err := parsePES([]byte{0x00, 0x00, 0x00, 0xE0, 0x00, 0x00}); err == nil {
		t.Error("expected error for invalid start code")
	}
	if _, err := parsePES([]byte{0x00, 0x00, 0x01}); err == nil {
		t.Error("expected error for short packet")
	}
	// Header data length runs past a bounded packet.
	if _, err := parsePES([]byte{0x00, 0x00, 0x01, 0xC0, 0x00, 0x04, 0x80, 0x80, 0x0A, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("overlong header: got %v, want ErrMalformed", err)
	}
}
