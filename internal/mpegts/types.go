// Package mpegts reads and writes MPEG transport streams. The Demuxer
// discovers programs through PAT/PMT, reassembles PES packets with their
// PTS/DTS and reports byte offsets so callers can build seek indexes; the
// Muxer writes single-program streams for generated test assets.
package mpegts

// PMT stream types the player decodes.
const (
	StreamTypeAAC  uint8 = 0x0F // ADTS
	StreamTypeH264 uint8 = 0x1B
	StreamTypeH265 uint8 = 0x24
)

// PES stream IDs written by the Muxer.
const (
	StreamIDVideo uint8 = 0xE0
	StreamIDAudio uint8 = 0xC0
)

// NoTimestamp omits a PTS or DTS in Muxer.WritePES.
const NoTimestamp int64 = -1

// Packet is one transport packet and its byte position in the input.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	Offset  int64
}

type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// DemuxerData is one unit produced by the Demuxer. Exactly one of PAT, PMT
// and PES is set. FirstPacket locates the unit in the input.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to the PID of its PMT.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

type PMTData struct {
	ElementaryStreams []*PMTElementaryStream
}

type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData is a reassembled PES packet. Data is the elementary stream
// payload after the PES header.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader holds the timestamps; either may be nil.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference is a 33-bit 90 kHz timestamp.
type ClockReference struct {
	Base int64
}

// CorruptionHandler is told about every packet or unit the Demuxer
// discarded, with the offset where the damage was found.
type CorruptionHandler func(offset int64, err error)
