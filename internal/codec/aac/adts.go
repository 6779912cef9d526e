// Package aac provides the AAC audio codec provider. Packets carry one or
// more ADTS frames; each frame becomes a 1024-sample audio frame holding
// the raw access unit.
package aac

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// SamplesPerFrame is the AAC-LC frame length.
const SamplesPerFrame = 1024

const (
	adtsHeaderSize = 7
	maxFrameLen    = 1<<13 - 1
)

// ErrInvalidADTS is returned when an ADTS byte stream cannot be parsed.
var ErrInvalidADTS = errors.New("aac: invalid ADTS header")

// ParseADTS splits an ADTS byte stream into packets. The stream must start
// on a sync word and end on a frame boundary. The packets' AUs alias data.
func ParseADTS(data []byte) (mpeg4audio.ADTSPackets, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidADTS, err)
	}
	return pkts, nil
}

// AppendADTS appends au behind a CRC-less AAC-LC ADTS header.
func AppendADTS(dst, au []byte, sampleRate, channels int) ([]byte, error) {
	if adtsHeaderSize+len(au) > maxFrameLen {
		return dst, fmt.Errorf("aac: access unit too large (%d bytes)", len(au))
	}
	buf, err := mpeg4audio.ADTSPackets{{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
		AU:           au,
	}}.Marshal()
	if err != nil {
		return dst, fmt.Errorf("aac: %w", err)
	}
	return append(dst, buf...), nil
}

// StreamConfig returns the marshaled AudioSpecificConfig of the stream p
// belongs to, for media.StreamDescriptor.CodecConfig.
func StreamConfig(p *mpeg4audio.ADTSPacket) ([]byte, error) {
	asc := mpeg4audio.AudioSpecificConfig{
		Type:         p.Type,
		SampleRate:   p.SampleRate,
		ChannelCount: p.ChannelCount,
	}
	return asc.Marshal()
}
