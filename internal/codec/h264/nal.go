// Package h264 provides the H.264 and H.265 video codec providers. Access
// units are split on Annex-B start codes and parameter sets are parsed for
// picture geometry. Nothing is decoded to pixels: a frame's Payload is the
// Annex-B access unit itself, reordered into presentation order, and sinks
// that need raw pictures must decode it themselves.
package h264

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1) used for random access
// detection and parameter-set tracking.
const (
	HEVCNALBlaWLP    = 16
	HEVCNALIDRWRadl  = 19
	HEVCNALIDRNlp    = 20
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALSEIPrefix = 39
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// SplitAnnexB splits an Annex-B access unit into NAL units without start
// codes. The returned slices alias data.
func SplitAnnexB(data []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, err
	}
	return au, nil
}

// JoinAnnexB writes nalus behind 4-byte start codes.
func JoinAnnexB(nalus ...[]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(startCode) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, startCode...)
		out = append(out, nalu...)
	}
	return out
}

// NALType returns the H.264 nal_unit_type of nalu.
func NALType(nalu []byte) h264.NALUType {
	return h264.NALUType(nalu[0] & 0x1F)
}

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) h265.NALUType {
	return h265.NALUType((firstByte >> 1) & 0x3F)
}

// IsHEVCKeyframe reports whether an HEVC NAL type is a random access point
// (BLA, IDR, or CRA).
func IsHEVCKeyframe(t h265.NALUType) bool {
	return t >= HEVCNALBlaWLP && t <= HEVCNALCraNut
}

// IsKeyframe reports whether an H.264 access unit carries an IDR slice.
func IsKeyframe(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) > 0 && NALType(n) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// SEIUnits returns the SEI NAL units of an access unit, header included.
func SEIUnits(nalus [][]byte, hevc bool) [][]byte {
	var out [][]byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if hevc {
			if len(n) > 2 && HEVCNALType(n[0]) == HEVCNALSEIPrefix {
				out = append(out, n)
			}
			continue
		}
		if NALType(n) == h264.NALUTypeSEI {
			out = append(out, n)
		}
	}
	return out
}

// AddEmulationPrevention inserts 0x03 before any 0x00-0x03 byte that
// follows two consecutive zero bytes.
func AddEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
