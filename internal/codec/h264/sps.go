package h264

import (
	"errors"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ErrNotSPS is returned when a NAL unit handed to ParseSPS is not a
// sequence parameter set.
var ErrNotSPS = errors.New("h264: not a sequence parameter set")

// SPSInfo holds the picture geometry carried by a sequence parameter set.
type SPSInfo struct {
	Width  int
	Height int
	FPS    float64 // 0 when the SPS carries no timing information
}

// ParseSPS parses an H.264 SPS NAL unit (header included).
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) == 0 || NALType(nalu) != h264.NALUTypeSPS {
		return SPSInfo{}, ErrNotSPS
	}
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return SPSInfo{}, err
	}
	return SPSInfo{Width: sps.Width(), Height: sps.Height(), FPS: sps.FPS()}, nil
}

// ParseHEVCSPS parses an H.265 SPS NAL unit (header included). Timing is
// not extracted; callers fall back to the container frame rate.
func ParseHEVCSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 2 || HEVCNALType(nalu[0]) != HEVCNALSPS {
		return SPSInfo{}, ErrNotSPS
	}
	var sps h265.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return SPSInfo{}, err
	}
	return SPSInfo{Width: sps.Width(), Height: sps.Height()}, nil
}

// BuildSPS returns a Main profile SPS NAL unit describing a progressive
// 4:2:0 picture of the given size with fixed-rate VUI timing.
func BuildSPS(width, height int, fps float64) []byte {
	mbW := (width + 15) / 16
	mbH := (height + 15) / 16

	var w bitWriter
	w.bits(77, 8)   // profile_idc: Main
	w.bits(0x40, 8) // constraint_set1_flag
	w.bits(30, 8)   // level_idc 3.0
	w.ue(0)         // seq_parameter_set_id
	w.ue(0)         // log2_max_frame_num_minus4
	w.ue(0)         // pic_order_cnt_type
	w.ue(2)         // log2_max_pic_order_cnt_lsb_minus4
	w.ue(2)         // max_num_ref_frames
	w.bit(false)    // gaps_in_frame_num_value_allowed_flag
	w.ue(uint(mbW - 1))
	w.ue(uint(mbH - 1))
	w.bit(true) // frame_mbs_only_flag
	w.bit(true) // direct_8x8_inference_flag

	cropR := (mbW*16 - width) / 2
	cropB := (mbH*16 - height) / 2
	cropping := cropR > 0 || cropB > 0
	w.bit(cropping)
	if cropping {
		w.ue(0)
		w.ue(uint(cropR))
		w.ue(0)
		w.ue(uint(cropB))
	}

	w.bit(true) // vui_parameters_present_flag
	w.bit(false)
	w.bit(false)
	w.bit(false)
	w.bit(false)
	timing := fps > 0
	w.bit(timing)
	if timing {
		w.bits(1000, 32)
		w.bits(uint64(math.Round(fps*2000)), 32)
		w.bit(true) // fixed_frame_rate_flag
	}
	w.bit(false) // nal_hrd_parameters_present_flag
	w.bit(false) // vcl_hrd_parameters_present_flag
	w.bit(false) // pic_struct_present_flag
	w.bit(false) // bitstream_restriction_flag

	return append([]byte{0x67}, AddEmulationPrevention(w.trailing())...)
}

// BuildPPS returns a CAVLC picture parameter set referencing SPS 0.
func BuildPPS() []byte {
	var w bitWriter
	w.ue(0)      // pic_parameter_set_id
	w.ue(0)      // seq_parameter_set_id
	w.bit(false) // entropy_coding_mode_flag
	w.bit(false) // bottom_field_pic_order_in_frame_present_flag
	w.ue(0)      // num_slice_groups_minus1
	w.ue(0)
	w.ue(0)
	w.bit(false) // weighted_pred_flag
	w.bits(0, 2) // weighted_bipred_idc
	w.se(0)
	w.se(0)
	w.se(0)
	w.bit(true) // deblocking_filter_control_present_flag
	w.bit(false)
	w.bit(false)
	return append([]byte{0x68}, AddEmulationPrevention(w.trailing())...)
}

type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) bit(b bool) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b {
		w.buf[len(w.buf)-1] |= 0x80 >> (w.nbit % 8)
	}
	w.nbit++
}

func (w *bitWriter) bits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(v>>i&1 == 1)
	}
}

// ue writes an unsigned Exp-Golomb code.
func (w *bitWriter) ue(v uint) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(x, n+1)
}

func (w *bitWriter) se(v int) {
	if v > 0 {
		w.ue(uint(2*v - 1))
	} else {
		w.ue(uint(-2 * v))
	}
}

// trailing appends rbsp_trailing_bits and returns the buffer.
func (w *bitWriter) trailing() []byte {
	w.bit(true)
	for w.nbit%8 != 0 {
		w.bit(false)
	}
	return w.buf
}
