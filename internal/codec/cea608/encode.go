package cea608

import (
	"strings"

	"github.com/zsiec/reel/internal/codec/h264"
)

// Triplet is one cc_data() entry: cc_type plus two data bytes without
// parity.
type Triplet struct {
	Field byte // 0 = field 1 (CC1/CC2), 1 = field 2 (CC3/CC4)
	Data1 byte
	Data2 byte
}

// Cue is a caption shown from Start to End seconds.
type Cue struct {
	Start, End float64
	Text       string
}

type pair struct {
	cc1, cc2 byte
	frame    int
}

// Padding is the null pair sent on frames without caption data.
func Padding(field byte) Triplet {
	return Triplet{Field: field, Data1: 0x80, Data2: 0x80}
}

// RollUp schedules cues as roll-up 2 captions, one pair per video frame.
// Control codes are doubled, and an erase is sent when each cue ends.
func RollUp(cues []Cue, fps float64, frames int, field byte) []Triplet {
	var cmds []pair
	for _, cue := range cues {
		start := int(cue.Start * fps)
		end := int(cue.End * fps)
		if start >= frames {
			break
		}
		if end > frames {
			end = frames
		}

		seq := []pair{
			{cc1: 0x14, cc2: 0x25}, {cc1: 0x14, cc2: 0x25}, // RU2
			{cc1: 0x14, cc2: 0x2C}, {cc1: 0x14, cc2: 0x2C}, // EDM
			{cc1: 0x14, cc2: 0x60}, {cc1: 0x14, cc2: 0x60}, // PAC row 15, col 0
		}
		text := normalize(cue.Text)
		for i := 0; i < len(text); i += 2 {
			p := pair{cc1: text[i], cc2: 0x80}
			if i+1 < len(text) {
				p.cc2 = text[i+1]
			}
			seq = append(seq, p)
		}
		for i, p := range seq {
			if start+i >= frames {
				break
			}
			p.frame = start + i
			cmds = append(cmds, p)
		}
		if end < frames {
			cmds = append(cmds,
				pair{cc1: 0x14, cc2: 0x2C, frame: end},
				pair{cc1: 0x14, cc2: 0x2C, frame: end + 1})
		}
	}

	out := make([]Triplet, frames)
	for i := range out {
		out[i] = Padding(field)
	}
	for _, c := range cmds {
		if c.frame >= 0 && c.frame < frames {
			out[c.frame] = Triplet{Field: field, Data1: c.cc1, Data2: c.cc2}
		}
	}
	return out
}

func normalize(text string) []byte {
	lines := strings.Split(text, "\n")
	if len(lines) > 4 {
		lines = lines[:4]
	}
	for i, line := range lines {
		if len(line) > 32 {
			lines[i] = line[:32]
		}
	}
	var out []byte
	for _, ch := range strings.Join(lines, " ") {
		if ch >= 0x20 && ch <= 0x7E {
			out = append(out, byte(ch))
		} else {
			out = append(out, '?')
		}
	}
	return out
}

// BuildSEI returns an H.264 SEI NAL unit (header included, no start code)
// carrying the triplets as ATSC A/53 GA94 cc_data.
func BuildSEI(triplets []Triplet) []byte {
	payload := a53Payload(triplets)

	var msg []byte
	msg = append(msg, 0x04) // user_data_registered_itu_t_t35
	size := len(payload)
	for size >= 255 {
		msg = append(msg, 0xFF)
		size -= 255
	}
	msg = append(msg, byte(size))
	msg = append(msg, payload...)
	msg = append(msg, 0x80) // rbsp trailing bits

	return append([]byte{0x06}, h264.AddEmulationPrevention(msg)...)
}

func a53Payload(triplets []Triplet) []byte {
	n := len(triplets)
	if n > 31 {
		n = 31
	}
	p := []byte{
		0xB5,       // itu_t_t35_country_code
		0x00, 0x31, // ATSC provider code
		'G', 'A', '9', '4',
		0x03,           // cc_data
		0x40 | byte(n), // process_cc_data_flag, cc_count
		0xFF,           // em_data
	}
	for _, t := range triplets[:n] {
		p = append(p, 0xFC|t.Field&0x03, parity(t.Data1), parity(t.Data2))
	}
	return append(p, 0xFF)
}

// parity sets the high bit for odd parity.
func parity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}
