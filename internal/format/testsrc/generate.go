package testsrc

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/zsiec/reel/internal/codec/aac"
	"github.com/zsiec/reel/internal/codec/cea608"
	"github.com/zsiec/reel/internal/codec/h264"
	"github.com/zsiec/reel/internal/mpegts"
)

// Transport stream PIDs written by WriteTransportStream.
const (
	VideoPID = 0x100
	AudioPID = 0x101
)

// StreamOptions describe a generated H.264/AAC transport stream.
type StreamOptions struct {
	Duration   time.Duration
	FPS        int
	Width      int
	Height     int
	GOP        int
	SampleRate int
	Channels   int
	// BFrames emits I P B B groups with reordered timestamps.
	BFrames bool
	// Captions are carried as CEA-608 roll-up in video SEI.
	Captions []cea608.Cue
	// StartPTS offsets every timestamp, in 90 kHz ticks.
	StartPTS int64
}

// DefaultStreamOptions returns a 10 second 640x360 30 fps stream with
// stereo 48 kHz audio.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Duration:   10 * time.Second,
		FPS:        30,
		Width:      640,
		Height:     360,
		GOP:        30,
		SampleRate: 48000,
		Channels:   2,
		StartPTS:   90000,
	}
}

type esUnit struct {
	pid      uint16
	pts, dts int64
	data     []byte
}

// WriteTransportStream writes a synthetic program to w. Slice data is
// filler; parameter sets, keyframe placement and timing are real.
func WriteTransportStream(w io.Writer, o StreamOptions) error {
	if o.FPS <= 0 || o.GOP <= 0 || o.Duration <= 0 {
		return fmt.Errorf("testsrc: invalid stream options")
	}
	var units []esUnit

	frames := int(o.Duration * time.Duration(o.FPS) / time.Second)
	frameTicks := int64(90000 / o.FPS)
	var triplets []cea608.Triplet
	if len(o.Captions) > 0 {
		triplets = cea608.RollUp(o.Captions, float64(o.FPS), frames, 0)
	}
	sps := h264.BuildSPS(o.Width, o.Height, float64(o.FPS))
	pps := h264.BuildPPS()

	offset := int64(0)
	if o.BFrames {
		offset = frameTicks
	}
	maxDisp := -1
	for dec, disp := range decodeOrder(frames, o.GOP, o.BFrames) {
		var nalus [][]byte
		key := disp%o.GOP == 0
		if key {
			nalus = append(nalus, sps, pps)
		}
		if triplets != nil {
			nalus = append(nalus, cea608.BuildSEI(triplets[disp:disp+1]))
		}
		nalus = append(nalus, slice(disp, key, disp < maxDisp))
		maxDisp = max(maxDisp, disp)
		units = append(units, esUnit{
			pid:  VideoPID,
			pts:  o.StartPTS + offset + int64(disp)*frameTicks,
			dts:  o.StartPTS + int64(dec)*frameTicks,
			data: h264.JoinAnnexB(nalus...),
		})
	}

	if o.SampleRate > 0 && o.Channels > 0 {
		total := int64(o.Duration) * int64(o.SampleRate) / int64(time.Second)
		au := make([]byte, 24)
		for n := int64(0); n*aac.SamplesPerFrame < total; n++ {
			for i := range au {
				au[i] = byte(n) ^ byte(i*7)
			}
			data, err := aac.AppendADTS(nil, au, o.SampleRate, o.Channels)
			if err != nil {
				return err
			}
			pts := o.StartPTS + n*aac.SamplesPerFrame*90000/int64(o.SampleRate)
			units = append(units, esUnit{pid: AudioPID, pts: pts, dts: pts, data: data})
		}
	}

	sort.SliceStable(units, func(i, j int) bool { return units[i].dts < units[j].dts })

	mux := mpegts.NewMuxer(w, []mpegts.MuxStream{
		{PID: VideoPID, StreamType: mpegts.StreamTypeH264, StreamID: mpegts.StreamIDVideo},
		{PID: AudioPID, StreamType: mpegts.StreamTypeAAC, StreamID: mpegts.StreamIDAudio},
	})
	for _, u := range units {
		dts := u.dts
		if u.pid == AudioPID {
			dts = mpegts.NoTimestamp
		}
		if err := mux.WritePES(u.pid, u.pts, dts, u.data); err != nil {
			return err
		}
	}
	return nil
}

// decodeOrder returns display indices in decode order. With B-frames each
// group after the keyframe is sent as P B B: display n+2, n, n+1.
func decodeOrder(frames, gop int, bframes bool) []int {
	order := make([]int, 0, frames)
	for start := 0; start < frames; start += gop {
		end := min(start+gop, frames)
		order = append(order, start)
		n := start + 1
		for bframes && n+2 < end {
			order = append(order, n+2, n, n+1)
			n += 3
		}
		for ; n < end; n++ {
			order = append(order, n)
		}
	}
	return order
}

// slice returns a filler slice NAL unit for display frame n.
func slice(n int, key, bidir bool) []byte {
	hdr := []byte{0x41, 0x9A}
	switch {
	case key:
		hdr = []byte{0x65, 0x88}
	case bidir:
		hdr = []byte{0x01, 0x9E}
	}
	body := make([]byte, 48)
	for i := range body {
		body[i] = byte(n*31 + i)
	}
	return append(hdr, h264.AddEmulationPrevention(body)...)
}
