package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/codec/cea608"
	"github.com/zsiec/reel/internal/format/testsrc"
)

type genOptions struct {
	Duration   time.Duration
	FPS        int
	SampleRate int
	Channels   int
	Width      int
	Height     int
	GOP        int
	BFrames    bool
	Captions   []string
}

func newGenCommand(g *globalOptions) *cobra.Command {
	d := testsrc.DefaultStreamOptions()
	opts := &genOptions{
		Duration:   d.Duration,
		FPS:        d.FPS,
		SampleRate: d.SampleRate,
		Channels:   d.Channels,
		Width:      d.Width,
		Height:     d.Height,
		GOP:        d.GOP,
	}

	cmd := &cobra.Command{
		Use:   "gen <out.ts>",
		Short: "Write a synthetic H.264/AAC transport stream",
		Long:  "Write a synthetic MPEG transport stream with H.264 video, AAC audio and optional CEA-608 captions. Pictures are filler; timing, keyframes and parameter sets are real.",
		Example: `  reel gen clip.ts --duration 30s --fps 25
  reel gen captions.ts --captions '1-3=Hello' --captions '4-6=World'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			so, err := opts.streamOptions()
			if err != nil {
				return err
			}
			if err := writeStream(args[0], so); err != nil {
				return err
			}
			e.log.Info("stream written", "path", args[0], "duration", so.Duration, "captions", len(so.Captions))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.DurationVarP(&opts.Duration, "duration", "d", opts.Duration, "Stream duration")
	flags.IntVar(&opts.FPS, "fps", opts.FPS, "Video frame rate")
	flags.IntVar(&opts.SampleRate, "rate", opts.SampleRate, "Audio sample rate")
	flags.IntVar(&opts.Channels, "channels", opts.Channels, "Audio channels")
	flags.IntVar(&opts.Width, "width", opts.Width, "Video width")
	flags.IntVar(&opts.Height, "height", opts.Height, "Video height")
	flags.IntVar(&opts.GOP, "gop", opts.GOP, "Frames per keyframe interval")
	flags.BoolVar(&opts.BFrames, "bframes", false, "Emit B-frames with reordered timestamps")
	flags.StringArrayVar(&opts.Captions, "captions", nil, "Caption cue START-END=TEXT in seconds, repeatable")
	return cmd
}

func (o *genOptions) streamOptions() (testsrc.StreamOptions, error) {
	so := testsrc.DefaultStreamOptions()
	so.Duration = o.Duration
	so.FPS = o.FPS
	so.SampleRate = o.SampleRate
	so.Channels = o.Channels
	so.Width = o.Width
	so.Height = o.Height
	so.GOP = o.GOP
	so.BFrames = o.BFrames
	for _, c := range o.Captions {
		cue, err := parseCue(c)
		if err != nil {
			return so, err
		}
		so.Captions = append(so.Captions, cue)
	}
	return so, nil
}

// parseCue reads "1.5-4=Some text".
func parseCue(s string) (cea608.Cue, error) {
	span, text, ok := strings.Cut(s, "=")
	if !ok || text == "" {
		return cea608.Cue{}, fmt.Errorf("caption %q: want START-END=TEXT", s)
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return cea608.Cue{}, fmt.Errorf("caption %q: want START-END=TEXT", s)
	}
	start, err := strconv.ParseFloat(from, 64)
	if err != nil {
		return cea608.Cue{}, fmt.Errorf("caption %q: start: %w", s, err)
	}
	end, err := strconv.ParseFloat(to, 64)
	if err != nil {
		return cea608.Cue{}, fmt.Errorf("caption %q: end: %w", s, err)
	}
	if start < 0 || end <= start {
		return cea608.Cue{}, fmt.Errorf("caption %q: end must follow start", s)
	}
	return cea608.Cue{Start: start, End: end, Text: text}, nil
}

func writeStream(path string, so testsrc.StreamOptions) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	w := bufio.NewWriterSize(f, 1<<16)
	if err := testsrc.WriteTransportStream(w, so); err != nil {
		return err
	}
	return w.Flush()
}
