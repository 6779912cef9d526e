package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
)

type probeResult struct {
	media.MediaInfo
	SeekPoints []media.SeekPoint `json:"seek_points"`
}

func newProbeCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <url>",
		Short: "Print stream information and the seek table",
		Example: `  reel probe testdata/clip.ts
  reel probe 'testsrc://?duration=30s&fps=25'
  reel probe 'srt://ingest.example.com:6000?streamid=live/cam1'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context(), e.log)
			defer cancel()
			return runProbe(ctx, cmd, e, args[0])
		},
	}
}

func runProbe(ctx context.Context, cmd *cobra.Command, e *env, url string) (err error) {
	lib := avlib.Init(e.log)
	defer func() { err = errors.Join(err, lib.Close()) }()

	pc, err := e.cfg.PlayerConfig()
	if err != nil {
		return err
	}
	dcfg := demux.DefaultConfig()
	dcfg.MaxPackets = pc.MaxPackets
	dcfg.MaxBytes = pc.MaxPacketBytes
	dcfg.MaxCorruptPackets = pc.MaxCorruptPackets

	d, err := demux.Open(ctx, lib, url, dcfg, e.log)
	if err != nil {
		return err
	}
	res := probeResult{MediaInfo: d.Info(), SeekPoints: d.SeekPoints()}
	if err := d.Close(); err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
