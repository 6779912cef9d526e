package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/avlib"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/player"
	"github.com/zsiec/reel/internal/sink"
)

type playOptions struct {
	Seek        time.Duration
	Rate        float64
	Loop        bool
	Sink        string
	Fingerprint string
	Progress    time.Duration
}

func newPlayCommand(g *globalOptions) *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play <url>",
		Short: "Play a source to a sample sink",
		Long:  "Play a source until it ends or the process is signalled, printing progress and a summary of what the sink received.",
		Example: `  reel play clip.ts
  reel play clip.ts --seek 1m30s --rate 2
  reel play 'testsrc://?duration=1m' --sink record
  reel play clip.ts --sink quic://127.0.0.1:4443 --fingerprint 3f:a9:...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := opts.apply(e.cfg); err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context(), e.log)
			defer cancel()
			return runPlay(ctx, cmd.OutOrStdout(), e, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.Seek, "seek", 0, "Start position")
	flags.Float64Var(&opts.Rate, "rate", 1, "Playback rate")
	flags.BoolVar(&opts.Loop, "loop", false, "Restart from the beginning at the end")
	flags.StringVar(&opts.Sink, "sink", "", "Sample sink: discard, record or quic://host:port")
	flags.StringVar(&opts.Fingerprint, "fingerprint", "", "SHA-256 certificate fingerprint of the QUIC receiver")
	flags.DurationVar(&opts.Progress, "progress", time.Second, "Progress report interval, 0 disables")

	cmd.RegisterFlagCompletionFunc("sink", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"discard", "record", "quic://"}, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
	})
	return cmd
}

// apply folds the command line into the loaded config.
func (o *playOptions) apply(cfg *config.Config) error {
	if o.Loop {
		cfg.Player.Loop = true
	}
	switch {
	case o.Sink == "":
	case strings.HasPrefix(o.Sink, "quic://"):
		cfg.Sink.Kind = "quic"
		cfg.Sink.Addr = strings.TrimPrefix(o.Sink, "quic://")
	default:
		cfg.Sink.Kind = o.Sink
	}
	if o.Fingerprint != "" {
		cfg.Sink.Fingerprint = o.Fingerprint
	}
	return cfg.Validate()
}

type playSummary struct {
	Player   player.Stats  `json:"player"`
	Received sink.Summary  `json:"received,omitempty"`
	Dropped  int64         `json:"recorder_dropped,omitempty"`
	Wall     time.Duration `json:"wall"`
}

func runPlay(ctx context.Context, out io.Writer, e *env, url string, opts *playOptions) (err error) {
	pc, err := e.cfg.PlayerConfig()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	log := e.log.With("session", id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)
	m := e.serveMetrics(gctx, grp)
	defer func() {
		cancel()
		grp.Wait()
	}()

	lib := avlib.Init(log)
	defer func() { err = errors.Join(err, lib.Close()) }()

	var rec *sink.Recorder
	var s player.Sink
	switch e.cfg.Sink.Kind {
	case "record":
		rec = sink.NewRecorder(e.cfg.Sink.RecordLimit)
		s = rec
	case "quic":
		dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
		qs, err := sink.DialQUIC(dctx, e.cfg.Sink.Addr, sink.SenderConfig{Fingerprint: e.cfg.Sink.Fingerprint, Label: id}, log)
		dcancel()
		if err != nil {
			return err
		}
		defer qs.Close()
		s = qs
	default:
		s = &sink.Discard{}
	}

	p := player.New(lib, s, player.WithLogger(log), player.WithMetrics(m), player.WithID(id))
	defer func() { err = errors.Join(err, p.Close()) }()

	start := time.Now()
	info, err := p.Open(ctx, url, pc)
	if err != nil {
		return err
	}
	log.Info("opened", "format", info.Format, "duration", info.Duration, "streams", len(info.Streams), "live", info.Live)

	if opts.Seek > 0 {
		if err := p.Seek(ctx, opts.Seek); err != nil {
			return err
		}
	}
	if opts.Rate != 1 {
		if err := p.SetRate(opts.Rate); err != nil {
			return err
		}
	}
	if err := p.Play(); err != nil {
		return err
	}

	grp.Go(func() error {
		defer cancel()
		return watch(gctx, p, log, opts.Progress, pc.Loop && info.Seekable)
	})
	if err := grp.Wait(); err != nil {
		return err
	}

	sum := playSummary{Player: p.Stats(), Wall: time.Since(start).Round(time.Millisecond)}
	if rec != nil {
		sum.Received = rec.Summary()
		sum.Dropped = rec.Dropped()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// watch logs player events and periodic progress. It returns nil at the
// end of the media (unless looping) or when ctx is done, and the player's
// error if it fails.
func watch(ctx context.Context, p *player.Player, log *slog.Logger, every time.Duration, looping bool) error {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case player.EventStreamFailed:
				log.Warn("stream failed", "stream", ev.Stream, "error", ev.Err)
			case player.EventError:
				return fmt.Errorf("playback failed: %w", ev.Err)
			case player.EventEndReached:
				log.Info("end reached", "position", ev.Position)
				if !looping {
					return nil
				}
			default:
				log.Debug("event", "kind", ev.Kind, "position", ev.Position)
			}
		case <-tick:
			log.Info("progress",
				"state", p.State(),
				"position", p.CurrentTime().Round(time.Millisecond),
				"duration", p.Duration(),
				"rate", p.Rate(),
			)
		}
	}
}
