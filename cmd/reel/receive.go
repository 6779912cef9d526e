package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/sink"
)

type receiveOptions struct {
	Addr  string
	Hosts []string
	Quiet bool
}

func newReceiveCommand(g *globalOptions) *cobra.Command {
	opts := &receiveOptions{}

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive samples from `reel play --sink quic://`",
		Long:  "Run a QUIC sample receiver with a fresh self-signed certificate and print every record. Senders pin the printed fingerprint.",
		Example: `  reel receive --addr :4443
  reel play clip.ts --sink quic://127.0.0.1:4443 --fingerprint <fingerprint>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context(), e.log)
			defer cancel()

			cert, err := certs.Generate(certs.DefaultValidity, opts.Hosts...)
			if err != nil {
				return fmt.Errorf("failed to generate cert: %w", err)
			}
			out := cmd.OutOrStdout()
			var h sink.Handler
			if !opts.Quiet {
				h = printer(out)
			}
			r, err := sink.ListenQUIC(opts.Addr, cert, h, e.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "listening on %s\nfingerprint %s\n", r.Addr(), r.Fingerprint())

			err = r.Serve(ctx)
			conns, records := r.Stats()
			e.log.Info("receiver stopped", "connections", conns, "records", records)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Addr, "addr", ":4443", "UDP listen address")
	flags.StringSliceVar(&opts.Hosts, "host", nil, "Extra certificate DNS names or IPs")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Count records without printing them")
	return cmd
}

// printer writes one line per record. Records arrive concurrently from
// several streams.
func printer(w io.Writer) sink.Handler {
	var mu sync.Mutex
	return func(r sink.Record) {
		mu.Lock()
		defer mu.Unlock()
		disc := ""
		if r.Discontinuity {
			disc = " discontinuity"
		}
		fmt.Fprintf(w, "%s stream=%d kind=%s ts=%s dur=%s bytes=%d%s\n",
			r.Label, r.Stream, r.Kind, r.Timestamp, r.Duration, len(r.Payload), disc)
	}
}
