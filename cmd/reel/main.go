// Command reel probes, plays and generates media through the reel
// playback pipeline.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
