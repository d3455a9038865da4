// Command recorder watches a live audio stream and records whenever someone
// speaks. Recordings are chunked into a local store and uploaded later.
package main

import (
	"os"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "smart-audio-monitor"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
