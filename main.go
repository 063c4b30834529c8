package main

import (
	"fmt"
	"os"

	"github.com/tphakala/birdnet-census/cmd"
	"github.com/tphakala/birdnet-census/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	settings := &conf.Settings{Version: version, BuildDate: buildDate}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
