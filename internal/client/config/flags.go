package config

import (
	"flag"
	"os"
	"time"

	"github.com/tallysync/tally/internal/flagx"
)

// parseFlags populates selected client Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   relay base URL (e.g., "http://127.0.0.1:8080")
//	-f string   local database path
//	-i int      background sync interval, seconds (0 disables)
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-f", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.RelayEndpointAddr, "a", config.RelayEndpointAddr, "relay base URL")
	fs.StringVar(&config.DatabasePath, "f", config.DatabasePath, "local database path")

	syncInterval := fs.Int("i", int(config.SyncInterval.Seconds()), "sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SyncInterval = time.Duration(*syncInterval) * time.Second
}
