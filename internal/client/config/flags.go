package config

import (
	"flag"
	"os"
	"time"

	"github.com/loopflowstudio/cadenza/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the Cadenza API server (default from Config)
//	-t string   bearer token for API calls
//	-m string   media directory (default from Config)
//	-d string   SQLite database path (default from Config)
//	-w int      concurrent upload workers (default from Config)
//	-i int      sync interval in seconds (default from Config)
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-m", "-d", "-w", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerBaseURL, "a", cfg.ServerBaseURL, "base URL of the Cadenza API server")
	fs.StringVar(&cfg.BearerToken, "t", cfg.BearerToken, "bearer token for API calls")
	fs.StringVar(&cfg.MediaDir, "m", cfg.MediaDir, "media directory")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "SQLite database path")
	fs.IntVar(&cfg.Workers, "w", cfg.Workers, "concurrent upload workers")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
