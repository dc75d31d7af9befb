package config

import "time"

// Config holds runtime settings for the Cadenza client agent.
//
// Units: durations are time.Duration values (e.g., 30*time.Second).
type Config struct {
	// ServerBaseURL is the base URL of the Cadenza API server.
	ServerBaseURL string
	// BearerToken authenticates API calls for the signed-in user.
	BearerToken string
	// MediaDir is the root directory for captured video and thumbnail files.
	MediaDir string
	// DatabasePath is the SQLite file for the local submission store.
	DatabasePath string
	// Workers caps concurrent uploads.
	Workers int
	// MaxAttempts is the automatic retry ceiling per submission.
	MaxAttempts int
	// BackoffBase is the first retry delay; later delays grow exponentially.
	BackoffBase time.Duration
	// BackoffJitter is the randomized variance added to each retry delay.
	BackoffJitter time.Duration
	// SyncInterval is how often the reconciler probes the server.
	SyncInterval time.Duration
	// RequestTimeout bounds individual API calls. Presigned transfers are
	// exempt: large videos on slow links need the full context deadline.
	RequestTimeout time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerBaseURL = "http://127.0.0.1:8080"
	c.MediaDir = "./media"
	c.DatabasePath = "./cadenza.db"
	c.Workers = 3
	c.MaxAttempts = 5
	c.BackoffBase = 2 * time.Second
	c.BackoffJitter = 500 * time.Millisecond
	c.SyncInterval = 30 * time.Second
	c.RequestTimeout = 15 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
