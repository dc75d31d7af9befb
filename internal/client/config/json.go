package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/loopflowstudio/cadenza/internal/flagx"
	"github.com/loopflowstudio/cadenza/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "30s" or as integer nanoseconds. After parsing, values
// are copied into the runtime Config (which uses time.Duration).
type JsonConfig struct {
	ServerBaseURL  string         `json:"server_base_url"`
	BearerToken    string         `json:"bearer_token"`
	MediaDir       string         `json:"media_dir"`
	DatabasePath   string         `json:"database_path"`
	Workers        int            `json:"workers"`
	MaxAttempts    int            `json:"max_attempts"`
	BackoffBase    timex.Duration `json:"backoff_base"`
	BackoffJitter  timex.Duration `json:"backoff_jitter"`
	SyncInterval   timex.Duration `json:"sync_interval"`
	RequestTimeout timex.Duration `json:"request_timeout"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// Lookup order for the JSON file path:
//  1. Command-line flags (-c or -config) via flagx.JsonConfigFlags().
//  2. If empty, no JSON is loaded and the function returns.
//
// Only fields present with non-zero values in the file override the current
// Config. Panics on read or unmarshal errors (caller should recover if
// desired).
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerBaseURL != "" {
		cfg.ServerBaseURL = jc.ServerBaseURL
	}
	if jc.BearerToken != "" {
		cfg.BearerToken = jc.BearerToken
	}
	if jc.MediaDir != "" {
		cfg.MediaDir = jc.MediaDir
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.Workers > 0 {
		cfg.Workers = jc.Workers
	}
	if jc.MaxAttempts > 0 {
		cfg.MaxAttempts = jc.MaxAttempts
	}
	if jc.BackoffBase.Duration > 0 {
		cfg.BackoffBase = time.Duration(jc.BackoffBase.Duration)
	}
	if jc.BackoffJitter.Duration > 0 {
		cfg.BackoffJitter = time.Duration(jc.BackoffJitter.Duration)
	}
	if jc.SyncInterval.Duration > 0 {
		cfg.SyncInterval = time.Duration(jc.SyncInterval.Duration)
	}
	if jc.RequestTimeout.Duration > 0 {
		cfg.RequestTimeout = time.Duration(jc.RequestTimeout.Duration)
	}
}
