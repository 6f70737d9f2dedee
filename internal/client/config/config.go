// Package config handles configuration for the Tally CLI,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the Tally client.
//
// Fields:
//   - RelayEndpointAddr: base URL of the relay, e.g. "http://127.0.0.1:8080".
//   - DatabasePath: path of the local encrypted SQLite ledger.
//   - SyncInterval: how often the background sync loop runs while the REPL
//     is open. Zero disables background sync.
type Config struct {
	RelayEndpointAddr string
	DatabasePath      string
	SyncInterval      time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.RelayEndpointAddr = "http://127.0.0.1:8080"
	c.DatabasePath = "tally.db"
	c.SyncInterval = 30 * time.Second
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
