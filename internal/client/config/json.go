package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/tallysync/tally/internal/flagx"
	"github.com/tallysync/tally/internal/timex"
)

// JsonConfig is the JSON-shaped intermediate for Config. Interval fields use
// timex.Duration so files can say "30s" or give integer nanoseconds.
type JsonConfig struct {
	RelayEndpointAddr string         `json:"relay_endpoint_addr"`
	DatabasePath      string         `json:"database_path"`
	SyncInterval      timex.Duration `json:"sync_interval"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; when neither is set, no JSON file is loaded. Unreadable or invalid
// files panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.RelayEndpointAddr = c.RelayEndpointAddr
	config.DatabasePath = c.DatabasePath
	config.SyncInterval = time.Duration(c.SyncInterval.Duration)
}
