// Package config loads blockpoold's daemon configuration, following the
// teacher's conf.MenderConfigFromFile idiom: a flat JSON file read with
// encoding/json, defaults filled in after decode.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the closed set of runtime-tunable environment options, plus
// the ambient daemon settings (state directory, logging) that any real
// service needs.
type Config struct {
	// StateDir holds the engine's persistent table-of-pools store
	// (an LMDB environment) and is the default search root for
	// liminal device scans in sim mode.
	StateDir string `json:"StateDir"`

	// Sim selects the simulation backend (pkg/sim) instead of the real
	// kernel-backed engine. Does not affect on-disk format.
	Sim bool `json:"Sim"`

	// DataBlockSizeSectors is decoded from the config file, but nothing
	// in the daemon reads it: the thin pool always uses
	// thinpool.DataBlockSize.
	DataBlockSizeSectors uint64 `json:"DataBlockSizeSectors"`

	// ThinDeviceSizeSectors is decoded from the config file, but nothing
	// in the daemon reads it: a filesystem created without an explicit
	// size always gets thinpool.DefaultFilesystemSize.
	ThinDeviceSizeSectors uint64 `json:"ThinDeviceSizeSectors"`

	LogLevel  string `json:"LogLevel"`
	LogJSON   bool   `json:"LogJSON"`
	SyslogTag string `json:"SyslogTag"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		StateDir: "/var/lib/blockpoold",
		LogLevel: "info",
	}
}

// Load reads and decodes path, overlaying onto Default() so a partial
// file only needs to mention the fields it wants to change.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}

	return cfg, nil
}
