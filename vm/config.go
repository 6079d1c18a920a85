package vm

import (
	"os"

	"github.com/naoina/toml"
)

// LoadHostConfig reads a TOML host configuration file, starting from
// DefaultHostConfig so an incomplete file only overrides what it sets.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// HostConfig mirrors the fields a CLI front end typically loads from a TOML
// config file via naoina/toml before calling New; New itself never reads
// configuration from disk; it only accepts programmatic Options (§4.6).
type HostConfig struct {
	MaxLocals     uint32 `toml:"max_locals"`
	MaxGlobals    uint32 `toml:"max_globals"`
	MaxHeapValues uint32 `toml:"max_heap_values"`

	Stdlib struct {
		IO     bool `toml:"io"`
		Crypto bool `toml:"crypto"`
	} `toml:"stdlib"`

	Debug struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"debug"`
}

// DefaultHostConfig returns the values a bare `hulac`/`hularepl` invocation
// uses when no config file is present.
func DefaultHostConfig() HostConfig {
	cfg := HostConfig{MaxLocals: 1024, MaxGlobals: 1024, MaxHeapValues: 1 << 16}
	cfg.Stdlib.IO = true
	return cfg
}
