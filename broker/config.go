package broker

import (
	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"

	"github.com/mochi-hpc/mofka-go/errext"
)

// Config holds the broker server's options.
type Config struct {
	// Address the transport engine listens on, e.g. "ws://0.0.0.0:9420".
	Address null.String `json:"address" envconfig:"MOFKA_ADDRESS"`
	// GroupFile is the membership document; when unset the server runs as
	// a single-member deployment of itself.
	GroupFile null.String `json:"groupFile" envconfig:"MOFKA_GROUP_FILE"`
	// DataDir roots the directory snapshot and the file blob stores.
	DataDir null.String `json:"dataDir" envconfig:"MOFKA_DATA_DIR"`
	// Master forces (or forbids) hosting the directory database. By
	// default the first group member is the master.
	Master null.Bool `json:"master" envconfig:"MOFKA_MASTER"`
}

// NewConfig returns a Config with defaults for some fields.
func NewConfig() Config {
	return Config{
		Address: null.NewString("ws://127.0.0.1:9420", false),
		DataDir: null.NewString("mofka-data", false),
	}
}

// Apply saves non-zero values from the passed config in the receiver.
func (c Config) Apply(cfg Config) Config {
	if cfg.Address.Valid && cfg.Address.String != "" {
		c.Address = cfg.Address
	}
	if cfg.GroupFile.Valid {
		c.GroupFile = cfg.GroupFile
	}
	if cfg.DataDir.Valid && cfg.DataDir.String != "" {
		c.DataDir = cfg.DataDir
	}
	if cfg.Master.Valid {
		c.Master = cfg.Master
	}
	return c
}

// ConfigFromEnv reads MOFKA_* environment overrides.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, errext.WithKind(err, errext.InvalidConfig)
	}
	return cfg, nil
}
