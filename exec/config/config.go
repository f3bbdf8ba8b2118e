package config

import (
	"fmt"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config carries the tunables of the execution core.
type Config struct {
	LogLevel string `toml:"log-level"`

	// BucketCount is the shard count of concurrent storages. Should be on the
	// order of the hardware concurrency.
	BucketCount int `toml:"bucket-count"`

	// Workers is the scheduler's target parallelism.
	Workers int `toml:"workers"`

	// ChunkFactor sizes a scheduling chunk as ChunkFactor * Workers.
	ChunkFactor int `toml:"chunk-factor"`

	// DBPath selects the on-disk backend directory. Empty keeps the backend
	// in memory.
	DBPath string `toml:"db-path"`
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		BucketCount: runtime.NumCPU(),
		Workers:     runtime.NumCPU(),
		ChunkFactor: 8,
	}
}

func (c *Config) Validate() error {
	if c.BucketCount <= 0 {
		return fmt.Errorf("bucket count must be greater than 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if c.ChunkFactor <= 0 {
		return fmt.Errorf("chunk factor must be greater than 0")
	}
	return nil
}

// ChunkSize returns the scheduling chunk length.
func (c *Config) ChunkSize() int {
	return c.ChunkFactor * c.Workers
}

// LoadFromFile overlays the TOML file at path onto c.
func (c *Config) LoadFromFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Annotatef(err, "load config from %s", path)
	}
	return errors.Trace(c.Validate())
}
