// Package config loads the paintsync server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/paintsync/internal/core/chunk"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/server"
)

type StorageMode string

const (
	// ModeChunked stores the canvas as {x}_{y}.chunk files.
	ModeChunked StorageMode = "chunked"
	// ModeLegacy stores the whole canvas in one file and sends it to every
	// joining client.
	ModeLegacy StorageMode = "legacy"
)

type BackendKind string

const (
	BackendDisk   BackendKind = "disk"
	BackendMemory BackendKind = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Storage struct {
	Mode    StorageMode `yaml:"mode"`
	Backend BackendKind `yaml:"backend"`
	// Dir holds the canvas files of the disk backend.
	Dir string `yaml:"dir"`

	chunk.Options `yaml:",inline"`
}

type Config struct {
	Server  server.Config `yaml:"server"`
	Storage Storage       `yaml:"storage"`
	Log     log.Config    `yaml:"log"`
}

func Default() Config {
	return Config{
		Server: server.DefaultServerConfig(),
		Storage: Storage{
			Mode:    ModeChunked,
			Backend: BackendDisk,
			Dir:     "canvas",
			Options: chunk.DefaultOptions(),
		},
		Log: log.DefaultConfig(),
	}
}

// Load reads path on top of the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes YAML from r on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}

	switch c.Storage.Mode {
	case ModeChunked, ModeLegacy:
	default:
		return fmt.Errorf("%w: storage.mode %q", ErrInvalidConfig, c.Storage.Mode)
	}
	switch c.Storage.Backend {
	case BackendDisk:
		if c.Storage.Dir == "" {
			return fmt.Errorf("%w: storage.dir is required for the disk backend", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.Size <= 0 || c.Storage.Size > 0xFFFF {
		return fmt.Errorf("%w: storage.chunk_size %d", ErrInvalidConfig, c.Storage.Size)
	}
	if c.Storage.Cache.Tick <= 0 {
		return fmt.Errorf("%w: storage.tick must be positive", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
