// Package config loads seco settings from YAML.
//
// Settings are resolved in order: built-in defaults, then a config file, then command line flags (applied by the
// caller). The config file is either given explicitly or found by looking for .seco.yaml in the working directory
// and its parents.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/seco/internal/files"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the config file looked up by Discover.
const FileName = ".seco.yaml"

type Config struct {
	// BaseDir is the rendezvous directory holding instance sockets.
	BaseDir string `yaml:"base_dir"`

	// PollInterval bounds how long stopping a listener waits for its accept loop.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReadTimeout bounds how long a listener waits for a client's command.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds each response frame written by a listener.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ClientTimeout bounds each read of a response by a client. Zero disables it.
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// HTTPGateway makes started instances also serve HTTP next to their socket.
	HTTPGateway bool `yaml:"http_gateway"`
}

func Default() Config {
	return Config{
		BaseDir:       filepath.Join(os.TempDir(), "server-control"),
		PollInterval:  500 * time.Millisecond,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
		ClientTimeout: 30 * time.Second,
		LogLevel:      "info",
	}
}

// Load reads the config file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Discover loads the nearest FileName found from dir upwards, returning its path.
// If there is none, it returns the defaults and an empty path.
func Discover(dir string) (Config, string, error) {
	path, err := files.FindUp(FileName, dir)
	if err != nil {
		return Config{}, "", fmt.Errorf("looking for %s: %w", FileName, err)
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

func (c Config) Validate() error {
	var errs []error
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base_dir must not be empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read_timeout must be positive, got %s", c.ReadTimeout))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.ClientTimeout < 0 {
		errs = append(errs, fmt.Errorf("client_timeout must not be negative, got %s", c.ClientTimeout))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Level() (zapcore.Level, error) {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
