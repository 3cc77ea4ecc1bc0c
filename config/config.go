// Package config loads decoder settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

type Input struct {
	File     string `toml:"file"`
	LinkType string `toml:"link_type"`
	Filter   string `toml:"filter"`
	Passes   int    `toml:"passes"`
}

type Metrics struct {
	Listen    string `toml:"listen"`
	GoMetrics bool   `toml:"go_metrics"`
}

type Log struct {
	Debug bool `toml:"debug"`
}

type Config struct {
	Input   Input   `toml:"input"`
	Metrics Metrics `toml:"metrics"`
	Log     Log     `toml:"log"`
}

// Default returns the settings used when neither a file nor flags say
// otherwise.
func Default() Config {
	return Config{Input: Input{Passes: 1}}
}

// Load reads path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, fmt.Errorf("parse config %s:%d:%d: %w", path, row, col, err)
		}
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var err error
	if c.Input.File == "" {
		err = multierr.Append(err, errors.New("input.file is required"))
	}
	switch c.Input.LinkType {
	case "", "ppp", "ppp_with_dir":
	default:
		err = multierr.Append(err, fmt.Errorf("input.link_type %q is not one of ppp, ppp_with_dir", c.Input.LinkType))
	}
	if c.Input.Passes < 1 {
		err = multierr.Append(err, fmt.Errorf("input.passes must be at least 1, got %d", c.Input.Passes))
	}
	if c.Metrics.Listen != "" {
		if _, _, splitErr := net.SplitHostPort(c.Metrics.Listen); splitErr != nil {
			err = multierr.Append(err, fmt.Errorf("metrics.listen: %w", splitErr))
		}
	}
	return err
}
