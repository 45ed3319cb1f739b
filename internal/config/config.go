// Package config loads daemon configuration from YAML with sane defaults
// for anything left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// DataDir holds the badger database.
	DataDir string `yaml:"dataDir"`
	// MinimumFreeGB refuses startup below this much free disk.
	MinimumFreeGB uint64 `yaml:"minimumFreeGB"`
	// SigningCurve is "p256" or "k256".
	SigningCurve string `yaml:"signingCurve"`
	// AuthSecret, when set, gates the API behind HMAC bearer tokens.
	AuthSecret string `yaml:"authSecret"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"logLevel"`
}

// Load reads path, or returns pure defaults when path is empty.
func Load(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if config.Listen == "" {
		config.Listen = ":4242"
	}
	if config.DataDir == "" {
		config.DataDir = "./pds-data"
	}
	if config.SigningCurve == "" {
		config.SigningCurve = "p256"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	return config, nil
}
