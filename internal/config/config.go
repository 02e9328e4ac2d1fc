// Package config describes the proxy configuration and loads the per-URL
// bandwidth rules.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/anton-dessiatov/throttleproxy/internal/bandwidth"
)

// DefaultPort is the SOCKS listening port used when none is configured.
const DefaultPort = 1080

// DefaultConnectTimeout bounds the upstream dial.
const DefaultConnectTimeout = 3 * time.Second

// Config is the process configuration.
type Config struct {
	Port           int
	PACPort        int
	IncomingSpeed  bandwidth.Rate
	OutgoingSpeed  bandwidth.Rate
	Delay          time.Duration
	ConnectTimeout time.Duration
	URLsConfig     []URLConfig
}

// URLConfig binds a URL to optional bandwidth overrides. Zero speeds fall
// back to the global ones.
type URLConfig struct {
	URL           string         `json:"url" yaml:"url"`
	IncomingSpeed bandwidth.Rate `json:"incomingSpeed,omitempty" yaml:"incomingSpeed,omitempty"`
	OutgoingSpeed bandwidth.Rate `json:"outgoingSpeed,omitempty" yaml:"outgoingSpeed,omitempty"`
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Port:           DefaultPort,
		IncomingSpeed:  bandwidth.Unlimited,
		OutgoingSpeed:  bandwidth.Unlimited,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// LoadURLs reads the ordered rule list from path. Files ending in .yaml or
// .yml are decoded as YAML, anything else as JSON. A missing path, an
// unreadable file or malformed content yields an empty list.
func LoadURLs(path string, log zerolog.Logger) []URLConfig {
	if path == "" {
		return nil
	}

	urls, err := readURLs(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ignoring URLs config")
		return nil
	}
	log.Info().Str("path", path).Int("rules", len(urls)).Msg("URLs config loaded")
	return urls
}

func readURLs(path string) ([]URLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var urls []URLConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &urls)
	default:
		err = json.Unmarshal(data, &urls)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return urls, nil
}
