package overlay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.ProtocolTag == "" {
		c.ProtocolTag = DefaultProtocolTag
	}

	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.ExchangeMemory == 0 {
		c.ExchangeMemory = DefaultExchangeMemory
	}

	return c
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake_timeout must not be negative", ErrInvalidConfig)
	}

	if c.ExchangeMemory < 0 {
		return fmt.Errorf("%w: exchange_memory must not be negative", ErrInvalidConfig)
	}

	if c.MaxArcsPerPeer < 0 {
		return fmt.Errorf("%w: max_arcs_per_peer must not be negative", ErrInvalidConfig)
	}

	return nil
}

// LoadConfig reads a YAML configuration file and applies defaults.
// A path starting with "~/" is expanded to the user's home directory.
func LoadConfig(path string) (Config, error) {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = home + path[1:]
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
