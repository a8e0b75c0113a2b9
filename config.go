package vault

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"
)

// Config configures the vault instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for sharding or
// tiering.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string `yaml:"paths"`
	// MinimumFreeGB is a free-space threshold for on-disk operations.
	MinimumFreeGB uint `yaml:"minimumFreeGB"`
	// Compress enables xz compression of plaintext before sealing.
	Compress bool `yaml:"compress"`
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file and applies defaults for absent
// values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(config.Paths) == 0 {
		config.Paths = []string{"./data"}
	}
	return config, nil
}
