package bootloader

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is everything about a boot that is not in the image itself.
type Config struct {
	KernelPath      string `yaml:"kernel_path"`
	LinkBase        uint64 `yaml:"link_base"`
	MaxExitAttempts int    `yaml:"max_exit_attempts"`
	LogLevel        string `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		KernelPath:      DefaultKernelPath,
		LinkBase:        DefaultLinkBase,
		MaxExitAttempts: DefaultMaxExitAttempts,
		LogLevel:        "info",
	}
}

// LoadConfig reads YAML over the defaults, so a file only has to name what
// it changes.
func LoadConfig(r io.Reader) (Config, error) {
	c := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var result *multierror.Error
	if c.KernelPath == "" {
		result = multierror.Append(result, fmt.Errorf("kernel_path is empty"))
	}
	if c.LinkBase%0x1000 != 0 {
		result = multierror.Append(result, fmt.Errorf("link_base 0x%x is not page aligned", c.LinkBase))
	}
	if c.MaxExitAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("max_exit_attempts must be at least 1, not %d", c.MaxExitAttempts))
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug", "stats", "none":
	default:
		result = multierror.Append(result, fmt.Errorf("log_level %q is not one of error, warn, info, debug, stats, none", c.LogLevel))
	}
	return result.ErrorOrNil()
}
