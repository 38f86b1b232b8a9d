package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration. It can be read from a YAML file given
// with --config; flags set on the command line override file values.
type Config struct {
	LogLevel      string        `yaml:"log_level"`
	Timeout       time.Duration `yaml:"timeout"`
	AllowHosts    []string      `yaml:"allow_hosts"`
	Memory        string        `yaml:"memory"`
	NoCache       bool          `yaml:"no_cache"`
	CacheDir      string        `yaml:"cache_dir"`
	WASI          bool          `yaml:"wasi"`
	NoStreaming   bool          `yaml:"no_streaming"`
	NoBuiltins    bool          `yaml:"no_builtins"`
	MaxModuleSize int64         `yaml:"max_module_size"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "warn",
		Timeout:       30 * time.Second,
		MaxModuleSize: 64 << 20,
	}
}

// loadConfigFile overlays the YAML file at path on the defaults. An empty
// path yields the defaults.
func loadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags copies every flag the user set explicitly into cfg.
func applyFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "timeout":
			cfg.Timeout, err = flags.GetDuration("timeout")
		case "allow-host":
			cfg.AllowHosts, err = flags.GetStringSlice("allow-host")
		case "memory":
			cfg.Memory = f.Value.String()
		case "no-cache":
			cfg.NoCache, err = flags.GetBool("no-cache")
		case "cache-dir":
			cfg.CacheDir = f.Value.String()
		case "wasi":
			cfg.WASI, err = flags.GetBool("wasi")
		case "no-streaming":
			cfg.NoStreaming, err = flags.GetBool("no-streaming")
		case "no-builtins":
			cfg.NoBuiltins, err = flags.GetBool("no-builtins")
		case "max-module-size":
			cfg.MaxModuleSize, err = flags.GetInt64("max-module-size")
		}
	})
	return err
}
