package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix is stripped from environment variable names before they are
// mapped onto config keys.
const envPrefix = "CROSSFED_"

// Loader is a thin wrapper around koanf that merges defaults, an optional
// config file, environment variables, and command-line flags.
type Loader struct {
	k          *koanf.Koanf
	configPath string
}

// NewLoader creates a configuration loader that reads from a file and
// overlays CROSSFED_-prefixed environment variables on top of it.
//
// The file format (YAML, JSON, or TOML) is auto-detected from the extension.
// Environment variables like CROSSFED_SERVER__GRPC_PORT map to server.grpc_port
// If configPath is empty, only environment variables and defaults will be loaded.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CROSSFED_*)
//  2. Configuration file (if provided)
//  3. Built-in defaults
func NewLoader(configPath string) (*Loader, error) {
	return newLoader(configPath, nil)
}

// NewLoaderWithFlags is NewLoader plus command-line flag support.
// Flags sit above environment variables in precedence.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (CROSSFED_*)
//  3. Configuration file (if provided)
//  4. Built-in defaults
func NewLoaderWithFlags(configPath string, flags *pflag.FlagSet) (*Loader, error) {
	return newLoader(configPath, flags)
}

// getDefaults returns the built-in configuration values.
func getDefaults() map[string]interface{} {
	return map[string]interface{}{
		"server.grpc_port": 9090,
		"server.http_port": 8080,
		"trust_domain":     "crossfed.local",
		"trust_store.type": "provider_store",
	}
}

func newLoader(configPath string, flags *pflag.FlagSet) (*Loader, error) {
	k := koanf.New(".")

	// Defaults sit at the bottom of the precedence stack
	if err := k.Load(confmap.Provider(getDefaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		parser, err := getParserForFile(configPath)
		if err != nil {
			return nil, err
		}

		if err := k.Load(file.Provider(configPath), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Flags go on last so an explicitly set flag wins over everything
	if flags != nil {
		flagMapping := GetFlagMapping()

		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			configKey, ok := flagMapping[f.Name]
			if !ok {
				// Flag has no config key behind it, skip
				return "", nil
			}

			// Defaults from pflag must not clobber file or env values
			if !f.Changed {
				return "", nil
			}

			return configKey, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load command-line flags: %w", err)
		}
	}

	return &Loader{
		k:          k,
		configPath: configPath,
	}, nil
}

// Get unmarshals the merged configuration into a Config struct.
func (l *Loader) Get() (*Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Raw returns the merged configuration as a nested map, keyed the way the
// config file and environment variables spell it
func (l *Loader) Raw() map[string]interface{} {
	return l.k.Raw()
}

// reloadFromFile rebuilds the merged configuration from the watched file
// plus environment variables and returns the unmarshaled result.
func (l *Loader) reloadFromFile(fp *file.File) (*Config, *koanf.Koanf, error) {
	parser, err := getParserForFile(l.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config parser error: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(fp, parser); err != nil {
		return nil, nil, fmt.Errorf("config reload error: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, nil, fmt.Errorf("env reload error: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	return &cfg, k, nil
}

// Watch watches the config file for changes and calls onChange with each
// successfully reloaded config. It runs until the context is cancelled.
//
// Note: not every component tolerates hot reload; callers decide what to
// rewire. Without a config file this blocks until cancellation.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config) error) error {
	if l.configPath == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	fp := file.Provider(l.configPath)

	if err := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			// A transient watch error should not end the watch
			fmt.Printf("config watch error: %v\n", err)
			return
		}

		cfg, k, err := l.reloadFromFile(fp)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}

		l.k = k

		if err := onChange(cfg); err != nil {
			fmt.Printf("config onChange error: %v\n", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// getParserForFile picks a koanf parser from the file extension.
func getParserForFile(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json, .toml)", ext)
	}
}

// envTransform maps environment variable names onto config keys. Double
// underscore separates nesting levels; single underscores stay part of
// the field name:
//
//	CROSSFED_SERVER__GRPC_PORT -> server.grpc_port
//	CROSSFED_TRUST_DOMAIN -> trust_domain
func envTransform(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", ".")
	return s
}
