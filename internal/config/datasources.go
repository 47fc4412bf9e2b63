package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/crossfed-io/crossfed/internal/datasource"
	luaservices "github.com/crossfed-io/crossfed/internal/lua"
	"github.com/crossfed-io/crossfed/internal/service"
)

// NewDataSourceRegistry builds the data source registry from configuration.
// The transport, when set, is injected into every source's HTTP client so
// fixtures and instrumentation apply uniformly.
func NewDataSourceRegistry(cfg []DataSourceConfig, transport http.RoundTripper) (*service.DataSourceRegistry, error) {
	registry := service.NewDataSourceRegistry()

	for _, dsCfg := range cfg {
		ds, err := newDataSource(dsCfg, transport)
		if err != nil {
			return nil, fmt.Errorf("failed to create data source %s: %w", dsCfg.Name, err)
		}
		registry.Register(ds)
	}

	return registry, nil
}

func newDataSource(cfg DataSourceConfig, transport http.RoundTripper) (service.DataSource, error) {
	switch cfg.Type {
	case "lua":
		return newLuaDataSource(cfg, transport)
	default:
		return nil, fmt.Errorf("unknown data source type: %s (supported: lua)", cfg.Type)
	}
}

// resolveScript returns the Lua source text, reading it from script_file
// when one is configured.
func resolveScript(cfg DataSourceConfig) (string, error) {
	if cfg.ScriptFile != "" {
		content, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			return "", fmt.Errorf("failed to read script file %s: %w", cfg.ScriptFile, err)
		}
		return string(content), nil
	}
	if cfg.Script == "" {
		return "", fmt.Errorf("lua data source requires either script or script_file")
	}
	return cfg.Script, nil
}

func newLuaDataSource(cfg DataSourceConfig, transport http.RoundTripper) (service.DataSource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("data source name is required")
	}

	script, err := resolveScript(cfg)
	if err != nil {
		return nil, err
	}

	var configSource luaservices.ConfigSource
	if cfg.Config != nil {
		configSource = luaservices.NewMapConfigSource(cfg.Config)
	}

	var httpConfig *luaservices.HTTPServiceConfig
	if cfg.HTTPConfig != nil {
		httpConfig, err = buildHTTPConfig(cfg.HTTPConfig, transport)
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP config: %w", err)
		}
	}

	baseDS, err := datasource.NewLuaDataSource(datasource.LuaDataSourceConfig{
		Name:         cfg.Name,
		Script:       script,
		ConfigSource: configSource,
		HTTPConfig:   httpConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lua data source: %w", err)
	}

	if cfg.Caching != nil {
		return wrapWithCaching(baseDS, *cfg.Caching)
	}

	return baseDS, nil
}

func buildHTTPConfig(cfg *HTTPConfig, transport http.RoundTripper) (*luaservices.HTTPServiceConfig, error) {
	httpServiceCfg := &luaservices.HTTPServiceConfig{
		Timeout: 30 * time.Second,
	}

	if cfg.Timeout != "" {
		duration, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid http timeout: %w", err)
		}
		httpServiceCfg.Timeout = duration
	}

	if transport != nil {
		httpServiceCfg.Transport = transport
	}

	return httpServiceCfg, nil
}

func wrapWithCaching(ds service.DataSource, cfg CachingConfig) (service.DataSource, error) {
	switch cfg.Type {
	case "in_memory":
		return datasource.NewInMemoryCachingDataSource(ds), nil

	case "distributed":
		groupName := cfg.GroupName
		if groupName == "" {
			groupName = ds.Name() + "-cache"
		}

		cacheSize := cfg.CacheSize
		if cacheSize == 0 {
			cacheSize = 64 << 20
		}

		return datasource.NewDistributedCachingDataSource(ds, datasource.DistributedCachingConfig{
			GroupName:      groupName,
			CacheSizeBytes: cacheSize,
		}), nil

	case "none", "":
		return ds, nil

	default:
		return nil, fmt.Errorf("unknown caching type: %s (supported: in_memory, distributed, none)", cfg.Type)
	}
}
