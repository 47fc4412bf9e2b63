package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// ConfigSource provides configuration values to Lua scripts.
type ConfigSource interface {
	// Get returns the value for a key and whether it was present
	Get(key string) (interface{}, bool)
}

// MapConfigSource is a ConfigSource backed by a map.
type MapConfigSource struct {
	values map[string]interface{}
}

// NewMapConfigSource creates a config source from a map. A nil map yields an
// empty source.
func NewMapConfigSource(values map[string]interface{}) *MapConfigSource {
	if values == nil {
		values = make(map[string]interface{})
	}
	return &MapConfigSource{values: values}
}

// Get implements ConfigSource
func (s *MapConfigSource) Get(key string) (interface{}, bool) {
	value, ok := s.values[key]
	return value, ok
}

// ConfigService exposes a ConfigSource to Lua scripts as the global `config`
// module.
type ConfigService struct {
	source ConfigSource
}

// NewConfigService creates a new config service
func NewConfigService(source ConfigSource) *ConfigService {
	if source == nil {
		source = NewMapConfigSource(nil)
	}
	return &ConfigService{source: source}
}

// Register adds the config service to the Lua state
// Usage in Lua:
//
//	local endpoint = config.get("api_endpoint")
//	local timeout = config.get("timeout", 30)
func (s *ConfigService) Register(L *lua.LState) {
	mod := L.NewTable()

	L.SetField(mod, "get", L.NewFunction(s.luaConfigGet))

	L.SetGlobal("config", mod)
}

// luaConfigGet implements config.get
// Args: key (string), [default (any)]
// Returns: the configured value, the default if missing, or nil
func (s *ConfigService) luaConfigGet(L *lua.LState) int {
	key := L.CheckString(1)

	value, ok := s.source.Get(key)
	if !ok {
		if L.GetTop() >= 2 {
			L.Push(L.Get(2))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}

	L.Push(GoToLua(L, value))
	return 1
}
