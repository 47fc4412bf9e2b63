package datasource

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	luaservices "github.com/crossfed-io/crossfed/internal/lua"
	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/service"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// LuaDataSource runs an operator-authored Lua script per fetch. Scripts get
// the http, config, and json modules and see the exchange context as their
// input table, so a deployment can wire in an inventory or ownership API
// without recompiling the server.
type LuaDataSource struct {
	name         string
	script       string
	configSource luaservices.ConfigSource
	httpConfig   luaservices.HTTPServiceConfig
}

// LuaDataSourceConfig configures a Lua data source.
type LuaDataSourceConfig struct {
	// Name identifies this data source.
	Name string

	// Script must define a fetch(input) function returning either nil or a
	// table with 'data' (string) and 'content_type' fields.
	//
	// Example:
	//   function fetch(input)
	//     local response = http.get("https://inventory.internal/workloads/" .. input.subject.subject)
	//     if response.status == 200 then
	//       return {data = response.body, content_type = "application/json"}
	//     end
	//     return nil
	//   end
	Script string

	// ConfigSource backs the script's config.get(). Nil means an empty
	// source.
	ConfigSource luaservices.ConfigSource

	// HTTPConfig backs the script's http module (timeout, transport,
	// request options). Nil means a 30s timeout and the default transport.
	HTTPConfig *luaservices.HTTPServiceConfig
}

// NewLuaDataSource validates the script and creates the data source. The
// script is loaded once here to check it defines fetch; each Fetch runs in
// a fresh interpreter state.
func NewLuaDataSource(config LuaDataSourceConfig) (*LuaDataSource, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("data source name is required")
	}
	if config.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	if config.ConfigSource == nil {
		config.ConfigSource = luaservices.NewMapConfigSource(nil)
	}

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(config.Script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	fetchFunc := L.GetGlobal("fetch")
	if fetchFunc.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'fetch' function")
	}

	var httpConfig luaservices.HTTPServiceConfig
	if config.HTTPConfig != nil {
		httpConfig = *config.HTTPConfig
	} else {
		httpConfig = luaservices.HTTPServiceConfig{
			Timeout: 30 * time.Second,
		}
	}

	return &LuaDataSource{
		name:         config.Name,
		script:       config.Script,
		configSource: config.ConfigSource,
		httpConfig:   httpConfig,
	}, nil
}

// Name returns the data source name.
func (ds *LuaDataSource) Name() string {
	return ds.name
}

// Fetch runs the script's fetch function in a fresh Lua state. States are
// never shared between requests, so scripts need no locking.
func (ds *LuaDataSource) Fetch(ctx context.Context, input *service.DataSourceInput) (*service.DataSourceResult, error) {
	L := lua.NewState()
	defer L.Close()

	luaservices.NewHTTPServiceWithConfig(ds.httpConfig).Register(L)
	luaservices.NewConfigService(ds.configSource).Register(L)
	luaservices.NewJSONService().Register(L)

	if err := L.DoString(ds.script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	inputTable := ds.inputToLuaTable(L, input)

	fetchFunc := L.GetGlobal("fetch")
	if err := L.CallByParam(lua.P{
		Fn:      fetchFunc,
		NRet:    1,
		Protect: true,
	}, inputTable); err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	// nil from the script means nothing to contribute
	if ret.Type() == lua.LTNil {
		return nil, nil
	}

	if ret.Type() != lua.LTTable {
		return nil, fmt.Errorf("fetch function must return a table or nil, got %s", ret.Type())
	}

	return ds.luaTableToResult(ret.(*lua.LTable))
}

func (ds *LuaDataSource) inputToLuaTable(L *lua.LState, input *service.DataSourceInput) *lua.LTable {
	tbl := L.NewTable()

	if input.Subject != nil {
		L.SetField(tbl, "subject", identityToLua(L, input.Subject))
	}
	if input.Actor != nil {
		L.SetField(tbl, "actor", identityToLua(L, input.Actor))
	}

	if input.RequestAttributes != nil {
		reqTbl := L.NewTable()
		if input.RequestAttributes.Method != "" {
			L.SetField(reqTbl, "method", lua.LString(input.RequestAttributes.Method))
		}
		if input.RequestAttributes.Path != "" {
			L.SetField(reqTbl, "path", lua.LString(input.RequestAttributes.Path))
		}
		if input.RequestAttributes.IPAddress != "" {
			L.SetField(reqTbl, "ip_address", lua.LString(input.RequestAttributes.IPAddress))
		}
		if input.RequestAttributes.UserAgent != "" {
			L.SetField(reqTbl, "user_agent", lua.LString(input.RequestAttributes.UserAgent))
		}

		if len(input.RequestAttributes.Headers) > 0 {
			headersTbl := L.NewTable()
			for key, value := range input.RequestAttributes.Headers {
				headersTbl.RawSetString(key, lua.LString(value))
			}
			L.SetField(reqTbl, "headers", headersTbl)
		}

		if len(input.RequestAttributes.Additional) > 0 {
			additionalTbl := L.NewTable()
			for key, value := range input.RequestAttributes.Additional {
				additionalTbl.RawSetString(key, luaservices.GoToLua(L, value))
			}
			L.SetField(reqTbl, "additional", additionalTbl)
		}

		L.SetField(tbl, "request_attributes", reqTbl)
	}

	return tbl
}

// identityToLua exposes a validated identity to the script: subject, issuer,
// and the claim set.
func identityToLua(L *lua.LState, r *trust.Result) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "subject", lua.LString(r.Subject))
	L.SetField(tbl, "issuer", lua.LString(r.Issuer))

	if len(r.Claims) > 0 {
		claimsTbl := L.NewTable()
		for key, value := range r.Claims {
			claimsTbl.RawSetString(key, luaservices.GoToLua(L, value))
		}
		L.SetField(tbl, "claims", claimsTbl)
	}

	return tbl
}

func (ds *LuaDataSource) luaTableToResult(tbl *lua.LTable) (*service.DataSourceResult, error) {
	dataField := tbl.RawGetString("data")
	if dataField.Type() == lua.LTNil {
		return nil, fmt.Errorf("result table must have a 'data' field")
	}

	var data []byte
	switch v := dataField.(type) {
	case lua.LString:
		data = []byte(string(v))
	default:
		return nil, fmt.Errorf("'data' field must be a string")
	}

	contentType := service.ContentTypeJSON
	if contentTypeField := tbl.RawGetString("content_type"); contentTypeField.Type() == lua.LTString {
		contentType = service.DataSourceContentType(lua.LVAsString(contentTypeField))
	}

	return &service.DataSourceResult{
		Data:        data,
		ContentType: contentType,
	}, nil
}

// luaTableToInput is the inverse of inputToLuaTable, used to recover the
// masked input a cache_key function returns.
func (ds *LuaDataSource) luaTableToInput(tbl *lua.LTable) service.DataSourceInput {
	input := service.DataSourceInput{}

	if subjectLV := tbl.RawGetString("subject"); subjectLV.Type() == lua.LTTable {
		input.Subject = luaToIdentity(subjectLV.(*lua.LTable))
	}
	if actorLV := tbl.RawGetString("actor"); actorLV.Type() == lua.LTTable {
		input.Actor = luaToIdentity(actorLV.(*lua.LTable))
	}

	if reqLV := tbl.RawGetString("request_attributes"); reqLV.Type() == lua.LTTable {
		reqTbl := reqLV.(*lua.LTable)
		reqAttrs := &request.RequestAttributes{
			Method:    lua.LVAsString(reqTbl.RawGetString("method")),
			Path:      lua.LVAsString(reqTbl.RawGetString("path")),
			IPAddress: lua.LVAsString(reqTbl.RawGetString("ip_address")),
			UserAgent: lua.LVAsString(reqTbl.RawGetString("user_agent")),
		}

		if headersLV := reqTbl.RawGetString("headers"); headersLV.Type() == lua.LTTable {
			headers := make(map[string]string)
			headersLV.(*lua.LTable).ForEach(func(k, v lua.LValue) {
				if k.Type() == lua.LTString && v.Type() == lua.LTString {
					headers[k.String()] = v.String()
				}
			})
			reqAttrs.Headers = headers
		}

		if additionalLV := reqTbl.RawGetString("additional"); additionalLV.Type() == lua.LTTable {
			reqAttrs.Additional = luaTableToMap(additionalLV.(*lua.LTable))
		}

		input.RequestAttributes = reqAttrs
	}

	return input
}

func luaToIdentity(tbl *lua.LTable) *trust.Result {
	r := &trust.Result{
		Subject: lua.LVAsString(tbl.RawGetString("subject")),
		Issuer:  lua.LVAsString(tbl.RawGetString("issuer")),
	}

	if claimsLV := tbl.RawGetString("claims"); claimsLV.Type() == lua.LTTable {
		r.Claims = luaTableToMap(claimsLV.(*lua.LTable))
	}

	return r
}

func luaTableToMap(tbl *lua.LTable) map[string]interface{} {
	result := make(map[string]interface{})
	tbl.ForEach(func(k, v lua.LValue) {
		if k.Type() == lua.LTString {
			result[k.String()] = luaservices.LuaToGo(v)
		}
	})
	return result
}

// CacheableLuaDataSource adds a script-defined cache key to LuaDataSource,
// making it eligible for the caching wrappers.
type CacheableLuaDataSource struct {
	*LuaDataSource
	cacheKeyFunc string
	cacheTTL     time.Duration
}

// CacheableLuaDataSourceConfig configures a cacheable Lua data source.
type CacheableLuaDataSourceConfig struct {
	// Name identifies this data source.
	Name string

	// Script must define fetch(input) as for LuaDataSourceConfig, plus the
	// cache key function named below.
	Script string

	// ConfigSource backs the script's config.get(). Nil means an empty
	// source.
	ConfigSource luaservices.ConfigSource

	// HTTPConfig backs the script's http module. Nil means defaults.
	HTTPConfig *luaservices.HTTPServiceConfig

	// CacheKeyFunc names the Lua function that masks the input down to the
	// fields the result depends on. Required.
	//
	// Example:
	//   function cache_key(input)
	//     return {subject = {subject = input.subject.subject}}
	//   end
	CacheKeyFunc string

	// CacheTTL bounds entry lifetime. Zero means 5 minutes.
	CacheTTL time.Duration
}

// NewCacheableLuaDataSource creates a cacheable Lua data source, validating
// that the script defines both fetch and the cache key function.
func NewCacheableLuaDataSource(config CacheableLuaDataSourceConfig) (*CacheableLuaDataSource, error) {
	if config.CacheKeyFunc == "" {
		return nil, fmt.Errorf("cache_key function is required for cacheable data source")
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}

	baseDS, err := NewLuaDataSource(LuaDataSourceConfig{
		Name:         config.Name,
		Script:       config.Script,
		ConfigSource: config.ConfigSource,
		HTTPConfig:   config.HTTPConfig,
	})
	if err != nil {
		return nil, err
	}

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(config.Script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	cacheKeyFunc := L.GetGlobal(config.CacheKeyFunc)
	if cacheKeyFunc.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a '%s' function", config.CacheKeyFunc)
	}

	return &CacheableLuaDataSource{
		LuaDataSource: baseDS,
		cacheKeyFunc:  config.CacheKeyFunc,
		cacheTTL:      config.CacheTTL,
	}, nil
}

// CacheKey implements service.Cacheable. Any script failure falls back to
// the full input, which degrades cache hit rate but never correctness.
func (ds *CacheableLuaDataSource) CacheKey(input *service.DataSourceInput) service.DataSourceInput {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(ds.script); err != nil {
		return *input
	}

	inputTable := ds.inputToLuaTable(L, input)

	cacheKeyFunc := L.GetGlobal(ds.cacheKeyFunc)
	if err := L.CallByParam(lua.P{
		Fn:      cacheKeyFunc,
		NRet:    1,
		Protect: true,
	}, inputTable); err != nil {
		return *input
	}

	ret := L.Get(-1)
	L.Pop(1)

	if ret.Type() != lua.LTTable {
		return *input
	}

	return ds.luaTableToInput(ret.(*lua.LTable))
}

// CacheTTL implements service.Cacheable.
func (ds *CacheableLuaDataSource) CacheTTL() time.Duration {
	return ds.cacheTTL
}
