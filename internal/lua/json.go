package lua

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// JSONService exposes JSON encoding and decoding to Lua scripts as the
// global `json` module.
type JSONService struct{}

// NewJSONService creates a new JSON service
func NewJSONService() *JSONService {
	return &JSONService{}
}

// Register adds the JSON service to the Lua state
// Usage in Lua:
//
//	local str = json.encode({name = "dns-sync"})
//	local tbl = json.decode('{"name": "dns-sync"}')
func (s *JSONService) Register(L *lua.LState) {
	mod := L.NewTable()

	L.SetField(mod, "encode", L.NewFunction(s.luaJSONEncode))
	L.SetField(mod, "decode", L.NewFunction(s.luaJSONDecode))

	L.SetGlobal("json", mod)
}

// luaJSONEncode implements json.encode
// Args: value (any)
// Returns: JSON string or (nil, error)
func (s *JSONService) luaJSONEncode(L *lua.LState) int {
	value := L.CheckAny(1)

	data, err := json.Marshal(LuaToGo(value))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(fmt.Sprintf("failed to encode: %v", err)))
		return 2
	}

	L.Push(lua.LString(string(data)))
	return 1
}

// luaJSONDecode implements json.decode
// Args: jsonStr (string)
// Returns: decoded value or (nil, error)
func (s *JSONService) luaJSONDecode(L *lua.LState) int {
	jsonStr := L.CheckString(1)

	var value interface{}
	if err := json.Unmarshal([]byte(jsonStr), &value); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(fmt.Sprintf("failed to decode: %v", err)))
		return 2
	}

	L.Push(GoToLua(L, value))
	return 1
}
