package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// GoToLua converts a Go value to its Lua equivalent. Maps become tables keyed
// by string, slices become array-style tables, numbers become LNumber.
// Values with no natural mapping are stringified.
func GoToLua(L *lua.LState, value interface{}) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []string:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(GoToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for key, item := range v {
			tbl.RawSetString(key, GoToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// LuaToGo converts a Lua value to its Go equivalent. Tables with contiguous
// integer keys starting at 1 become slices, all other tables become
// string-keyed maps. Numbers come back as float64, matching encoding/json.
func LuaToGo(value lua.LValue) interface{} {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case *lua.LTable:
		return luaTableToGo(v)
	default:
		return v.String()
	}
}

func luaTableToGo(tbl *lua.LTable) interface{} {
	// Array detection: Len() counts the contiguous integer prefix. If every
	// entry falls in it, the table is an array.
	arrayLen := tbl.Len()
	entries := 0
	tbl.ForEach(func(k, v lua.LValue) {
		entries++
	})

	if arrayLen > 0 && entries == arrayLen {
		arr := make([]interface{}, 0, arrayLen)
		for i := 1; i <= arrayLen; i++ {
			arr = append(arr, LuaToGo(tbl.RawGetInt(i)))
		}
		return arr
	}

	m := make(map[string]interface{}, entries)
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = LuaToGo(v)
	})
	return m
}
