// Package cel carries the shared CEL plumbing: the mapper input library with
// the datasource() function, and value conversion between CEL and Go.
package cel

import (
	"context"
	"encoding/json"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/crossfed-io/crossfed/internal/service"
)

// DataSourceRegistry resolves data sources by name.
type DataSourceRegistry interface {
	Get(name string) service.DataSource
}

// MapperInputLibrary declares the CEL environment for claim mapper
// expressions: the datasource(name) function plus the subject, actor, and
// request variables.
//
// A nil registry yields a compile-only environment where datasource()
// evaluates to null.
func MapperInputLibrary(ctx context.Context, registry *service.DataSourceRegistry, dsInput *service.DataSourceInput) cel.EnvOption {
	return cel.Lib(&mapperInputLib{
		ctx:      ctx,
		registry: registry,
		dsInput:  dsInput,
		cache:    make(map[string]any),
	})
}

type mapperInputLib struct {
	ctx      context.Context
	registry *service.DataSourceRegistry
	dsInput  *service.DataSourceInput

	// One fetch per datasource per evaluation, however many times the
	// expression references it.
	cache map[string]any
}

func (lib *mapperInputLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("datasource",
			cel.Overload("datasource_string",
				[]*cel.Type{cel.StringType},
				cel.DynType,
				cel.UnaryBinding(lib.fetchDatasource),
			),
		),
		cel.Variable("subject", cel.DynType),
		cel.Variable("actor", cel.DynType),
		cel.Variable("request", cel.DynType),
	}
}

func (lib *mapperInputLib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}

// fetchDatasource backs the datasource() CEL function. Unknown names
// evaluate to null; fetch and decode failures surface as CEL errors.
func (lib *mapperInputLib) fetchDatasource(arg ref.Val) ref.Val {
	name, ok := arg.Value().(string)
	if !ok {
		return types.NewErr("datasource argument must be a string")
	}

	if cached, ok := lib.cache[name]; ok {
		return types.DefaultTypeAdapter.NativeToValue(cached)
	}

	if lib.registry == nil {
		return types.NullValue
	}

	ds := lib.registry.Get(name)
	if ds == nil {
		return types.NullValue
	}

	result, err := ds.Fetch(lib.ctx, lib.dsInput)
	if err != nil {
		return types.WrapErr(err)
	}
	if result == nil {
		return types.NullValue
	}

	switch result.ContentType {
	case service.ContentTypeJSON:
		var data any
		if err := json.Unmarshal(result.Data, &data); err != nil {
			return types.WrapErr(err)
		}
		lib.cache[name] = data
		return types.DefaultTypeAdapter.NativeToValue(data)
	default:
		return types.NewErr("unsupported content type")
	}
}

// ConvertCELValue converts a CEL ref.Val to a native Go value, recursing
// through CEL's internal map and list representations.
func ConvertCELValue(val ref.Val) any {
	nativeVal := val.Value()

	switch v := nativeVal.(type) {
	case map[ref.Val]ref.Val:
		result := make(map[string]any, len(v))
		for k, item := range v {
			if keyStr, ok := k.Value().(string); ok {
				result[keyStr] = ConvertCELValue(item)
			}
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			if refVal, ok := item.(ref.Val); ok {
				result[i] = ConvertCELValue(refVal)
			} else {
				result[i] = item
			}
		}
		return result
	case map[string]any:
		// Nested values may still be ref.Vals
		result := make(map[string]any, len(v))
		for k, item := range v {
			if refVal, ok := item.(ref.Val); ok {
				result[k] = ConvertCELValue(refVal)
			} else {
				result[k] = item
			}
		}
		return result
	}

	return nativeVal
}
