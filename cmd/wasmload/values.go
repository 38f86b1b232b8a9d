package main

import (
	"context"
	"fmt"
	"strconv"

	"fortio.org/safecast"
	"github.com/caffeineduck/wasmload/loader"
	"github.com/tetratelabs/wazero/api"
)

func findExport(inst loader.Instance, name string) (loader.FunctionDef, error) {
	for _, def := range inst.ExportedFunctions() {
		if def.Name == name {
			return def, nil
		}
	}
	return loader.FunctionDef{}, fmt.Errorf("%w: %s", loader.ErrFunctionNotExported, name)
}

// encodeArgs parses args according to the parameter types of def. Integers
// accept any base strconv understands; i32 also accepts the unsigned range.
func encodeArgs(def loader.FunctionDef, args []string) ([]uint64, error) {
	if len(args) != len(def.Params) {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", def.Name, len(def.Params), len(args))
	}

	out := make([]uint64, len(args))
	for i, typ := range def.Params {
		v, err := encodeValue(typ, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func encodeValue(typ api.ValueType, s string) (uint64, error) {
	switch typ {
	case api.ValueTypeI32:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, err
		}
		if v, err := safecast.Conv[int32](n); err == nil {
			return api.EncodeI32(v), nil
		}
		u, err := safecast.Conv[uint32](n)
		if err != nil {
			return 0, fmt.Errorf("%s out of range for i32", s)
		}
		return api.EncodeU32(u), nil
	case api.ValueTypeI64:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(f), nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(typ))
	}
}

func formatResults(def loader.FunctionDef, results []uint64) []string {
	out := make([]string, len(results))
	for i, raw := range results {
		var typ api.ValueType
		if i < len(def.Results) {
			typ = def.Results[i]
		}
		switch typ {
		case api.ValueTypeI32:
			out[i] = strconv.FormatInt(int64(api.DecodeI32(raw)), 10)
		case api.ValueTypeI64:
			out[i] = strconv.FormatInt(int64(raw), 10)
		case api.ValueTypeF32:
			out[i] = strconv.FormatFloat(float64(api.DecodeF32(raw)), 'g', -1, 32)
		case api.ValueTypeF64:
			out[i] = strconv.FormatFloat(api.DecodeF64(raw), 'g', -1, 64)
		default:
			out[i] = fmt.Sprintf("0x%x", raw)
		}
	}
	return out
}

// invoke calls export name on inst with string arguments and returns the
// formatted results.
func invoke(ctx context.Context, inst loader.Instance, name string, args []string) ([]string, error) {
	def, err := findExport(inst, name)
	if err != nil {
		return nil, err
	}
	params, err := encodeArgs(def, args)
	if err != nil {
		return nil, err
	}
	results, err := inst.Call(ctx, name, params...)
	if err != nil {
		return nil, err
	}
	return formatResults(def, results), nil
}
