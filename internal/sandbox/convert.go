package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// goToStarlark converts an engine-side value for the interpreter. The
// engine only moves JSON-shaped values, so anything else is a bug worth
// a panic, not an error the script could handle.
func goToStarlark(v any) starlark.Value {
	switch v := v.(type) {

	case nil:
		return starlark.None

	case bool:
		return starlark.Bool(v)

	case []byte:
		return starlark.Bytes(v)
	case string:
		return starlark.String(v)

	case int:
		return starlark.MakeInt(v)
	case int32:
		return starlark.MakeInt(int(v))
	case int64:
		return starlark.MakeInt64(v)
	case uint:
		return starlark.MakeUint(v)
	case uint64:
		return starlark.MakeUint64(v)

	case float32:
		return starlark.Float(v)
	case float64:
		return starlark.Float(v)

	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			elems[i] = goToStarlark(e)
		}
		return starlark.NewList(elems)

	case map[string]any:
		d := starlark.NewDict(len(v))
		for k, val := range v {
			_ = d.SetKey(starlark.String(k), goToStarlark(val))
		}
		return d
	}

	panic(fmt.Errorf("unsupported value for script: %T", v))
}

// fromStarlark converts a script value back into JSON-shaped Go. Values
// a dict or list cannot carry into JSON (functions, sets, huge ints)
// come back as errors, which the callers surface as logic faults.
func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {

	case starlark.NoneType:
		return nil, nil

	case starlark.Bool:
		return bool(v), nil

	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return string(v), nil

	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", v.String())
		}
		return i, nil

	case starlark.Float:
		return float64(v), nil

	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out = append(out, elem)
		}
		return out, nil

	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for i, e := range v {
			elem, err := fromStarlark(e)
			if err != nil {
				return nil, fmt.Errorf("tuple[%d]: %w", i, err)
			}
			out = append(out, elem)
		}
		return out, nil

	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, fmt.Errorf("dict[%q]: %w", key, err)
			}
			out[key] = val
		}
		return out, nil
	}

	return nil, fmt.Errorf("%s does not convert to JSON", v.Type())
}

func stateFromStarlark(v starlark.Value) (map[string]any, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("state is %s, want dict", v.Type())
	}
	converted, err := fromStarlark(d)
	if err != nil {
		return nil, err
	}
	return converted.(map[string]any), nil
}
