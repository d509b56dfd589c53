package procedure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/openfroyo/warden/pkg/engine"
	"github.com/openfroyo/warden/pkg/types"
)

func badArg(name, want string, v any) error {
	return engine.NewBadRequestError(fmt.Sprintf("argument %s: expected %s, got %T", name, want, v), nil)
}

// StringArg returns a required string argument.
func StringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", engine.NewBadRequestError("missing argument "+name, nil)
	}
	s, ok := v.(string)
	if !ok {
		return "", badArg(name, "string", v)
	}
	return s, nil
}

// OptionalStringArg returns a string argument or def when absent.
func OptionalStringArg(args map[string]any, name, def string) (string, error) {
	if v, ok := args[name]; !ok || v == nil {
		return def, nil
	}
	return StringArg(args, name)
}

// BoolArg returns a boolean argument or def when absent.
func BoolArg(args map[string]any, name string, def bool) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, badArg(name, "bool", v)
	}
	return b, nil
}

// IntArg returns an integer argument or def when absent. Integral floats and JSON
// numbers are accepted since workers may encode integers either way.
func IntArg(args map[string]any, name string, def int64) (int64, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, badArg(name, "int64", v)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, badArg(name, "integer", v)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, badArg(name, "integer", v)
		}
		return i, nil
	default:
		return 0, badArg(name, "integer", v)
	}
}

// FloatArg returns a numeric argument or def when absent.
func FloatArg(args map[string]any, name string, def float64) (float64, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, badArg(name, "number", v)
		}
		return f, nil
	default:
		return 0, badArg(name, "number", v)
	}
}

// StringListArg returns a list of strings, or nil when absent.
func StringListArg(args map[string]any, name string) ([]string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, badArg(name, "list of strings", v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, badArg(name, "list of strings", v)
	}
}

// InstanceArg parses an instance UUID argument. When the argument is absent the
// bound instance is used; with neither, the call is a BadRequest.
func InstanceArg(args map[string]any, name string, bound *types.InstanceUUID) (types.InstanceUUID, error) {
	s, err := OptionalStringArg(args, name, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		if bound == nil {
			return "", engine.NewBadRequestError("no instance given and none bound", nil)
		}
		return *bound, nil
	}
	uuid, err := types.ParseInstanceUUID(s)
	if err != nil {
		return "", engine.NewBadRequestError("argument "+name, err)
	}
	return uuid, nil
}

// toGeneric round-trips v through JSON so the result only holds maps, slices,
// strings, json.Numbers, bools and nil. Numbers stay json.Number so integers are
// not widened to floats.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, engine.NewInternalError("encoding op result", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, engine.NewInternalError("decoding op result", err)
	}
	return out, nil
}
