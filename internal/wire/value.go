// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package wire defines the values that may cross the dispatch protocol and the
// versioned text encoding used to carry envelopes and results through a shell
// command line and a copied result file.
//
// A value is one of a closed set of kinds:
//
//	nil, string, bool, int64, float64, []any, map[string]any
//
// Normalize maps ordinary Go values onto that set (all integer widths become
// int64, float32 becomes float64, typed slices and string-keyed maps become
// []any and map[string]any) and rejects everything else.
package wire

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// Normalize returns v in canonical form or a *SerializationError naming the
// first offending element.
func Normalize(v any) (any, error) {
	return normalize(v, "$")
}

// NormalizeArgs canonicalizes positional and named arguments together.
func NormalizeArgs(args []any, kwargs map[string]any) ([]any, map[string]any, error) {
	var outArgs []any
	if len(args) > 0 {
		outArgs = make([]any, len(args))
		for i, a := range args {
			n, err := normalize(a, "args["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, nil, err
			}
			outArgs[i] = n
		}
	}
	var outKw map[string]any
	if len(kwargs) > 0 {
		outKw = make(map[string]any, len(kwargs))
		for k, a := range kwargs {
			n, err := normalize(a, "kwargs."+k)
			if err != nil {
				return nil, nil, err
			}
			outKw[k] = n
		}
	}
	return outArgs, outKw, nil
}

func normalize(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return checkUTF8(x, path)
	case bool:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case []byte:
		return nil, unsupported(path, v, "byte strings are not a wire kind; send a string")
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalize(e, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if !utf8.ValidString(k) {
				return nil, unsupported(path, v, "map key is not valid UTF-8")
			}
			n, err := normalize(e, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v), path)
}

func normalizeReflect(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.String:
		return checkUTF8(rv.String(), path)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, &SerializationError{Path: path, Kind: rv.Type().String(), Reason: fmt.Sprintf("integer %d overflows int64", u)}
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, unsupported(path, rv.Interface(), "byte strings are not a wire kind; send a string")
		}
		if rv.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := normalize(rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, unsupported(path, rv.Interface(), "map keys must be strings")
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if !utf8.ValidString(k) {
				return nil, unsupported(path, rv.Interface(), "map key is not valid UTF-8")
			}
			n, err := normalize(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), path)
	}
	return nil, unsupported(path, rv.Interface(), "not a wire kind")
}

// checkUTF8 rejects strings the codec cannot carry. Binary content has no
// wire kind.
func checkUTF8(s, path string) (any, error) {
	if !utf8.ValidString(s) {
		return nil, &SerializationError{Path: path, Kind: "string", Reason: "not valid UTF-8"}
	}
	return s, nil
}

func unsupported(path string, v any, reason string) error {
	return &SerializationError{Path: path, Kind: fmt.Sprintf("%T", v), Reason: reason}
}
