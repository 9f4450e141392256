package jsonutil

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
)

const indent = "    "

// SortKeysDeep returns a copy of v where every object, including objects
// nested in arrays, has its keys in lexicographic order. Arrays keep element
// order; scalars pass through.
func SortKeysDeep(v any) any {
	switch t := v.(type) {
	case *Object:
		if t == nil {
			return t
		}
		keys := t.Keys()
		sort.Strings(keys)
		out := NewObject()
		for _, k := range keys {
			out.Set(k, SortKeysDeep(t.values[k]))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = SortKeysDeep(e)
		}
		return out
	default:
		return v
	}
}

// SortTopLevelKeys sorts only the object's own keys; nested values are shared.
func SortTopLevelKeys(o *Object) *Object {
	keys := o.Keys()
	sort.Strings(keys)
	out := NewObject()
	for _, k := range keys {
		out.Set(k, o.values[k])
	}
	return out
}

// DeepCopy returns a copy of v that shares nothing mutable with it.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case *Object:
		if t == nil {
			return t
		}
		out := NewObject()
		for _, k := range t.keys {
			out.Set(k, DeepCopy(t.values[k]))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// Marshal serializes v compactly without HTML escaping.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compact is Marshal returning a string.
func Compact(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PrettyPrint serializes v with 4-space indentation.
func PrettyPrint(v any) (string, error) {
	compact, err := Marshal(v)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", indent); err != nil {
		return "", err
	}
	return out.String(), nil
}

// RemoveKeys returns a shallow copy of o without the given keys.
func RemoveKeys(o *Object, keys ...string) *Object {
	drop := toSet(keys)
	out := NewObject()
	for _, k := range o.Keys() {
		if _, ok := drop[k]; ok {
			continue
		}
		out.Set(k, o.values[k])
	}
	return out
}

// KeepOnlyKeys returns a shallow copy of o holding only the given keys, in
// the order they appear in o.
func KeepOnlyKeys(o *Object, keys ...string) *Object {
	keep := toSet(keys)
	out := NewObject()
	for _, k := range o.Keys() {
		if _, ok := keep[k]; ok {
			out.Set(k, o.values[k])
		}
	}
	return out
}

// SortTopLevelKeysBySchema returns a deep copy of o where keys listed in
// schema come first in schema order, followed by the remaining keys in their
// original order.
func SortTopLevelKeysBySchema(o *Object, schema []string) *Object {
	out := NewObject()
	for _, k := range schema {
		if v, ok := o.Get(k); ok {
			out.Set(k, DeepCopy(v))
		}
	}
	for _, k := range o.Keys() {
		if !out.Has(k) {
			out.Set(k, DeepCopy(o.values[k]))
		}
	}
	return out
}

// Truthy applies JavaScript truthiness: null, false, "", 0 and NaN are
// falsy; objects and arrays, even empty ones, are truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String() != ""
		}
		return f != 0 && !math.IsNaN(f)
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	case *Object:
		return t != nil
	default:
		return true
	}
}

// StrictEqual mirrors JavaScript ===. Scalars compare by type and value,
// numbers numerically. Objects are equal only when they are the same
// instance; arrays are never equal.
func StrictEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case *Object:
		y, ok := b.(*Object)
		return ok && x == y
	case []any:
		return false
	}

	fa, okA := number(a)
	fb, okB := number(b)
	if okA && okB {
		return fa == fb
	}
	return false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
