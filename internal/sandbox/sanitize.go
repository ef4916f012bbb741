package sandbox

import (
	"fmt"
	"reflect"
)

// maxSanitizeDepth bounds recursion into nested maps/slices returned from a
// host RPC call, independent of maxReentryDepth (which bounds call nesting,
// not value nesting).
const maxSanitizeDepth = 64

// circularRefMarker replaces a value the sanitizer has already visited on
// the current path, so a circular reference produces a finite JSON value
// instead of an infinite recursion.
const circularRefMarker = "[circular]"

// sanitize deep-copies v into a JSON-safe value (map[string]interface{},
// []interface{}, and scalar types only), breaking cycles and capping
// depth, so a result returned from an RPC call can never crash the
// worker's JSON encoder regardless of what the handler returned.
func sanitize(v interface{}, depth int) interface{} {
	return sanitizeSeen(v, depth, make(map[uintptr]bool))
}

func sanitizeSeen(v interface{}, depth int, seen map[uintptr]bool) interface{} {
	if depth > maxSanitizeDepth {
		return circularRefMarker
	}
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return circularRefMarker
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]interface{}, rv.Len())
		for _, key := range rv.MapKeys() {
			out[toStringKey(key)] = sanitizeSeen(rv.MapIndex(key).Interface(), depth+1, seen)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Slice {
			ptr := rv.Pointer()
			if seen[ptr] {
				return circularRefMarker
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}

		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitizeSeen(rv.Index(i).Interface(), depth+1, seen)
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitizeSeen(rv.Elem().Interface(), depth+1, seen)

	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			out[f.Name] = sanitizeSeen(rv.Field(i).Interface(), depth+1, seen)
		}
		return out

	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v

	default:
		// channels, funcs, complex numbers, unsafe pointers — none are
		// JSON-representable; drop to nil rather than let encoding/json
		// fail the whole response downstream.
		return nil
	}
}

func toStringKey(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	return fmt.Sprint(v.Interface())
}
