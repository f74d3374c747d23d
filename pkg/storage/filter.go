package storage

import (
	"reflect"
	"strings"
)

// Match evaluates a mongo-style filter against a document. Supported
// operators: $in, $nin, $ne, $lt, $lte, $gt, $gte, $exists. A filter value
// compared against an array field matches the whole array or any element
// (mongo containment semantics).
func Match(doc Doc, filter Doc) bool {
	for field, cond := range filter {
		val, present := lookup(doc, field)
		if !matchField(val, present, cond) {
			return false
		}
	}
	return true
}

func lookup(doc Doc, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchField(val interface{}, present bool, cond interface{}) bool {
	if ops, ok := asOperator(cond); ok {
		for op, arg := range ops {
			if !applyOperator(val, present, op, arg) {
				return false
			}
		}
		return true
	}
	if !present {
		return cond == nil
	}
	return containsOrEquals(val, cond)
}

func applyOperator(val interface{}, present bool, op string, arg interface{}) bool {
	switch op {
	case "$exists":
		want, _ := arg.(bool)
		return present == want
	case "$in":
		for _, e := range toSlice(arg) {
			if containsOrEquals(val, e) {
				return true
			}
		}
		return false
	case "$nin":
		for _, e := range toSlice(arg) {
			if containsOrEquals(val, e) {
				return false
			}
		}
		return true
	case "$ne":
		return !containsOrEquals(val, arg)
	case "$lt", "$lte", "$gt", "$gte":
		a, aok := toFloat(val)
		b, bok := toFloat(arg)
		if !aok || !bok {
			return false
		}
		switch op {
		case "$lt":
			return a < b
		case "$lte":
			return a <= b
		case "$gt":
			return a > b
		default:
			return a >= b
		}
	}
	return false
}

// containsOrEquals implements mongo equality: scalars compare numerically
// where possible, arrays match either as a whole or by element containment.
func containsOrEquals(val, want interface{}) bool {
	if equalValue(val, want) {
		return true
	}
	if arr, ok := val.([]interface{}); ok {
		for _, e := range arr {
			if equalValue(e, want) {
				return true
			}
		}
	}
	return false
}

func equalValue(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func toSlice(v interface{}) []interface{} {
	if s, ok := v.([]interface{}); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return nil
}

// asOperator reports whether cond is an operator object like {"$in": ...}.
func asOperator(cond interface{}) (map[string]interface{}, bool) {
	m, ok := cond.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func isOperator(cond interface{}) bool {
	_, ok := asOperator(cond)
	return ok
}
