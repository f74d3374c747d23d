package storage

import "strings"

const mask = "**********"

// Scrub returns a copy of the document with every value stored under a key
// containing "password" or "key" replaced by a mask. Applied to documents on
// terminal-state writes and to API responses.
func Scrub(doc Doc) Doc {
	out, _ := scrubValue(doc, false).(map[string]interface{})
	return out
}

func secretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "key")
}

func scrubValue(v interface{}, secret bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = scrubValue(val, secret || secretKey(k))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = scrubValue(e, secret)
		}
		return out
	default:
		if secret && v != nil {
			return mask
		}
		return v
	}
}
