// Package jsonx keeps values that cross the sandbox boundary inside the JSON value space.
//
// Everything that travels between a plugin realm and the host is normalised to
// map[string]any, []any, string, float64, bool or nil. Normalising at the boundary
// means the override store and the merge engine only ever see those shapes.
package jsonx

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

// Normalize converts v into canonical JSON values by encoding and decoding it.
// Values that cannot be encoded (functions, channels, cycles) return an error.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}

	var out any
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode normalized value: %w", err)
	}
	return out, nil
}

// NormalizeObject normalizes v and requires the result to be a JSON object.
func NormalizeObject(v any) (map[string]any, bool, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, false, err
	}
	obj, ok := n.(map[string]any)
	return obj, ok, nil
}

// Fingerprint returns a stable encoding of v with sorted object keys.
// Two deep-equal values always produce the same fingerprint.
func Fingerprint(v any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

// SameFingerprint reports whether v encodes to fp.
func SameFingerprint(fp []byte, v any) bool {
	other, err := Fingerprint(v)
	if err != nil {
		return false
	}
	return bytes.Equal(fp, other)
}

// Equal reports whether a and b are deep-equal JSON values.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
