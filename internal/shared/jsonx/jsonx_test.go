package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "string", in: "hello", want: "hello"},
		{name: "int becomes float64", in: 3, want: float64(3)},
		{name: "struct becomes object", in: point{X: 1, Y: 2}, want: map[string]any{"x": float64(1), "y": float64(2)}},
		{name: "typed slice becomes []any", in: []string{"a", "b"}, want: []any{"a", "b"}},
		{
			name: "nested map",
			in:   map[string]any{"a": map[string]int{"b": 1}},
			want: map[string]any{"a": map[string]any{"b": float64(1)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsFunctions(t *testing.T) {
	_, err := Normalize(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

func TestNormalizeObject(t *testing.T) {
	obj, ok, err := NormalizeObject(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(1), obj["a"])

	_, ok, err = NormalizeObject([]any{1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0, "y": 2.0}}
	b := map[string]any{"b": map[string]any{"y": 2.0, "x": 1.0}, "a": 1.0}

	fa, err := Fingerprint(a)
	require.NoError(t, err)

	assert.True(t, SameFingerprint(fa, b))
	assert.False(t, SameFingerprint(fa, map[string]any{"a": 2.0}))
}
