package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/onnx-shapeinference/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputOverrides(t *testing.T) {
	for _, tc := range []struct {
		value string
		name  string
		want  onnx.Shape
	}{
		{"x=1,3,224,224", "x", onnx.MakeKnownShape(1, 3, 224, 224)},
		{"x=?,3", "x", onnx.MakeShape(onnx.Unknown(), onnx.Known(3))},
		{"ids=batch, 128", "ids", onnx.MakeShape(onnx.Symbolic("batch"), onnx.Known(128))},
		{"x=1,,3", "x", onnx.MakeShape(onnx.Known(1), onnx.Unknown(), onnx.Known(3))},
		{"scale=", "scale", onnx.MakeShape()},
		{"x=0x10", "x", onnx.MakeShape(onnx.Symbolic("0x10"))},
	} {
		o := make(inputOverrides)
		require.NoErrorf(t, o.Set(tc.value), "value %q", tc.value)
		require.Containsf(t, o, tc.name, "value %q", tc.value)
		got := o[tc.name].Shape
		require.NotNilf(t, got, "value %q", tc.value)
		assert.Equalf(t, tc.want.String(), got.String(), "value %q", tc.value)
		assert.Truef(t, tc.want.Equal(got), "value %q: got %s", tc.value, got)
	}

	for _, value := range []string{"x", "=1,2", "x=1,-2", ""} {
		o := make(inputOverrides)
		assert.Errorf(t, o.Set(value), "value %q should have failed", value)
	}

	// Repeated flags accumulate, and the last value for a name wins.
	o := make(inputOverrides)
	require.NoError(t, o.Set("x=1,2"))
	require.NoError(t, o.Set("y=3"))
	require.NoError(t, o.Set("x=4"))
	assert.Len(t, o, 2)
	assert.Equal(t, "[4]", o["x"].Shape.String())
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
opset: 13
inputs:
  - {name: x, dtype: float32, shape: [1, 3, 8, 8]}
initializers:
  - {name: w, dtype: float32, shape: [4, 3, 3, 3]}
nodes:
  - {name: conv, op: Conv, inputs: [x, w], outputs: [a]}
  - {name: conv, op: Conv, inputs: [a, w], outputs: [b], attributes: {strides: [1, 2, 3]}}
`), 0o644))
	err := run(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node conv")

	require.Error(t, run(context.Background(), filepath.Join(t.TempDir(), "missing.onnx")))
}
