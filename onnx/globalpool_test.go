package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalPool(t *testing.T) {
	for _, opType := range []string{"GlobalAveragePool", "GlobalMaxPool", "GlobalLpPool"} {
		t.Run(opType, func(t *testing.T) {
			out, err := inferFirstOutput(t, opType, nil, f32Known(8, 16, 7, 7))
			require.NoError(t, err)
			assert.Equal(t, MakeKnownShape(8, 16, 1, 1), out.Shape)

			out, err = inferFirstOutput(t, opType, nil, f32(Symbolic("N"), Known(3), Unknown(), Unknown(), Unknown()))
			require.NoError(t, err)
			assert.True(t, out.Shape.Equal(MakeShape(Unknown(), Known(3), Known(1), Known(1), Known(1))))

			// No spatial axes.
			out, err = inferFirstOutput(t, opType, nil, f32Known(2, 5))
			require.NoError(t, err)
			assert.Equal(t, MakeKnownShape(2, 5), out.Shape)

			_, err = inferFirstOutput(t, opType, nil, f32Known(5))
			require.Error(t, err)

			out, err = inferFirstOutput(t, opType, nil, &TensorInfo{DType: dtypes.Float16})
			require.NoError(t, err)
			assert.Nil(t, out.Shape)
			assert.Equal(t, dtypes.Float16, out.DType)
		})
	}

	// The p attribute of GlobalLpPool doesn't matter.
	out, err := inferFirstOutput(t, "GlobalLpPool", Attributes{"p": IntAttr(3)}, f32Known(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, MakeKnownShape(1, 2, 1), out.Shape)
}

func TestMaxRoiPool(t *testing.T) {
	rois := f32(Symbolic("R"), Known(5))
	out, err := inferFirstOutput(t, "MaxRoiPool", Attributes{"pooled_shape": IntsAttr(7, 7), "spatial_scale": FloatAttr(0.25)},
		f32Known(1, 256, 32, 32), rois)
	require.NoError(t, err)
	require.Equal(t, 4, out.Shape.Rank())
	assert.Equal(t, rois.Shape[0], out.Shape[0])
	assert.Equal(t, "R", out.Shape[0].String())
	assert.Equal(t, MakeKnownShape(256, 7, 7), out.Shape[1:])

	// Pooled shape doesn't depend on the input spatial dimensions.
	out, err = inferFirstOutput(t, "MaxRoiPool", Attributes{"pooled_shape": IntsAttr(2, 3)},
		f32(Known(1), Known(4), Unknown(), Unknown()), f32Known(10, 5))
	require.NoError(t, err)
	assert.Equal(t, MakeKnownShape(10, 4, 2, 3), out.Shape)

	// Unknown RoIs: abstain.
	out, err = inferFirstOutput(t, "MaxRoiPool", Attributes{"pooled_shape": IntsAttr(2, 3)}, f32Known(1, 4, 8, 8), nil)
	require.NoError(t, err)
	assert.Nil(t, out.Shape)

	for name, tc := range map[string]struct {
		attrs  Attributes
		inputs []*TensorInfo
		errMsg string
	}{
		"missing pooled_shape":  {nil, []*TensorInfo{f32Known(1, 4, 8, 8), f32Known(3, 5)}, "must be specified"},
		"pooled_shape size":     {Attributes{"pooled_shape": IntsAttr(7)}, []*TensorInfo{f32Known(1, 4, 8, 8), f32Known(3, 5)}, "incorrect size"},
		"rois rank":             {Attributes{"pooled_shape": IntsAttr(7, 7)}, []*TensorInfo{f32Known(1, 4, 8, 8), f32Known(3, 5, 1)}, "2 dimensions"},
		"input rank":            {Attributes{"pooled_shape": IntsAttr(7, 7)}, []*TensorInfo{f32Known(4), f32Known(3, 5)}, "at least 2 dimensions"},
		"negative pooled_shape": {Attributes{"pooled_shape": IntsAttr(7, -1)}, []*TensorInfo{f32Known(1, 4, 8, 8), f32Known(3, 5)}, "invalid value"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := inferFirstOutput(t, "MaxRoiPool", tc.attrs, tc.inputs...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestShapePreserving(t *testing.T) {
	for _, opType := range []string{"BatchNormalization", "InstanceNormalization", "LpNormalization", "Dropout", "LRN"} {
		t.Run(opType, func(t *testing.T) {
			input := f32(Unknown(), Known(3), Known(5))
			out, err := inferFirstOutput(t, opType, nil, input)
			require.NoError(t, err)
			assert.True(t, out.Shape.Equal(input.Shape))
			assert.Equal(t, dtypes.Float32, out.DType)
			// Output is a copy.
			out.Shape[1] = Known(7)
			assert.Equal(t, Known(3), input.Shape[1])
		})
	}
}

func TestFlatten(t *testing.T) {
	out, err := inferFirstOutput(t, "Flatten", nil, f32Known(2, 3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, MakeKnownShape(2, 60), out.Shape)

	out, err = inferFirstOutput(t, "Flatten", Attributes{"axis": IntAttr(0)}, f32Known(2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, MakeKnownShape(1, 24), out.Shape)

	out, err = inferFirstOutput(t, "Flatten", Attributes{"axis": IntAttr(3)}, f32Known(2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, MakeKnownShape(24, 1), out.Shape)

	out, err = inferFirstOutput(t, "Flatten", Attributes{"axis": IntAttr(2)}, f32(Known(2), Known(3), Unknown()))
	require.NoError(t, err)
	assert.True(t, out.Shape.Equal(MakeShape(Known(6), Unknown())))

	_, err = inferFirstOutput(t, "Flatten", Attributes{"axis": IntAttr(4)}, f32Known(2, 3, 4))
	require.Error(t, err)
}
