package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDim(t *testing.T) {
	var zero Dim
	assert.False(t, zero.IsKnown())
	assert.Equal(t, "?", zero.String())

	d := Known(0)
	v, known := d.Value()
	assert.True(t, known)
	assert.Equal(t, int64(0), v)
	assert.Equal(t, "0", d.String())

	s := Symbolic("batch_size")
	assert.False(t, s.IsKnown())
	assert.Equal(t, "batch_size", s.String())
}

func TestShape(t *testing.T) {
	var unknownRank Shape
	assert.Equal(t, -1, unknownRank.Rank())
	assert.Equal(t, "[?]", unknownRank.String())
	assert.False(t, unknownRank.IsFullyKnown())

	scalar := MakeShape()
	assert.NotNil(t, scalar)
	assert.Equal(t, 0, scalar.Rank())
	assert.True(t, scalar.IsFullyKnown())
	assert.False(t, scalar.Equal(unknownRank))
	assert.Equal(t, "[]", scalar.String())

	s := MakeShape(Symbolic("N"), Known(3), Unknown())
	assert.Equal(t, "[N, 3, ?]", s.String())
	assert.False(t, s.IsFullyKnown())
	assert.True(t, s.Equal(MakeShape(Unknown(), Known(3), Symbolic("M"))))
	assert.False(t, s.Equal(MakeShape(Unknown(), Known(4), Unknown())))
	assert.False(t, s.Equal(MakeShape(Unknown(), Known(3))))

	c := s.Clone()
	c[1] = Known(5)
	assert.Equal(t, Known(3), s[1])
	assert.Nil(t, unknownRank.Clone())
}

func TestTensorInfo(t *testing.T) {
	var nilInfo *TensorInfo
	assert.False(t, nilInfo.HasShape())
	assert.False(t, nilInfo.HasDType())
	assert.Nil(t, nilInfo.Clone())
	assert.Equal(t, "(?)[?]", nilInfo.String())

	info := &TensorInfo{DType: dtypes.Float32, Shape: MakeKnownShape(2, 3)}
	assert.True(t, info.HasShape())
	assert.True(t, info.HasDType())
	assert.Equal(t, "(Float32)[2, 3]", info.String())

	dtypeOnly := &TensorInfo{DType: dtypes.Int64}
	assert.False(t, dtypeOnly.HasShape())
	assert.Equal(t, "(Int64)[?]", dtypeOnly.String())

	assert.True(t, hasNInputShapes([]*TensorInfo{info, info}, 2))
	assert.True(t, hasNInputShapes([]*TensorInfo{info, nil}, 1))
	assert.False(t, hasNInputShapes([]*TensorInfo{info, nil}, 2))
	assert.False(t, hasNInputShapes([]*TensorInfo{info, dtypeOnly}, 2))
	assert.False(t, hasNInputShapes([]*TensorInfo{info}, 2))
}

func TestAttributes(t *testing.T) {
	attrs := Attributes{
		"group":   IntAttr(2),
		"alpha":   FloatAttr(0.5),
		"mode":    StringAttr("NOTSET"),
		"pads":    IntsAttr(0, 1, 0, 1),
		"scales":  FloatsAttr(1, 2),
		"names":   StringsAttr("a", "b"),
		"unknown": {},
	}
	assert.True(t, attrs.Has("group"))
	assert.False(t, attrs.Has("strides"))
	assert.Equal(t, `{alpha=0.5, group=2, mode="NOTSET", names=["a" "b"], pads=[0 1 0 1], scales=[1 2], unknown=<undefined>}`,
		attrs.String())

	assert.Equal(t, int64(2), getIntAttrOr(attrs, "Test", "group", 1))
	assert.Equal(t, int64(1), getIntAttrOr(attrs, "Test", "missing", 1))
	assert.Equal(t, float32(0.5), getFloatAttrOr(attrs, "Test", "alpha", 1))
	assert.Equal(t, "NOTSET", getStringAttrOr(attrs, "Test", "mode", ""))

	values, found := getIntsAttr(attrs, "Test", "pads")
	assert.True(t, found)
	assert.Equal(t, []int64{0, 1, 0, 1}, values)
	_, found = getIntsAttr(attrs, "Test", "strides")
	assert.False(t, found)

	values, found = spatialListAttr(attrs, "Test", "strides", 2, []int64{1, 1})
	assert.False(t, found)
	assert.Equal(t, []int64{1, 1}, values)

	require.Panics(t, func() { getIntAttrOr(attrs, "Test", "alpha", 1) })
	require.Panics(t, func() { spatialListAttr(attrs, "Test", "pads", 2, nil) })
	require.Panics(t, func() { requiredSpatialListAttr(attrs, "Test", "kernel_shape", 2) })
	require.Panics(t, func() { checkMinValue("Test", "pads", []int64{0, -1}, 0) })
	require.NotPanics(t, func() { checkMinValue("Test", "strides", []int64{1, 2}, 1) })
}

func TestDTypes(t *testing.T) {
	dtype, err := DTypeForONNX(1)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
	dtype, err = DTypeForONNX(16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, dtype)
	dtype, err = DTypeForONNX(0)
	require.NoError(t, err)
	assert.Equal(t, dtypes.InvalidDType, dtype)
	_, err = DTypeForONNX(8) // STRING
	require.Error(t, err)

	for name, expected := range map[string]dtypes.DType{
		"FLOAT":   dtypes.Float32,
		"double":  dtypes.Float64,
		"float32": dtypes.Float32,
		"Int64":   dtypes.Int64,
		"F16":     dtypes.Float16,
		"bool":    dtypes.Bool,
		"?":       dtypes.InvalidDType,
		"":        dtypes.InvalidDType,
	} {
		dtype, err := ParseDType(name)
		require.NoErrorf(t, err, "dtype name %q", name)
		assert.Equalf(t, expected, dtype, "dtype name %q", name)
	}
	_, err = ParseDType("string")
	require.Error(t, err)
	_, err = ParseDType("float128")
	require.Error(t, err)
}
