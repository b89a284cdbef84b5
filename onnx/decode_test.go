package onnx

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Helpers to write ONNX protos without the generated code.

func pbBytes(b []byte, num protowire.Number, value []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

func pbString(b []byte, num protowire.Number, value string) []byte {
	return pbBytes(b, num, []byte(value))
}

func pbVarint(b []byte, num protowire.Number, value int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(value))
}

func pbFloat(b []byte, num protowire.Number, value float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(value))
}

func pbPackedInts(b []byte, num protowire.Number, values ...int64) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return pbBytes(b, num, packed)
}

// pbValueInfo encodes a ValueInfoProto of a tensor. Dimensions are int64 (dim_value) or string (dim_param).
// If dims is nil, the shape is omitted.
func pbValueInfo(name string, elemType int64, dims []any) []byte {
	var tensorType []byte
	tensorType = pbVarint(tensorType, tensorTypeElem, elemType)
	if dims != nil {
		var shape []byte
		for _, dim := range dims {
			var d []byte
			switch v := dim.(type) {
			case int:
				d = pbVarint(d, dimValue, int64(v))
			case string:
				d = pbString(d, dimParam, v)
			}
			shape = pbBytes(shape, shapeDim, d)
		}
		tensorType = pbBytes(tensorType, tensorTypeShape, shape)
	}
	var typeProto []byte
	typeProto = pbBytes(typeProto, typeTensorType, tensorType)
	var vi []byte
	vi = pbString(vi, valueInfoName, name)
	return pbBytes(vi, valueInfoType, typeProto)
}

func buildTestModelProto() []byte {
	// Initializer "w": float32[4, 3, 3, 3], with (ignored) float contents.
	var w []byte
	w = pbPackedInts(w, tensorDims, 4, 3, 3, 3)
	w = pbVarint(w, tensorDataType, 1)
	w = pbString(w, tensorName, "w")
	w = pbBytes(w, 4, []byte{0, 0, 0, 0}) // float_data, skipped.

	// Sparse initializer "s": dense shape [10, 20], values are int64.
	var sValues []byte
	sValues = pbVarint(sValues, tensorDims, 3)
	sValues = pbVarint(sValues, tensorDataType, 7)
	sValues = pbString(sValues, tensorName, "s")
	var sparse []byte
	sparse = pbBytes(sparse, sparseTensorVals, sValues)
	sparse = pbPackedInts(sparse, sparseTensorDims, 10, 20)

	// Conv node.
	var strides []byte
	strides = pbString(strides, attrName, "strides")
	strides = pbVarint(strides, attrInts, 2) // Unpacked repeated ints.
	strides = pbVarint(strides, attrInts, 2)
	strides = pbVarint(strides, attrType, int64(AttributeInts))
	var pads []byte
	pads = pbString(pads, attrName, "pads")
	pads = pbPackedInts(pads, attrInts, 1, 1, 1, 1)
	pads = pbVarint(pads, attrType, int64(AttributeInts))
	var alpha []byte // Legacy attribute without type.
	alpha = pbString(alpha, attrName, "alpha")
	alpha = pbFloat(alpha, attrFloat, 0.25)
	var tensorAttr []byte
	tensorAttr = pbString(tensorAttr, attrName, "value")
	tensorAttr = pbBytes(tensorAttr, 5, w)
	tensorAttr = pbVarint(tensorAttr, attrType, 4) // TENSOR: ignored.
	var conv []byte
	conv = pbString(conv, nodeInput, "x")
	conv = pbString(conv, nodeInput, "w")
	conv = pbString(conv, nodeOutput, "y")
	conv = pbString(conv, nodeName, "conv0")
	conv = pbString(conv, nodeOpType, "Conv")
	conv = pbBytes(conv, nodeAttribute, strides)
	conv = pbBytes(conv, nodeAttribute, pads)
	conv = pbBytes(conv, nodeAttribute, alpha)
	conv = pbBytes(conv, nodeAttribute, tensorAttr)

	var graph []byte
	graph = pbBytes(graph, graphNode, conv)
	graph = pbString(graph, graphName, "test_graph")
	graph = pbBytes(graph, graphInitializer, w)
	graph = pbBytes(graph, graphInput, pbValueInfo("x", 1, []any{"N", 3, 8, 8}))
	graph = pbBytes(graph, graphOutput, pbValueInfo("y", 1, nil))
	graph = pbBytes(graph, graphValueInfo, pbValueInfo("z", 8, []any{}))
	graph = pbBytes(graph, graphSparseInitializer, sparse)

	var opsetDefault, opsetMS []byte
	opsetDefault = pbVarint(opsetDefault, opsetVersion, 13)
	opsetMS = pbString(opsetMS, opsetDomain, "com.microsoft")
	opsetMS = pbVarint(opsetMS, opsetVersion, 1)

	var model []byte
	model = pbVarint(model, modelIRVersion, 8)
	model = pbString(model, modelProducerName, "test")
	model = pbBytes(model, modelGraph, graph) // Graph before the opsets.
	model = pbBytes(model, modelOpsetImport, opsetMS)
	model = pbBytes(model, modelOpsetImport, opsetDefault)
	model = pbString(model, 3, "producer_version") // Skipped.
	return model
}

func TestParse(t *testing.T) {
	m := must.M1(Parse(buildTestModelProto()))
	assert.Equal(t, int64(8), m.IRVersion)
	assert.Equal(t, "test", m.ProducerName)
	assert.Equal(t, 13, m.OpsetVersion)
	assert.Equal(t, []OperatorSet{{Domain: "com.microsoft", Version: 1}, {Version: 13}}, m.OperatorSets)

	g := m.Graph
	assert.Equal(t, "test_graph", g.Name)
	assert.Equal(t, []string{"x"}, m.Inputs())
	assert.Equal(t, []string{"y"}, m.Outputs())
	assert.Equal(t, []string{"w", "s"}, m.Initializers())

	x := g.Inputs[0].Info
	assert.Equal(t, dtypes.Float32, x.DType)
	assert.Equal(t, "[N, 3, 8, 8]", x.Shape.String())

	// Output without shape: unknown rank.
	assert.Equal(t, dtypes.Float32, g.Outputs[0].Info.DType)
	assert.Nil(t, g.Outputs[0].Info.Shape)

	// STRING value: unknown dtype, scalar shape.
	require.Len(t, g.ValueInfo, 1)
	assert.Equal(t, dtypes.InvalidDType, g.ValueInfo[0].Info.DType)
	assert.Equal(t, 0, g.ValueInfo[0].Info.Shape.Rank())

	assert.Equal(t, MakeKnownShape(4, 3, 3, 3), g.Initializers[0].Info.Shape)
	assert.Equal(t, dtypes.Float32, g.Initializers[0].Info.DType)
	assert.Equal(t, MakeKnownShape(10, 20), g.Initializers[1].Info.Shape)
	assert.Equal(t, dtypes.Int64, g.Initializers[1].Info.DType)

	require.Len(t, g.Nodes, 1)
	node := g.Nodes[0]
	assert.Equal(t, "conv0", node.Name)
	assert.Equal(t, "Conv", node.OpType)
	assert.Equal(t, []string{"x", "w"}, node.Inputs)
	assert.Equal(t, []string{"y"}, node.Outputs)
	assert.Equal(t, IntsAttr(2, 2), node.Attributes["strides"])
	assert.Equal(t, IntsAttr(1, 1, 1, 1), node.Attributes["pads"])
	assert.Equal(t, FloatAttr(0.25), node.Attributes["alpha"])
	assert.False(t, node.Attributes.Has("value"))

	assert.Contains(t, m.String(), "Op types:\t[]string{\"Conv\"}")
}

func TestParseErrors(t *testing.T) {
	// Truncated message.
	model := buildTestModelProto()
	_, err := Parse(model[:len(model)-3])
	require.Error(t, err)

	// Ints attribute with the wrong wire type.
	var attr []byte
	attr = pbString(attr, attrName, "strides")
	attr = pbFloat(attr, attrInts, 1)
	var node []byte
	node = pbBytes(node, nodeAttribute, attr)
	var graph []byte
	graph = pbBytes(graph, graphNode, node)
	_, err = Parse(pbBytes(nil, modelGraph, graph))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strides")

	// Empty model.
	m, err := Parse(nil)
	require.NoError(t, err)
	require.NotNil(t, m.Graph)
	assert.Empty(t, m.Graph.Nodes)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	onnxPath := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(onnxPath, buildTestModelProto(), 0o644))
	m, err := ReadFile(onnxPath)
	require.NoError(t, err)
	assert.Equal(t, "test_graph", m.Graph.Name)

	yamlPath := filepath.Join(dir, "graph.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("name: from_yaml\nopset: 11\n"), 0o644))
	m, err = ReadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "from_yaml", m.Graph.Name)
	assert.Equal(t, 11, m.OpsetVersion)

	_, err = ReadFile(filepath.Join(dir, "missing.onnx"))
	require.Error(t, err)
}
