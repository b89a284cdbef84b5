package onnx

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Field numbers of the ONNX protobuf messages (onnx.proto3) used for shape inference.
// Everything else (tensor contents, doc strings, metadata, functions, sub-graphs) is skipped.
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7
	modelOpsetImport  protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode              protowire.Number = 1
	graphName              protowire.Number = 2
	graphInitializer       protowire.Number = 5
	graphInput             protowire.Number = 11
	graphOutput            protowire.Number = 12
	graphValueInfo         protowire.Number = 13
	graphSparseInitializer protowire.Number = 15

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDomain    protowire.Number = 7

	attrName    protowire.Number = 1
	attrFloat   protowire.Number = 2
	attrInt     protowire.Number = 3
	attrString  protowire.Number = 4
	attrFloats  protowire.Number = 7
	attrInts    protowire.Number = 8
	attrStrings protowire.Number = 9
	attrType    protowire.Number = 20

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType   protowire.Number = 1
	tensorTypeElem   protowire.Number = 1
	tensorTypeShape  protowire.Number = 2
	shapeDim         protowire.Number = 1
	dimValue         protowire.Number = 1
	dimParam         protowire.Number = 2
	tensorDims       protowire.Number = 1
	tensorDataType   protowire.Number = 2
	tensorName       protowire.Number = 8
	sparseTensorVals protowire.Number = 1
	sparseTensorDims protowire.Number = 3
)

// protoField is one decoded field of a protobuf message. Scalars (varint, fixed32 and fixed64) are held in
// scalar, length-delimited values in bytes.
type protoField struct {
	num    protowire.Number
	typ    protowire.Type
	scalar uint64
	bytes  []byte
}

// decodeFields calls fn for each field of the serialized message b, in the order they appear.
func decodeFields(b []byte, fn func(f protoField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "invalid field tag")
		}
		b = b[n:]
		f := protoField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.scalar = uint64(v)
		case protowire.Fixed64Type:
			f.scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "invalid value for field %d", num)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// appendInt64s appends the values of a repeated int64 field, either packed or not.
func appendInt64s(values []int64, f protoField) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(values, int64(f.scalar)), nil
	case protowire.BytesType:
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "invalid packed int64 in field %d", f.num)
			}
			values = append(values, int64(v))
			b = b[n:]
		}
		return values, nil
	}
	return nil, errors.Errorf("field %d has wire type %d, expected an int64", f.num, f.typ)
}

// appendFloats appends the values of a repeated float field, either packed or not.
func appendFloats(values []float32, f protoField) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(values, math.Float32frombits(uint32(f.scalar))), nil
	case protowire.BytesType:
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "invalid packed float in field %d", f.num)
			}
			values = append(values, math.Float32frombits(v))
			b = b[n:]
		}
		return values, nil
	}
	return nil, errors.Errorf("field %d has wire type %d, expected a float", f.num, f.typ)
}

// decodeModel decodes a serialized ONNX ModelProto.
func decodeModel(b []byte) (*Model, error) {
	m := &Model{}
	var graphBytes []byte
	err := decodeFields(b, func(f protoField) error {
		switch f.num {
		case modelIRVersion:
			m.IRVersion = int64(f.scalar)
		case modelProducerName:
			m.ProducerName = string(f.bytes)
		case modelGraph:
			graphBytes = f.bytes
		case modelOpsetImport:
			var opset OperatorSet
			err := decodeFields(f.bytes, func(f protoField) error {
				switch f.num {
				case opsetDomain:
					opset.Domain = string(f.bytes)
				case opsetVersion:
					opset.Version = int64(f.scalar)
				}
				return nil
			})
			if err != nil {
				return errors.WithMessage(err, "opset_import")
			}
			m.OperatorSets = append(m.OperatorSets, opset)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, opset := range m.OperatorSets {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			m.OpsetVersion = int(opset.Version)
		}
	}
	// The graph is decoded last, so the order of the fields in the message doesn't matter.
	if graphBytes != nil {
		m.Graph, err = decodeGraph(graphBytes)
		if err != nil {
			return nil, errors.WithMessage(err, "graph")
		}
	} else {
		m.Graph = &Graph{}
	}
	return m, nil
}

func decodeGraph(b []byte) (*Graph, error) {
	g := &Graph{}
	err := decodeFields(b, func(f protoField) error {
		switch f.num {
		case graphNode:
			node, err := decodeNode(f.bytes)
			if err != nil {
				return errors.WithMessagef(err, "node #%d", len(g.Nodes))
			}
			g.Nodes = append(g.Nodes, node)
		case graphName:
			g.Name = string(f.bytes)
		case graphInitializer:
			vi, err := decodeTensorInfo(f.bytes)
			if err != nil {
				return errors.WithMessagef(err, "initializer #%d", len(g.Initializers))
			}
			g.Initializers = append(g.Initializers, vi)
		case graphSparseInitializer:
			vi, err := decodeSparseTensorInfo(f.bytes)
			if err != nil {
				return errors.WithMessagef(err, "sparse_initializer #%d", len(g.Initializers))
			}
			g.Initializers = append(g.Initializers, vi)
		case graphInput, graphOutput, graphValueInfo:
			vi, err := decodeValueInfo(f.bytes)
			if err != nil {
				return err
			}
			switch f.num {
			case graphInput:
				g.Inputs = append(g.Inputs, vi)
			case graphOutput:
				g.Outputs = append(g.Outputs, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func decodeNode(b []byte) (*Node, error) {
	node := &Node{Attributes: make(Attributes)}
	err := decodeFields(b, func(f protoField) error {
		switch f.num {
		case nodeInput:
			node.Inputs = append(node.Inputs, string(f.bytes))
		case nodeOutput:
			node.Outputs = append(node.Outputs, string(f.bytes))
		case nodeName:
			node.Name = string(f.bytes)
		case nodeOpType:
			node.OpType = string(f.bytes)
		case nodeDomain:
			node.Domain = string(f.bytes)
		case nodeAttribute:
			name, attr, err := decodeAttribute(f.bytes)
			if err != nil {
				return err
			}
			if attr.Type != AttributeUndefined {
				node.Attributes[name] = attr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// decodeAttribute decodes an AttributeProto. Attributes holding tensors or graphs are returned with
// AttributeUndefined type, and should be ignored.
func decodeAttribute(b []byte) (name string, attr Attribute, err error) {
	var declaredType int64
	var hasFloat, hasInt, hasString bool
	err = decodeFields(b, func(f protoField) error {
		var err error
		switch f.num {
		case attrName:
			name = string(f.bytes)
		case attrType:
			declaredType = int64(f.scalar)
		case attrFloat:
			attr.Float = math.Float32frombits(uint32(f.scalar))
			hasFloat = true
		case attrInt:
			attr.Int = int64(f.scalar)
			hasInt = true
		case attrString:
			attr.String = string(f.bytes)
			hasString = true
		case attrFloats:
			attr.Floats, err = appendFloats(attr.Floats, f)
		case attrInts:
			attr.Ints, err = appendInt64s(attr.Ints, f)
		case attrStrings:
			attr.Strings = append(attr.Strings, string(f.bytes))
		}
		return err
	})
	if err != nil {
		return "", Attribute{}, errors.WithMessagef(err, "attribute %q", name)
	}

	switch AttributeType(declaredType) {
	case AttributeFloat, AttributeInt, AttributeString, AttributeFloats, AttributeInts, AttributeStrings:
		attr.Type = AttributeType(declaredType)
	case AttributeUndefined:
		// Old models don't set the type: it is taken from the field that is set.
		switch {
		case hasFloat:
			attr.Type = AttributeFloat
		case hasInt:
			attr.Type = AttributeInt
		case hasString:
			attr.Type = AttributeString
		case len(attr.Floats) > 0:
			attr.Type = AttributeFloats
		case len(attr.Ints) > 0:
			attr.Type = AttributeInts
		case len(attr.Strings) > 0:
			attr.Type = AttributeStrings
		}
	default:
		attr = Attribute{}
	}
	return name, attr, nil
}

// decodeTensorInfo decodes the name, dimensions and element type of a TensorProto (or of the values of a
// SparseTensorProto). The tensor contents are not read.
func decodeTensorInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	var dims []int64
	var onnxDType int64
	err := decodeFields(b, func(f protoField) error {
		var err error
		switch f.num {
		case tensorName:
			vi.Name = string(f.bytes)
		case tensorDims:
			dims, err = appendInt64s(dims, f)
		case tensorDataType:
			onnxDType = int64(f.scalar)
		}
		return err
	})
	if err != nil {
		return vi, err
	}
	vi.Info.Shape = MakeKnownShape(dims...)
	vi.Info.DType = decodeDType(vi.Name, onnxDType)
	return vi, nil
}

// decodeDType converts the ONNX element type of a value. Types without a GoMLX counterpart (e.g. STRING)
// are taken as unknown.
func decodeDType(name string, onnxDType int64) dtypes.DType {
	dtype, err := DTypeForONNX(int32(onnxDType))
	if err != nil {
		klog.V(1).Infof("value %q: %v", name, err)
	}
	return dtype
}

// decodeSparseTensorInfo decodes a SparseTensorProto: the name and element type come from its values tensor,
// and the (dense) dimensions from its own dims field.
func decodeSparseTensorInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	var dims []int64
	err := decodeFields(b, func(f protoField) error {
		var err error
		switch f.num {
		case sparseTensorVals:
			vi, err = decodeTensorInfo(f.bytes)
		case sparseTensorDims:
			dims, err = appendInt64s(dims, f)
		}
		return err
	})
	if err != nil {
		return vi, err
	}
	vi.Info.Shape = MakeKnownShape(dims...)
	return vi, nil
}

// decodeValueInfo decodes a ValueInfoProto. Values that are not tensors (sequences, maps, optionals) get an
// empty TensorInfo.
func decodeValueInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := decodeFields(b, func(f protoField) error {
		switch f.num {
		case valueInfoName:
			vi.Name = string(f.bytes)
		case valueInfoType:
			return decodeFields(f.bytes, func(f protoField) error {
				if f.num != typeTensorType {
					return nil
				}
				info, err := decodeTensorType(vi.Name, f.bytes)
				vi.Info = info
				return err
			})
		}
		return nil
	})
	if err != nil {
		return vi, errors.WithMessagef(err, "value %q", vi.Name)
	}
	return vi, nil
}

// decodeTensorType decodes a TypeProto.Tensor. A missing shape field means the rank is unknown (nil Shape).
func decodeTensorType(name string, b []byte) (TensorInfo, error) {
	var info TensorInfo
	err := decodeFields(b, func(f protoField) error {
		switch f.num {
		case tensorTypeElem:
			info.DType = decodeDType(name, int64(f.scalar))
		case tensorTypeShape:
			info.Shape = MakeShape()
			return decodeFields(f.bytes, func(f protoField) error {
				if f.num != shapeDim {
					return nil
				}
				dim, err := decodeDim(f.bytes)
				info.Shape = append(info.Shape, dim)
				return err
			})
		}
		return nil
	})
	return info, err
}

// decodeDim decodes a TensorShapeProto.Dimension. Negative values (used by some exporters for dynamic axes)
// are taken as unknown.
func decodeDim(b []byte) (Dim, error) {
	dim := Unknown()
	err := decodeFields(b, func(f protoField) error {
		switch f.num {
		case dimValue:
			if v := int64(f.scalar); v >= 0 {
				dim = Known(v)
			}
		case dimParam:
			dim = Symbolic(string(f.bytes))
		}
		return nil
	})
	return dim, err
}
