package onnx

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ONNX TensorProto.DataType values.
const (
	onnxFloat      int32 = 1
	onnxUint8      int32 = 2
	onnxInt8       int32 = 3
	onnxUint16     int32 = 4
	onnxInt16      int32 = 5
	onnxInt32      int32 = 6
	onnxInt64      int32 = 7
	onnxString     int32 = 8
	onnxBool       int32 = 9
	onnxFloat16    int32 = 10
	onnxDouble     int32 = 11
	onnxUint32     int32 = 12
	onnxUint64     int32 = 13
	onnxComplex64  int32 = 14
	onnxComplex128 int32 = 15
	onnxBFloat16   int32 = 16
)

var onnxToDType = map[int32]dtypes.DType{
	onnxFloat:      dtypes.Float32,
	onnxUint8:      dtypes.Uint8,
	onnxInt8:       dtypes.Int8,
	onnxUint16:     dtypes.Uint16,
	onnxInt16:      dtypes.Int16,
	onnxInt32:      dtypes.Int32,
	onnxInt64:      dtypes.Int64,
	onnxBool:       dtypes.Bool,
	onnxFloat16:    dtypes.Float16,
	onnxDouble:     dtypes.Float64,
	onnxUint32:     dtypes.Uint32,
	onnxUint64:     dtypes.Uint64,
	onnxComplex64:  dtypes.Complex64,
	onnxComplex128: dtypes.Complex128,
	onnxBFloat16:   dtypes.BFloat16,
}

// onnxTypeNames are the ONNX names of the data types, as used in the ONNX documentation.
var onnxTypeNames = map[string]int32{
	"FLOAT":      onnxFloat,
	"UINT8":      onnxUint8,
	"INT8":       onnxInt8,
	"UINT16":     onnxUint16,
	"INT16":      onnxInt16,
	"INT32":      onnxInt32,
	"INT64":      onnxInt64,
	"STRING":     onnxString,
	"BOOL":       onnxBool,
	"FLOAT16":    onnxFloat16,
	"DOUBLE":     onnxDouble,
	"UINT32":     onnxUint32,
	"UINT64":     onnxUint64,
	"COMPLEX64":  onnxComplex64,
	"COMPLEX128": onnxComplex128,
	"BFLOAT16":   onnxBFloat16,
}

// DTypeForONNX converts an ONNX data type (TensorProto.DataType) to a GoMLX data type.
// Code 0 (UNDEFINED) converts to dtypes.InvalidDType without error: it means the type is not known.
func DTypeForONNX(onnxDType int32) (dtypes.DType, error) {
	if onnxDType == 0 {
		return dtypes.InvalidDType, nil
	}
	dtype, found := onnxToDType[onnxDType]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %d", onnxDType)
	}
	return dtype, nil
}

// ParseDType converts a data type name to a GoMLX data type. It accepts GoMLX names ("float32", "Float32",
// "F32") and ONNX names ("FLOAT", "DOUBLE"). An empty name or "?" means an unknown type (dtypes.InvalidDType).
func ParseDType(name string) (dtypes.DType, error) {
	if name == "" || name == "?" {
		return dtypes.InvalidDType, nil
	}
	if code, found := onnxTypeNames[strings.ToUpper(name)]; found {
		if dtype, err := DTypeForONNX(code); err == nil {
			return dtype, nil
		}
	}
	if dtype, found := dtypes.MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := dtypes.MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown data type %q", name)
}
