// Package togomlx converts between the statically inferred tensor information and GoMLX shapes.
package togomlx

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/onnx-shapeinference/onnx"
	"github.com/pkg/errors"
)

// Shape converts an inferred tensor information to GoMLX shapes.Shape (it includes the dtype).
// The element type and all dimensions must be known.
func Shape(info *onnx.TensorInfo) (shape shapes.Shape, err error) {
	if info == nil {
		err = errors.New("tensor information is nil")
		return
	}
	if !info.HasDType() {
		err = errors.Errorf("tensor %s has unknown data type", info)
		return
	}
	if !info.Shape.IsFullyKnown() {
		err = errors.Errorf("tensor %s has unknown dimensions", info)
		return
	}
	shape.DType = info.DType
	shape.Dimensions = make([]int, len(info.Shape))
	for axis, dim := range info.Shape {
		value, _ := dim.Value()
		shape.Dimensions[axis] = int(value)
	}
	return
}

// TensorInfo converts a GoMLX shape to the tensor information used for inference.
// Negative dimensions (dynamic axes) become unknown dimensions.
func TensorInfo(shape shapes.Shape) *onnx.TensorInfo {
	info := &onnx.TensorInfo{DType: shape.DType, Shape: onnx.MakeShape()}
	for _, dim := range shape.Dimensions {
		if dim < 0 {
			info.Shape = append(info.Shape, onnx.Unknown())
		} else {
			info.Shape = append(info.Shape, onnx.Known(int64(dim)))
		}
	}
	return info
}

// Size returns the number of elements and the memory used (in bytes) of a tensor, if its shape and data
// type are fully known.
func Size(info *onnx.TensorInfo) (elements int, bytes uintptr, ok bool) {
	shape, err := Shape(info)
	if err != nil {
		return 0, 0, false
	}
	return shape.Size(), shape.Memory(), true
}
