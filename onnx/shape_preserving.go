package onnx

import (
	"github.com/gomlx/exceptions"
)

// inferSameAsFirstInput is used by operators whose first output has the same type and shape as the first
// input: BatchNormalization (inference mode), InstanceNormalization, LpNormalization, Dropout and LRN.
func inferSameAsFirstInput(_ Attributes, inputs []*TensorInfo) Result {
	if !hasNInputShapes(inputs, 1) {
		return unresolved(inputs)
	}
	return resolved(inputs[0].DType, inputs[0].Shape.Clone())
}

// inferFlatten infers the output of ONNX Flatten: input (d_0, ..., d_n) becomes
// (d_0 * ... * d_(axis-1), d_axis * ... * d_n).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Flatten.html
func inferFlatten(attrs Attributes, inputs []*TensorInfo) Result {
	const opType = "Flatten"
	if !hasNInputShapes(inputs, 1) {
		return unresolved(inputs)
	}
	inputShape := inputs[0].Shape
	rank := int64(inputShape.Rank())
	axis := getIntAttrOr(attrs, opType, "axis", 1)
	if axis < 0 || axis > rank {
		exceptions.Panicf("%s: invalid value %d for attribute %q, it must be in [0, %d] for input shape %s",
			opType, axis, "axis", rank, inputShape)
	}
	return resolved(inputs[0].DType, MakeShape(multiplyDims(inputShape[:axis]), multiplyDims(inputShape[axis:])))
}

// multiplyDims returns the product of the dimensions, unknown if any of them is unknown.
// The product of no dimensions is 1.
func multiplyDims(dims []Dim) Dim {
	product := int64(1)
	for _, dim := range dims {
		value, known := dim.Value()
		if !known {
			return Unknown()
		}
		product *= value
	}
	return Known(product)
}
