package onnx

import (
	"github.com/gomlx/exceptions"
)

// inferGlobalPool returns the inference of the global pooling operators (GlobalAveragePool, GlobalMaxPool and
// GlobalLpPool): the output is (N, C, 1, 1, ..., 1), with one 1 per spatial axis of the input.
// The spatial dimensions of the input don't need to be known.
func inferGlobalPool(opType string) func(attrs Attributes, inputs []*TensorInfo) Result {
	return func(attrs Attributes, inputs []*TensorInfo) Result {
		result := unresolved(inputs)
		if !hasNInputShapes(inputs, 1) {
			return result
		}
		inputShape := inputs[0].Shape
		if inputShape.Rank() < 2 {
			exceptions.Panicf("%s: input tensor must have at least 2 dimensions, got shape %s", opType, inputShape)
		}
		outputShape := make(Shape, 0, inputShape.Rank())
		outputShape = append(outputShape, inputShape[0], inputShape[1])
		for range inputShape.Rank() - 2 {
			outputShape = append(outputShape, Known(1))
		}
		return resolved(inputs[0].DType, outputShape)
	}
}
