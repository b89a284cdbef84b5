package onnx

import (
	"github.com/gomlx/exceptions"
)

// inferMaxRoiPool infers the output of ONNX MaxRoiPool: (num_rois, channels, pooled_shape[0], pooled_shape[1]).
//
// The pooled height and width are taken verbatim from the pooled_shape attribute; they don't depend on the
// input spatial dimensions.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MaxRoiPool.html
func inferMaxRoiPool(attrs Attributes, inputs []*TensorInfo) Result {
	const opType = "MaxRoiPool"
	result := unresolved(inputs)
	// RoIs are the second input.
	if !hasNInputShapes(inputs, 2) {
		return result
	}

	inputShape := inputs[0].Shape
	roisShape := inputs[1].Shape
	if inputShape.Rank() < 2 {
		exceptions.Panicf("%s: input tensor must have at least 2 dimensions, got shape %s", opType, inputShape)
	}
	if roisShape.Rank() != 2 {
		exceptions.Panicf("%s: rois tensor must have 2 dimensions, got shape %s", opType, roisShape)
	}

	pooledShape := requiredSpatialListAttr(attrs, opType, "pooled_shape", 2)
	checkMinValue(opType, "pooled_shape", pooledShape, 0)
	_ = getFloatAttrOr(attrs, opType, "spatial_scale", 1.0)

	outputShape := MakeShape(roisShape[0], inputShape[1], Known(pooledShape[0]), Known(pooledShape[1]))
	return resolved(inputs[0].DType, outputShape)
}
