package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// inferConvTranspose infers the output of ONNX ConvTranspose.
//
// If the output_shape attribute is given, it is used verbatim for the spatial axes. Otherwise, for each
// spatial axis:
//
//	output[i] = stride[i] * (input[i] - 1) + output_padding[i] + kernel[i] - pad_begin[i] - pad_end[i]
//
// Grouped transposed convolutions, dilations and auto_pad are not handled and leave the output unresolved.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ConvTranspose.html
func inferConvTranspose(attrs Attributes, inputs []*TensorInfo) Result {
	const opType = "ConvTranspose"
	result := unresolved(inputs)
	if !hasNInputShapes(inputs, 2) {
		return result
	}
	if attrs.Has("auto_pad") {
		return result
	}

	inputShape := inputs[0].Shape
	if inputShape.Rank() < 2 {
		exceptions.Panicf("%s: input tensor must have at least 2 dimensions, got shape %s", opType, inputShape)
	}
	spatialRank := inputShape.Rank() - 2

	if getIntAttrOr(attrs, opType, "group", 1) != 1 {
		return result
	}
	if attrs.Has("dilations") {
		return result
	}

	pads, _ := spatialListAttr(attrs, opType, "pads", 2*spatialRank, xslices.SliceWithValue(2*spatialRank, int64(0)))
	checkMinValue(opType, "pads", pads, 0)
	strides, _ := spatialListAttr(attrs, opType, "strides", spatialRank, xslices.SliceWithValue(spatialRank, int64(1)))
	checkMinValue(opType, "strides", strides, 1)
	kernelShape, hasKernelShape := spatialListAttr(attrs, opType, "kernel_shape", spatialRank, nil)
	checkMinValue(opType, "kernel_shape", kernelShape, 1)
	explicitOutputShape, hasOutputShape := spatialListAttr(attrs, opType, "output_shape", spatialRank, nil)
	checkMinValue(opType, "output_shape", explicitOutputShape, 0)
	outputPadding, _ := spatialListAttr(attrs, opType, "output_padding", spatialRank, xslices.SliceWithValue(spatialRank, int64(0)))
	checkMinValue(opType, "output_padding", outputPadding, 0)

	weightsShape := inputs[1].Shape
	if weightsShape.Rank() < 2 {
		exceptions.Panicf("%s: second input (weights) tensor must have at least 2 dimensions, got shape %s", opType, weightsShape)
	}

	outputShape := make(Shape, 0, inputShape.Rank())
	outputShape = append(outputShape, inputShape[0])
	// Output channels are on the second axis of the weights: [C, M/group, k_1, ..., k_n].
	outputShape = append(outputShape, weightsShape[1])

	if hasOutputShape {
		for i, target := range explicitOutputShape {
			if inputDim, known := inputShape[2+i].Value(); known && target < inputDim {
				exceptions.Panicf("%s: output_shape[%d]=%d cannot be smaller than the input spatial dimension %d (input shape %s)",
					opType, i, target, inputDim, inputShape)
			}
			outputShape = append(outputShape, Known(target))
		}
		return resolved(inputs[0].DType, outputShape)
	}

	if !hasKernelShape {
		if weightsShape.Rank() < spatialRank+2 {
			exceptions.Panicf("%s: second input (weights) tensor has wrong dimension, got shape %s but input has %d spatial axes",
				opType, weightsShape, spatialRank)
		}
		var ok bool
		kernelShape, ok = kernelShapeFromWeights(opType, weightsShape, spatialRank)
		if !ok {
			return result
		}
		checkMinValue(opType, "kernel_shape", kernelShape, 1)
	}

	for i := range spatialRank {
		inputDim, known := inputShape[2+i].Value()
		if !known {
			outputShape = append(outputShape, Unknown())
			continue
		}
		newDim := strides[i]*(inputDim-1) + outputPadding[i] + kernelShape[i] - pads[i] - pads[i+spatialRank]
		if newDim < 0 {
			outputShape = append(outputShape, Unknown())
			continue
		}
		outputShape = append(outputShape, Known(newDim))
	}
	return resolved(inputs[0].DType, outputShape)
}
