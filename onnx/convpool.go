package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// convPoolShape infers the output shape of Conv and of the (non-global) pooling operators.
//
// For Conv (useDilation=true, requireKernelShape=false) the kernel shape may be taken from the
// weights (input 1) spatial dimensions, and the output channels are the number of filters (weights axis 0).
// For the pooling operators (useDilation=false, requireKernelShape=true) the kernel_shape attribute is
// required and the output channels are the input channels.
//
// Output spatial dimension i is floor((inputDim + padBegin + padEnd - ((kernel-1)*dilation+1)) / stride) + 1.
func convPoolShape(opType string, attrs Attributes, inputs []*TensorInfo, useDilation, requireKernelShape bool) Result {
	result := unresolved(inputs)
	if !hasNInputShapes(inputs, 1) {
		return result
	}
	if !requireKernelShape && !hasNInputShapes(inputs, 2) {
		return result
	}
	if attrs.Has("auto_pad") {
		// Legacy padding mode: not handled.
		return result
	}

	inputShape := inputs[0].Shape
	if inputShape.Rank() < 2 {
		exceptions.Panicf("%s: input tensor must have at least 2 dimensions, got shape %s", opType, inputShape)
	}
	// First axis is the batch, the second the channels.
	spatialRank := inputShape.Rank() - 2

	dilations := xslices.SliceWithValue(spatialRank, int64(1))
	if useDilation {
		dilations, _ = spatialListAttr(attrs, opType, "dilations", spatialRank, dilations)
		checkMinValue(opType, "dilations", dilations, 1)
	}

	if getIntAttrOr(attrs, opType, "group", 1) != 1 {
		// Grouped convolutions are not handled.
		return result
	}

	pads, _ := spatialListAttr(attrs, opType, "pads", 2*spatialRank, xslices.SliceWithValue(2*spatialRank, int64(0)))
	checkMinValue(opType, "pads", pads, 0)
	strides, _ := spatialListAttr(attrs, opType, "strides", spatialRank, xslices.SliceWithValue(spatialRank, int64(1)))
	checkMinValue(opType, "strides", strides, 1)

	var weightsShape Shape
	if !requireKernelShape {
		weightsShape = inputs[1].Shape
		if weightsShape.Rank() < 1 {
			exceptions.Panicf("%s: second input (weights) tensor has wrong dimension, got shape %s", opType, weightsShape)
		}
	}

	kernelShape, found := spatialListAttr(attrs, opType, "kernel_shape", spatialRank, nil)
	if !found {
		if requireKernelShape {
			exceptions.Panicf("%s: attribute %q must be specified", opType, "kernel_shape")
		}
		var ok bool
		kernelShape, ok = kernelShapeFromWeights(opType, weightsShape, spatialRank)
		if !ok {
			return result
		}
	}
	checkMinValue(opType, "kernel_shape", kernelShape, 1)

	outputShape := make(Shape, 0, inputShape.Rank())
	outputShape = append(outputShape, inputShape[0])
	if requireKernelShape {
		outputShape = append(outputShape, inputShape[1])
	} else {
		outputShape = append(outputShape, weightsShape[0])
	}
	for i := range spatialRank {
		inputDim, known := inputShape[2+i].Value()
		if !known {
			outputShape = append(outputShape, Unknown())
			continue
		}
		// How big is the input, including padding.
		effectiveInputSize := inputDim + pads[i] + pads[i+spatialRank]
		// How big is the kernel, accounting for dilation.
		effectiveKernelSize := (kernelShape[i]-1)*dilations[i] + 1
		if effectiveInputSize < effectiveKernelSize {
			outputShape = append(outputShape, Unknown())
			continue
		}
		// How many times the kernel can be moved from its initial position, plus the initial position.
		outputShape = append(outputShape, Known((effectiveInputSize-effectiveKernelSize)/strides[i]+1))
	}
	return resolved(inputs[0].DType, outputShape)
}

// kernelShapeFromWeights returns the trailing spatialRank dimensions of the weights shape.
// It returns false if any of them is unknown.
func kernelShapeFromWeights(opType string, weightsShape Shape, spatialRank int) ([]int64, bool) {
	if weightsShape.Rank() < spatialRank+1 {
		exceptions.Panicf("%s: second input (weights) tensor has wrong dimension, got shape %s but input has %d spatial axes",
			opType, weightsShape, spatialRank)
	}
	kernelShape := make([]int64, 0, spatialRank)
	for _, dim := range weightsShape[weightsShape.Rank()-spatialRank:] {
		value, known := dim.Value()
		if !known {
			return nil, false
		}
		kernelShape = append(kernelShape, value)
	}
	return kernelShape, true
}

// inferConv infers the output of ONNX Conv.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func inferConv(attrs Attributes, inputs []*TensorInfo) Result {
	return convPoolShape("Conv", attrs, inputs, true, false)
}

// inferPool returns the inference of one of the windowed pooling operators: AveragePool, MaxPool and LpPool.
// Their specific attributes (count_include_pad, storage_order, p) don't change the shape.
func inferPool(opType string) func(attrs Attributes, inputs []*TensorInfo) Result {
	return func(attrs Attributes, inputs []*TensorInfo) Result {
		return convPoolShape(opType, attrs, inputs, false, true)
	}
}
