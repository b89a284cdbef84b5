package onnx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Outcome of the inference of one output.
type Outcome int

const (
	// Unresolved means there was not enough information to compute the output shape, or the configuration
	// is one that is deliberately not handled. It is not an error: inference can be tried again later.
	// The element type may still be set.
	Unresolved Outcome = iota

	// Resolved means the output shape was computed. Individual dimensions may still be unknown.
	Resolved

	// Failed means the node is structurally invalid: it must be reported as a graph construction error.
	Failed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result of inference for one output of a node.
type Result struct {
	Outcome Outcome

	// Output holds the element type (if known, for any outcome other than Failed) and the shape (only if Resolved).
	Output TensorInfo

	// Err is set only if Outcome is Failed.
	Err error
}

// InferenceFunc computes the results for each of the numOutputs outputs of a node, given its attributes and
// what is known about its inputs. A nil input means nothing is known about it.
//
// It must be a pure function: it doesn't keep state between calls, and it must not modify attrs or inputs.
// It returns exactly numOutputs results, except for failures: a structurally invalid node is reported with
// at least one Failed result, even if it has no outputs.
type InferenceFunc func(attrs Attributes, inputs []*TensorInfo, numOutputs int) []Result

// unresolved returns an Unresolved result that carries the element type of input 0, if known.
func unresolved(inputs []*TensorInfo) Result {
	r := Result{Outcome: Unresolved}
	if len(inputs) > 0 && inputs[0] != nil {
		r.Output.DType = inputs[0].DType
	}
	return r
}

// resolved returns a Resolved result with the given element type and shape.
func resolved(dtype dtypes.DType, shape Shape) Result {
	return Result{Outcome: Resolved, Output: TensorInfo{DType: dtype, Shape: shape}}
}

// failedResults returns numOutputs Failed results sharing the same error.
func failedResults(err error, numOutputs int) []Result {
	results := make([]Result, numOutputs)
	for i := range results {
		results[i] = Result{Outcome: Failed, Err: err}
	}
	return results
}

// singleOutput adapts an inference of the first output into an InferenceFunc: the remaining outputs are
// left Unresolved (without element type), and hard failures raised with exceptions.Panicf are converted to
// Failed results.
func singleOutput(fn func(attrs Attributes, inputs []*TensorInfo) Result) InferenceFunc {
	return func(attrs Attributes, inputs []*TensorInfo, numOutputs int) []Result {
		var first Result
		err := exceptions.TryCatch[error](func() {
			first = fn(attrs, inputs)
		})
		if err != nil {
			return failedResults(errors.WithMessage(err, "shape inference failed"), max(numOutputs, 1))
		}
		if numOutputs <= 0 {
			return nil
		}
		results := make([]Result, numOutputs)
		results[0] = first
		return results
	}
}
