package onnx

import (
	"maps"
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnsupportedOp is returned (wrapped) by Registry.Infer when there is no inference function for the operator.
var ErrUnsupportedOp = errors.New("operator not supported for shape inference")

// versionedFunc is an inference function registered for an operator since a given opset version.
type versionedFunc struct {
	sinceVersion int
	fn           InferenceFunc
}

// Registry maps operator types (and opset versions) to their inference functions.
//
// It is built explicitly, usually with NewRegistry, and it is not modified during inference: it is safe to
// use concurrently once built.
type Registry struct {
	ops map[string][]versionedFunc
}

// NewEmptyRegistry returns a registry without any operator. See Register.
func NewEmptyRegistry() *Registry {
	return &Registry{ops: make(map[string][]versionedFunc)}
}

// NewRegistry returns a registry with all the operators supported by this package.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()

	// Sliding-window operators.
	r.Register("Conv", 1, singleOutput(inferConv))
	r.Register("ConvTranspose", 1, singleOutput(inferConvTranspose))
	r.Register("AveragePool", 1, singleOutput(inferPool("AveragePool")))
	r.Register("AveragePool", 7, singleOutput(inferPool("AveragePool")))
	r.Register("MaxPool", 1, singleOutput(inferPool("MaxPool")))
	r.Register("LpPool", 1, singleOutput(inferPool("LpPool")))
	r.Register("LpPool", 2, singleOutput(inferPool("LpPool")))

	// Region of interest and global pooling.
	r.Register("MaxRoiPool", 1, singleOutput(inferMaxRoiPool))
	r.Register("GlobalAveragePool", 1, singleOutput(inferGlobalPool("GlobalAveragePool")))
	r.Register("GlobalMaxPool", 1, singleOutput(inferGlobalPool("GlobalMaxPool")))
	r.Register("GlobalLpPool", 1, singleOutput(inferGlobalPool("GlobalLpPool")))
	r.Register("GlobalLpPool", 2, singleOutput(inferGlobalPool("GlobalLpPool")))

	// Operators that usually go along with the ones above.
	r.Register("BatchNormalization", 7, singleOutput(inferSameAsFirstInput))
	r.Register("InstanceNormalization", 6, singleOutput(inferSameAsFirstInput))
	r.Register("LpNormalization", 1, singleOutput(inferSameAsFirstInput))
	r.Register("Dropout", 7, singleOutput(inferSameAsFirstInput))
	r.Register("LRN", 1, singleOutput(inferSameAsFirstInput))
	r.Register("Flatten", 1, singleOutput(inferFlatten))
	return r
}

// Register the inference function for opType, valid from opset sinceVersion on (until a newer version is
// registered). A registration for the same opType and sinceVersion replaces the previous one.
//
// It returns the registry itself, so calls can be chained.
func (r *Registry) Register(opType string, sinceVersion int, fn InferenceFunc) *Registry {
	versions := r.ops[opType]
	idx := sort.Search(len(versions), func(i int) bool { return versions[i].sinceVersion >= sinceVersion })
	if idx < len(versions) && versions[idx].sinceVersion == sinceVersion {
		versions[idx].fn = fn
		return r
	}
	versions = slices.Insert(versions, idx, versionedFunc{sinceVersion: sinceVersion, fn: fn})
	r.ops[opType] = versions
	return r
}

// Lookup returns the inference function for opType in the given opset version: the one registered with the
// highest sinceVersion <= opsetVersion.
// If opsetVersion <= 0, the latest registered version is returned.
func (r *Registry) Lookup(opType string, opsetVersion int) (InferenceFunc, bool) {
	versions := r.ops[opType]
	if len(versions) == 0 {
		return nil, false
	}
	if opsetVersion <= 0 {
		return versions[len(versions)-1].fn, true
	}
	idx := sort.Search(len(versions), func(i int) bool { return versions[i].sinceVersion > opsetVersion })
	if idx == 0 {
		return nil, false
	}
	return versions[idx-1].fn, true
}

// OpTypes returns the sorted list of operator types registered.
func (r *Registry) OpTypes() []string {
	return slices.Sorted(maps.Keys(r.ops))
}

// Infer runs the inference for an operator and writes the results into the outputs descriptors.
//
// Resolved outputs get their element type and shape set. Unresolved outputs only get their element type, if
// it is known. Nil output descriptors (omitted optional outputs) are skipped.
//
// If the node is structurally invalid, it returns an error and the outputs are not modified.
// If there is no inference function for the operator, it returns an error wrapping ErrUnsupportedOp.
func (r *Registry) Infer(opType string, opsetVersion int, attrs Attributes, inputs []*TensorInfo, outputs []*TensorInfo) error {
	fn, found := r.Lookup(opType, opsetVersion)
	if !found {
		return errors.Wrapf(ErrUnsupportedOp, "%s (opset version %d)", opType, opsetVersion)
	}
	results := fn(attrs, inputs, len(outputs))
	for _, result := range results {
		if result.Outcome == Failed {
			return errors.WithMessagef(result.Err, "%s", opType)
		}
	}
	for i, result := range results {
		applyResult(outputs[i], result)
	}
	return nil
}

// applyResult writes result into the output descriptor.
func applyResult(output *TensorInfo, result Result) {
	if output == nil {
		return
	}
	switch result.Outcome {
	case Resolved:
		output.DType = result.Output.DType
		output.Shape = result.Output.Shape.Clone()
	case Unresolved:
		if result.Output.HasDType() {
			output.DType = result.Output.DType
		}
	}
}
