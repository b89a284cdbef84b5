// Package onnx provides static shape and type inference for ONNX models, with a focus on the sliding-window
// operators: Conv, ConvTranspose, the pooling operators (AveragePool, MaxPool, LpPool), MaxRoiPool and the
// global pooling operators.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model. ParseYAML does the same for a YAML graph description.
//   - ReadFile: reads a file and calls Parse or ParseYAML, depending on the file extension. It returns a Model.
//   - Registry: maps operator types and opset versions to inference functions. Registry.Infer infers the
//     outputs of one node.
//   - ShapeResolver: propagates shapes and element types through a Model's graph.
//
// Inference never looks at tensor values. For each output it either resolves the shape (possibly with some
// unknown dimensions), abstains (not enough information, or a configuration that is not handled) or fails
// (the node is structurally invalid).
package onnx

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	IRVersion    int64
	ProducerName string

	// OperatorSets imported by the model.
	OperatorSets []OperatorSet

	// OpsetVersion of the default ("ai.onnx") domain, or 0 if not specified.
	OpsetVersion int

	Graph *Graph
}

// OperatorSet identifies an operator set imported by the model.
type OperatorSet struct {
	Domain  string
	Version int64
}

// Parse parses a serialized ONNX model (ModelProto).
//
// Only what is needed for shape inference is kept: the contents of the tensors are not read.
func Parse(contents []byte) (*Model, error) {
	m, err := decodeModel(contents)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX model proto")
	}
	return m, nil
}

// ReadFile parses an ONNX model file. Files with the ".yaml" or ".yml" extension are parsed with ParseYAML,
// anything else with Parse.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	var m *Model
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		m, err = ParseYAML(contents)
	default:
		m, err = Parse(contents)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "file %s", filePath)
	}
	return m, nil
}

// Inputs returns the names of the graph inputs that are not initializers.
func (m *Model) Inputs() []string {
	initializers := make(map[string]bool, len(m.Graph.Initializers))
	for _, vi := range m.Graph.Initializers {
		initializers[vi.Name] = true
	}
	names := make([]string, 0, len(m.Graph.Inputs))
	for _, vi := range m.Graph.Inputs {
		if !initializers[vi.Name] {
			names = append(names, vi.Name)
		}
	}
	return names
}

// Outputs returns the names of the graph outputs.
func (m *Model) Outputs() []string {
	return valueNames(m.Graph.Outputs)
}

// Initializers returns the names of the constant tensors (weights) of the model.
func (m *Model) Initializers() []string {
	return valueNames(m.Graph.Initializers)
}

func valueNames(values []ValueInfo) []string {
	names := make([]string, len(values))
	for i, vi := range values {
		names[i] = vi.Name
	}
	return names
}
