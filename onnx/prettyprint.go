package onnx

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	// w writes to the buffer.
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.Graph.Name != "" {
		w("\tGraph:\t%s\n", m.Graph.Name)
	}
	if m.ProducerName != "" {
		w("\tProducer:\t%s\n", m.ProducerName)
	}
	w("\tIR Version:\t%d\n", m.IRVersion)
	w("\tOperator Sets:\t[")
	for ii, opSet := range m.OperatorSets {
		if ii > 0 {
			w(", ")
		}
		if opSet.Domain != "" {
			w("v%d (%s)", opSet.Version, opSet.Domain)
		} else {
			w("v%d", opSet.Version)
		}
	}
	w("]\n")

	writeValues := func(title string, values []ValueInfo) {
		if len(values) == 0 {
			return
		}
		w("\t%s:\n", title)
		for _, vi := range values {
			w("\t\t%s: %s\n", vi.Name, &vi.Info)
		}
	}
	writeValues("Inputs", m.Graph.Inputs)
	writeValues("Outputs", m.Graph.Outputs)
	w("\t# initializers:\t%d\n", len(m.Graph.Initializers))

	w("\t# nodes:\t%d\n", len(m.Graph.Nodes))
	opTypesSet := sets.Make[string]()
	for _, n := range m.Graph.Nodes {
		opTypesSet.Insert(n.OpType)
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))
	return buf.String()
}
