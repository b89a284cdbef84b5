package onnx

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Graph is the computation graph of a Model: only what is needed for shape inference is kept.
type Graph struct {
	Name string

	// Inputs, Outputs and ValueInfo hold the declared type information about the graph inputs, outputs and
	// intermediary values. Any of it may be partial or missing.
	Inputs, Outputs, ValueInfo []ValueInfo

	// Initializers are the constant tensors (weights) of the model: their shapes are always known.
	Initializers []ValueInfo

	// Nodes in the order they appear in the model.
	Nodes []*Node
}

// ValueInfo is the type information about a named value of the graph.
type ValueInfo struct {
	Name string
	Info TensorInfo
}

// Node is one operation of the graph.
type Node struct {
	Name, OpType, Domain string

	// Inputs and Outputs are value names. An empty name is an omitted optional input or output.
	Inputs, Outputs []string

	Attributes Attributes
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	sb.WriteString(n.OpType)
	if n.Name != "" {
		sb.WriteString("(" + n.Name + ")")
	}
	sb.WriteString(": [" + strings.Join(n.Inputs, ", ") + "] -> [" + strings.Join(n.Outputs, ", ") + "]")
	if len(n.Attributes) > 0 {
		sb.WriteString(" " + n.Attributes.String())
	}
	return sb.String()
}

// sortedLevels returns the nodes of the graph sorted in dependency levels: nodes of a level only depend on
// values produced by nodes of previous levels (or on values not produced by any node, like inputs and
// initializers). Within a level, nodes keep the order of g.Nodes.
//
// It returns an error if two nodes produce the same value, or if the graph has a cycle.
func (g *Graph) sortedLevels() ([][]*Node, error) {
	producers := make(map[string]*Node, len(g.Nodes))
	for _, node := range g.Nodes {
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if other, found := producers[output]; found {
				return nil, errors.Errorf("value %q is produced by more than one node: %s and %s", output, other, node)
			}
			producers[output] = node
		}
	}

	// Build reverse dependency map and count pending dependencies of each node.
	pending := make(map[*Node]int, len(g.Nodes))
	outputToDependants := make(map[string][]*Node)
	nodeOrder := make(map[*Node]int, len(g.Nodes))
	var current []*Node
	for idx, node := range g.Nodes {
		nodeOrder[node] = idx
		deps := sets.Make[string]()
		for _, input := range node.Inputs {
			if input == "" || deps.Has(input) {
				continue
			}
			if _, produced := producers[input]; !produced {
				// Graph input, initializer or a dangling value: available from the start.
				continue
			}
			deps.Insert(input)
			outputToDependants[input] = append(outputToDependants[input], node)
		}
		pending[node] = len(deps)
		if len(deps) == 0 {
			current = append(current, node)
		}
	}

	var levels [][]*Node
	numSorted := 0
	for len(current) > 0 {
		levels = append(levels, current)
		numSorted += len(current)
		var next []*Node
		for _, node := range current {
			for _, output := range node.Outputs {
				if output == "" {
					continue
				}
				for _, dep := range outputToDependants[output] {
					pending[dep]--
					if pending[dep] == 0 {
						next = append(next, dep)
					}
				}
			}
		}
		slices.SortFunc(next, func(a, b *Node) int { return cmp.Compare(nodeOrder[a], nodeOrder[b]) })
		current = next
	}

	if numSorted != len(g.Nodes) {
		var stuck []string
		for _, node := range g.Nodes {
			if pending[node] > 0 {
				stuck = append(stuck, node.String())
			}
		}
		return nil, errors.Errorf("sorting operations graph failed: %d of %d nodes are part of or depend on a cycle: %s",
			len(g.Nodes)-numSorted, len(g.Nodes), strings.Join(stuck, "; "))
	}
	return levels, nil
}
