package onnx

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultMaxPasses is the default maximum number of propagation passes over the graph.
const DefaultMaxPasses = 10

// ShapeResolver propagates element types and shapes through the graph of a Model.
//
// Information about each value comes from (see ShapeProvenance):
//  1. Overrides given with SetInputShapes: never changed.
//  2. Initializers (weights): never changed.
//  3. Graph inputs declarations.
//  4. ONNX value_info and graph outputs declarations: refined by inference.
//  5. Inference of the node that produces the value.
//
// Nodes are grouped in dependency levels, and the nodes of a level are inferred concurrently.
// A ShapeResolver is not safe for concurrent use.
type ShapeResolver struct {
	model    *Model
	registry *Registry

	opsetVersion int
	parallelism  int
	maxPasses    int

	overrides map[string]TensorInfo
	values    map[string]*valueState
	failures  map[*Node]error

	// Whether shape propagation has been run with the current configuration.
	propagated bool
}

// NewShapeResolver creates a new ShapeResolver for the given model, using the default registry (NewRegistry)
// and the model's opset version.
func NewShapeResolver(m *Model) *ShapeResolver {
	sr := &ShapeResolver{
		model:        m,
		registry:     NewRegistry(),
		opsetVersion: m.OpsetVersion,
		parallelism:  runtime.GOMAXPROCS(0),
		maxPasses:    DefaultMaxPasses,
		overrides:    make(map[string]TensorInfo),
	}
	sr.seedValues()
	return sr
}

// WithRegistry sets the registry of inference functions to use. It returns the ShapeResolver itself.
func (sr *ShapeResolver) WithRegistry(r *Registry) *ShapeResolver {
	sr.registry = r
	sr.propagated = false
	return sr
}

// WithOpsetVersion overrides the opset version used to select the inference functions.
// A value <= 0 selects the latest version of each operator.
func (sr *ShapeResolver) WithOpsetVersion(version int) *ShapeResolver {
	sr.opsetVersion = version
	sr.propagated = false
	return sr
}

// WithParallelism sets the maximum number of nodes inferred concurrently. A value <= 0 means no limit.
// The default is runtime.GOMAXPROCS(0).
func (sr *ShapeResolver) WithParallelism(parallelism int) *ShapeResolver {
	sr.parallelism = parallelism
	return sr
}

// WithMaxPasses sets the maximum number of propagation passes over the graph. Default is DefaultMaxPasses.
func (sr *ShapeResolver) WithMaxPasses(maxPasses int) *ShapeResolver {
	sr.maxPasses = max(maxPasses, 1)
	sr.propagated = false
	return sr
}

// SetInputShapes sets the shapes (and optionally element types) of some values, usually graph inputs with
// dynamic dimensions. These shapes take precedence over anything declared in the model, and they are never
// changed by inference. If an override has no element type, the declared one is kept.
//
// Call this before PropagateShapes. Calling it again replaces the previous overrides.
func (sr *ShapeResolver) SetInputShapes(inputShapes map[string]TensorInfo) {
	sr.overrides = make(map[string]TensorInfo, len(inputShapes))
	for name, info := range inputShapes {
		sr.overrides[name] = TensorInfo{DType: info.DType, Shape: info.Shape.Clone()}
	}
	sr.propagated = false // Need to re-propagate with new inputs
}

// seedValues resets the values to what is declared in the model, plus the overrides.
func (sr *ShapeResolver) seedValues() {
	g := sr.model.Graph
	sr.values = make(map[string]*valueState)
	sr.failures = make(map[*Node]error)
	seed := func(values []ValueInfo, provenance ShapeProvenance) {
		for _, vi := range values {
			if vi.Name == "" {
				continue
			}
			sr.values[vi.Name] = &valueState{info: *vi.Info.Clone(), provenance: provenance}
		}
	}
	// Later seeds have priority.
	seed(g.ValueInfo, ProvenanceValueInfo)
	seed(g.Outputs, ProvenanceValueInfo)
	seed(g.Inputs, ProvenanceInput)
	seed(g.Initializers, ProvenanceInitializer)
	for name, override := range sr.overrides {
		info := override.Clone()
		if !info.HasDType() {
			if v, found := sr.values[name]; found {
				info.DType = v.info.DType
			}
		}
		sr.values[name] = &valueState{info: *info, provenance: ProvenanceOverride}
	}
}

// nodeKey is how nodes are identified in error messages and in Failures: their name, or their description
// if they have no name.
func nodeKey(node *Node) string {
	if node.Name != "" {
		return node.Name
	}
	return node.String()
}

// nodeInference is the outcome of the inference of one node.
type nodeInference struct {
	outputs     []*TensorInfo
	err         error
	unsupported bool
}

// PropagateShapes propagates types and shapes through the graph.
//
// It should be called after SetInputShapes (if needed) and before querying shapes.
// Nodes that fail inference (structurally invalid nodes) are recorded, their outputs are left unresolved,
// and an error describing the failures is returned after propagating everything else. See Failures.
// Unsupported operators are skipped. It also returns an error if the graph can't be sorted (cycles), or if
// ctx is cancelled.
func (sr *ShapeResolver) PropagateShapes(ctx context.Context) error {
	if sr.propagated {
		return sr.failuresError()
	}
	levels, err := sr.model.Graph.sortedLevels()
	if err != nil {
		return err
	}
	sr.seedValues()
	loggedUnsupported := sets.Make[string]()

	// Multi-pass approach: keep processing until no more progress.
	for pass := 0; pass < sr.maxPasses; pass++ {
		changed := false
		for _, level := range levels {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "shape propagation interrupted")
			}
			results := sr.inferLevel(ctx, level)
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "shape propagation interrupted")
			}
			for i, node := range level {
				result := results[i]
				switch {
				case result.unsupported:
					if !loggedUnsupported.Has(node.OpType) {
						loggedUnsupported.Insert(node.OpType)
						klog.V(1).Infof("shape inference not supported for op type %q (domain %q), its outputs are left unresolved",
							node.OpType, node.Domain)
					}
				case result.err != nil:
					if _, found := sr.failures[node]; !found {
						sr.failures[node] = result.err
						klog.V(1).Infof("shape inference failed for node %s: %v", node, result.err)
					}
				default:
					if sr.mergeNodeOutputs(node, result.outputs) {
						changed = true
					}
				}
			}
		}
		klog.V(2).Infof("shape propagation pass #%d: changed=%v", pass, changed)
		if !changed {
			break
		}
	}
	sr.propagated = true
	return sr.failuresError()
}

// inferLevel runs the inference of the nodes of one level concurrently. Each node writes only to its own
// position of the returned slice, and the values are only read.
func (sr *ShapeResolver) inferLevel(ctx context.Context, level []*Node) []nodeInference {
	results := make([]nodeInference, len(level))
	eg, ctx := errgroup.WithContext(ctx)
	if sr.parallelism > 0 {
		eg.SetLimit(sr.parallelism)
	}
	for i, node := range level {
		if err, failed := sr.failures[node]; failed {
			results[i].err = err
			continue
		}
		inputs := sr.nodeInputs(node)
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = sr.inferNode(node, inputs)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// nodeInputs returns copies of what is known about the node inputs. Unknown or omitted inputs are nil.
func (sr *ShapeResolver) nodeInputs(node *Node) []*TensorInfo {
	inputs := make([]*TensorInfo, len(node.Inputs))
	for i, name := range node.Inputs {
		if name == "" {
			continue
		}
		if v, found := sr.values[name]; found && (v.info.HasDType() || v.info.HasShape()) {
			inputs[i] = v.info.Clone()
		}
	}
	return inputs
}

func (sr *ShapeResolver) inferNode(node *Node, inputs []*TensorInfo) nodeInference {
	if node.Domain != "" && node.Domain != "ai.onnx" {
		return nodeInference{unsupported: true}
	}
	outputs := make([]*TensorInfo, len(node.Outputs))
	for i, name := range node.Outputs {
		if name != "" {
			outputs[i] = &TensorInfo{}
		}
	}
	err := sr.registry.Infer(node.OpType, sr.opsetVersion, node.Attributes, inputs, outputs)
	if err != nil {
		if errors.Is(err, ErrUnsupportedOp) {
			return nodeInference{unsupported: true}
		}
		return nodeInference{err: err}
	}
	if klog.V(2).Enabled() {
		klog.Infof("inferred %s: inputs=%v, outputs=%v", node, inputs, outputs)
	}
	return nodeInference{outputs: outputs}
}

// mergeNodeOutputs merges the inferred outputs into the values, and returns whether anything changed.
func (sr *ShapeResolver) mergeNodeOutputs(node *Node, outputs []*TensorInfo) (changed bool) {
	for i, name := range node.Outputs {
		if name == "" || outputs[i] == nil {
			continue
		}
		v, found := sr.values[name]
		if !found {
			v = &valueState{}
			sr.values[name] = v
		}
		declared := v.info.Clone()
		outputChanged, conflict := v.mergeInferred(outputs[i])
		if conflict {
			klog.Warningf("node %s: inferred %s for %q conflicts with declared %s, using the inferred one",
				node, outputs[i], name, declared)
		}
		changed = changed || outputChanged
	}
	return changed
}

// failuresError returns an error summarizing the failed nodes, or nil if no node failed.
func (sr *ShapeResolver) failuresError() error {
	if len(sr.failures) == 0 {
		return nil
	}
	// Report the first failure in graph order.
	for _, node := range sr.model.Graph.Nodes {
		if err, found := sr.failures[node]; found {
			return errors.WithMessagef(err, "shape inference failed for %d node(s), first failure in node %s",
				len(sr.failures), nodeKey(node))
		}
	}
	return errors.Errorf("shape inference failed for %d node(s)", len(sr.failures))
}

// Failures returns the errors of the nodes that failed inference, keyed by node name (or by the node
// description, for nodes without a name). Nodes whose key is already taken by an earlier node in the graph
// are keyed as "<key>#<node index>".
func (sr *ShapeResolver) Failures() map[string]error {
	failures := make(map[string]error, len(sr.failures))
	seen := sets.Make[string]()
	for nodeIdx, node := range sr.model.Graph.Nodes {
		key := nodeKey(node)
		if seen.Has(key) {
			key = fmt.Sprintf("%s#%d", key, nodeIdx)
		}
		seen.Insert(key)
		if err, found := sr.failures[node]; found {
			failures[key] = err
		}
	}
	return failures
}

// NodeFailure returns the error of the given node of the model graph, or nil if it didn't fail inference.
func (sr *ShapeResolver) NodeFailure(node *Node) error {
	return sr.failures[node]
}

// GetInfo returns a copy of what is known about a value, and whether anything is known about it.
func (sr *ShapeResolver) GetInfo(name string) (*TensorInfo, bool) {
	v, found := sr.values[name]
	if !found || (!v.info.HasDType() && !v.info.HasShape()) {
		return nil, false
	}
	return v.info.Clone(), true
}

// GetShape returns the shape of a value (dimensions may be unknown), or false if the shape is not known.
func (sr *ShapeResolver) GetShape(name string) (Shape, bool) {
	v, found := sr.values[name]
	if !found || !v.info.HasShape() {
		return nil, false
	}
	return v.info.Shape.Clone(), true
}

// GetDimensions returns the dimensions of a value.
// Returns nil if the shape is not known or has unknown dimensions.
func (sr *ShapeResolver) GetDimensions(name string) []int {
	shape, ok := sr.GetShape(name)
	if !ok || !shape.IsFullyKnown() {
		return nil
	}
	dims := make([]int, len(shape))
	for i, d := range shape {
		v, _ := d.Value()
		dims[i] = int(v)
	}
	return dims
}

// Provenance returns where the information about the value comes from.
func (sr *ShapeResolver) Provenance(name string) ShapeProvenance {
	if v, found := sr.values[name]; found {
		return v.provenance
	}
	return ProvenanceUnknown
}

// ValueNames returns the names of all values of the graph: graph inputs and initializers first, followed by
// the node outputs in graph order.
func (sr *ShapeResolver) ValueNames() []string {
	g := sr.model.Graph
	seen := sets.Make[string]()
	var names []string
	add := func(name string) {
		if name != "" && !seen.Has(name) {
			seen.Insert(name)
			names = append(names, name)
		}
	}
	for _, vi := range g.Inputs {
		add(vi.Name)
	}
	for _, vi := range g.Initializers {
		add(vi.Name)
	}
	for _, node := range g.Nodes {
		for _, name := range node.Outputs {
			add(name)
		}
	}
	for _, vi := range g.Outputs {
		add(vi.Name)
	}
	return names
}

// Unresolved returns the node outputs whose shape is not known, in graph order.
func (sr *ShapeResolver) Unresolved() []string {
	var names []string
	for _, node := range sr.model.Graph.Nodes {
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if _, ok := sr.GetShape(output); !ok {
				names = append(names, output)
			}
		}
	}
	return names
}

// UnresolvedSummary returns a one-line summary of the number of unresolved outputs per op type, sorted by
// decreasing count. It returns an empty string if all outputs are resolved.
func (sr *ShapeResolver) UnresolvedSummary() string {
	unresolvedByOp := make(map[string]int)
	for _, node := range sr.model.Graph.Nodes {
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if _, ok := sr.GetShape(output); !ok {
				unresolvedByOp[node.OpType]++
			}
		}
	}
	if len(unresolvedByOp) == 0 {
		return ""
	}
	ops := slices.Sorted(maps.Keys(unresolvedByOp))
	slices.SortStableFunc(ops, func(a, b string) int { return unresolvedByOp[b] - unresolvedByOp[a] })
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("%s=%d", op, unresolvedByOp[op])
	}
	return strings.Join(parts, ", ")
}

// TraceDependencies traces backwards from a value to show why its shape couldn't be resolved.
// It returns a formatted string showing the dependency chain, one value per line.
func (sr *ShapeResolver) TraceDependencies(name string) string {
	producers := make(map[string]*Node)
	for _, node := range sr.model.Graph.Nodes {
		for _, output := range node.Outputs {
			if output != "" {
				producers[output] = node
			}
		}
	}
	var sb strings.Builder
	sr.traceDepsRecursive(&sb, producers, name, 0, sets.Make[string]())
	return sb.String()
}

func (sr *ShapeResolver) traceDepsRecursive(sb *strings.Builder, producers map[string]*Node, name string, depth int,
	visited sets.Set[string]) {
	indent := strings.Repeat("  ", depth)
	if visited.Has(name) {
		fmt.Fprintf(sb, "%s%s [already listed]\n", indent, name)
		return
	}
	visited.Insert(name)

	var info *TensorInfo
	if v, found := sr.values[name]; found {
		info = &v.info
	}
	node := producers[name]
	if node == nil {
		fmt.Fprintf(sb, "%s%s: %s (%s)\n", indent, name, info, sr.Provenance(name))
		return
	}
	status := ""
	if err, failed := sr.failures[node]; failed {
		status = fmt.Sprintf(" FAILED: %v", err)
	}
	fmt.Fprintf(sb, "%s%s: %s (%s) <- %s%s\n", indent, name, info, sr.Provenance(name), node.OpType, status)

	// Only recurse into unresolved values.
	if info.HasShape() {
		return
	}
	for _, input := range node.Inputs {
		if input != "" {
			sr.traceDepsRecursive(sb, producers, input, depth+1, visited)
		}
	}
}
