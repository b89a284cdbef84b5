// onnx_shapes reads an ONNX model (or a YAML graph description), propagates the element types and shapes
// through its graph, and prints what is known about each value.
//
// Usage:
//
//	onnx_shapes [flags] <model.onnx|graph.yaml>
//
// Dynamic input dimensions can be set with -input, e.g. "-input pixel_values=1,3,224,224".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/onnx-shapeinference/internal/togomlx"
	"github.com/gomlx/onnx-shapeinference/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOpset = flag.Int("opset", 0, "Opset version used to select the inference functions. "+
		"If 0, the model's default domain opset version is used.")
	flagParallelism = flag.Int("parallelism", 0, "Maximum number of nodes inferred concurrently. "+
		"If 0, it uses the number of CPUs.")
	flagMaxPasses = flag.Int("max_passes", onnx.DefaultMaxPasses, "Maximum number of propagation passes over the graph.")
	flagAll       = flag.Bool("all", false, "Also list the initializers (model weights).")
	flagModel     = flag.Bool("model", false, "Print a summary of the model before the values.")
	flagTrace     = flag.String("trace", "", "Name of a value to trace back the dependencies of, to find out why "+
		"it is not resolved.")
	flagInputs = make(inputOverrides)
)

func init() {
	flag.Var(flagInputs, "input", "Override the shape of a graph input, in the form \"name=d0,d1,...\". "+
		"Dimensions can be integers, \"?\" or a symbolic name. It can be given multiple times.")
}

// inputOverrides implements flag.Value for the repeatable -input flag.
type inputOverrides map[string]onnx.TensorInfo

func (o inputOverrides) String() string {
	parts := make([]string, 0, len(o))
	for name, info := range o {
		parts = append(parts, name+"="+info.Shape.String())
	}
	return strings.Join(parts, " ")
}

func (o inputOverrides) Set(value string) error {
	name, dimsStr, found := strings.Cut(value, "=")
	if !found || name == "" {
		return errors.Errorf("invalid input override %q, it must be in the form \"name=d0,d1,...\"", value)
	}
	shape := onnx.MakeShape()
	if dimsStr != "" {
		for _, part := range strings.Split(dimsStr, ",") {
			part = strings.TrimSpace(part)
			if part == "?" || part == "" {
				shape = append(shape, onnx.Unknown())
				continue
			}
			v, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				shape = append(shape, onnx.Symbolic(part))
				continue
			}
			if v < 0 {
				return errors.Errorf("invalid negative dimension %d in input override %q", v, value)
			}
			shape = append(shape, onnx.Known(v))
		}
	}
	o[name] = onnx.TensorInfo{Shape: shape}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing model file to read. See 'onnx_shapes -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'onnx_shapes -help'.")
		os.Exit(1)
	}
	if err := run(context.Background(), args[0]); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, modelPath string) error {
	model, err := onnx.ReadFile(modelPath)
	if err != nil {
		return err
	}
	if *flagModel {
		fmt.Println(model)
	}

	sr := onnx.NewShapeResolver(model).WithMaxPasses(*flagMaxPasses)
	if *flagParallelism > 0 {
		sr.WithParallelism(*flagParallelism)
	}
	if *flagOpset > 0 {
		sr.WithOpsetVersion(*flagOpset)
	}
	if len(flagInputs) > 0 {
		sr.SetInputShapes(flagInputs)
	}
	propagateErr := sr.PropagateShapes(ctx)
	report(model, sr)
	if *flagTrace != "" {
		fmt.Println(titleStyle.Render("Dependencies of " + *flagTrace))
		fmt.Print(sr.TraceDependencies(*flagTrace))
	}
	if summary := sr.UnresolvedSummary(); summary != "" {
		klog.Infof("Unresolved outputs per op type: %s", summary)
	}
	return propagateErr
}

func report(model *onnx.Model, sr *onnx.ShapeResolver) {
	initializers := make(map[string]bool)
	for _, name := range model.Initializers() {
		initializers[name] = true
	}
	failures := sr.Failures()
	producerFailed := make(map[string]bool)
	for _, node := range model.Graph.Nodes {
		if sr.NodeFailure(node) != nil {
			for _, output := range node.Outputs {
				producerFailed[output] = true
			}
		}
	}

	fmt.Println(titleStyle.Render("Values"))
	table := newTableWithReds(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Table.Headers("Value", "DType", "Shape", "Elements", "Bytes", "Provenance")
	var numValues, numResolved int
	for _, name := range sr.ValueNames() {
		if initializers[name] && !*flagAll {
			continue
		}
		numValues++
		dtypeStr, shapeStr, elementsStr, bytesStr := "?", "?", "", ""
		info, found := sr.GetInfo(name)
		if found {
			if info.HasDType() {
				dtypeStr = info.DType.String()
			}
			if info.HasShape() {
				shapeStr = info.Shape.String()
				numResolved++
			}
			if elements, bytes, ok := togomlx.Size(info); ok {
				elementsStr = humanize.Comma(int64(elements))
				bytesStr = humanize.Bytes(uint64(bytes))
			}
		}
		table.Row(producerFailed[name] || !info.HasShape(),
			name, dtypeStr, shapeStr, elementsStr, bytesStr, sr.Provenance(name).String())
	}
	fmt.Println(table.Table.Render())
	fmt.Printf("%s of %s values with known shape, %s failed node(s)\n",
		humanize.Comma(int64(numResolved)), humanize.Comma(int64(numValues)), humanize.Comma(int64(len(failures))))
	for node, err := range failures {
		klog.Errorf("Node %s: %v", node, err)
	}
}
