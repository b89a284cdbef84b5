package onnx

import (
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// The YAML graph description is a human-writable alternative to the ONNX protobuf, with only the information
// used for shape inference. Example:
//
//	name: small_cnn
//	opset: 11
//	inputs:
//	  - {name: x, dtype: float32, shape: [batch, 3, 32, 32]}
//	initializers:
//	  - {name: w, dtype: float32, shape: [8, 3, 3, 3]}
//	outputs:
//	  - {name: y}
//	nodes:
//	  - op: Conv
//	    inputs: [x, w]
//	    outputs: [y]
//	    attributes: {pads: [1, 1, 1, 1], strides: [2, 2]}
//
// Dimensions are integers, "?" (quoted) or null for unknown, or a symbolic name (also unknown). A value
// without shape has unknown rank, and "shape: []" is a scalar. Attribute types are taken from the YAML values:
// integers are INT, numbers with a decimal point are FLOAT, anything else is STRING. Lists are INTS, FLOATS
// or STRINGS.
type yamlModel struct {
	Name         string          `yaml:"name"`
	IRVersion    int64           `yaml:"ir_version"`
	Producer     string          `yaml:"producer"`
	Opset        int             `yaml:"opset"`
	Inputs       []yamlValueInfo `yaml:"inputs"`
	Outputs      []yamlValueInfo `yaml:"outputs"`
	ValueInfo    []yamlValueInfo `yaml:"value_info"`
	Initializers []yamlValueInfo `yaml:"initializers"`
	Nodes        []yamlNode      `yaml:"nodes"`
}

type yamlValueInfo struct {
	Name  string     `yaml:"name"`
	DType string     `yaml:"dtype"`
	Shape *yamlShape `yaml:"shape"`
}

type yamlShape []Dim

// UnmarshalYAML implements yaml.Unmarshaler. The dimensions are decoded here, and not by an unmarshaler of
// each element, since yaml.v3 doesn't call unmarshalers for null values.
func (s *yamlShape) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return errors.Errorf("line %d: shape must be a list of dimensions, got %q", value.Line, value.Value)
	}
	shape := make(yamlShape, 0, len(value.Content))
	for _, dimNode := range value.Content {
		dim, err := parseYAMLDim(dimNode)
		if err != nil {
			return err
		}
		shape = append(shape, dim)
	}
	*s = shape
	return nil
}

func parseYAMLDim(value *yaml.Node) (Dim, error) {
	if value.Kind == yaml.AliasNode && value.Alias != nil {
		value = value.Alias
	}
	if value.Kind != yaml.ScalarNode {
		return Dim{}, errors.Errorf("line %d: dimension must be a scalar, got %q", value.Line, value.Value)
	}
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(value.Value, 0, 64)
		if err != nil {
			return Dim{}, errors.Wrapf(err, "line %d: invalid dimension", value.Line)
		}
		if v < 0 {
			return Dim{}, errors.Errorf("line %d: invalid negative dimension %d, use \"?\" for unknown dimensions", value.Line, v)
		}
		return Known(v), nil
	}
	if value.Tag == "!!null" || value.Value == "?" || value.Value == "" {
		return Unknown(), nil
	}
	return Symbolic(value.Value), nil
}

type yamlNode struct {
	Name       string               `yaml:"name"`
	Op         string               `yaml:"op"`
	Domain     string               `yaml:"domain"`
	Inputs     []string             `yaml:"inputs"`
	Outputs    []string             `yaml:"outputs"`
	Attributes map[string]yaml.Node `yaml:"attributes"`
}

// ParseYAML parses a YAML graph description into a Model.
func ParseYAML(contents []byte) (*Model, error) {
	var ym yamlModel
	if err := yaml.Unmarshal(contents, &ym); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML graph description")
	}
	m := &Model{
		IRVersion:    ym.IRVersion,
		ProducerName: ym.Producer,
		OpsetVersion: ym.Opset,
		Graph:        &Graph{Name: ym.Name},
	}
	if ym.Opset > 0 {
		m.OperatorSets = []OperatorSet{{Version: int64(ym.Opset)}}
	}
	g := m.Graph
	var err error
	for _, list := range []struct {
		from []yamlValueInfo
		to   *[]ValueInfo
		kind string
	}{
		{ym.Inputs, &g.Inputs, "input"},
		{ym.Outputs, &g.Outputs, "output"},
		{ym.ValueInfo, &g.ValueInfo, "value_info"},
		{ym.Initializers, &g.Initializers, "initializer"},
	} {
		*list.to = make([]ValueInfo, len(list.from))
		for i, yvi := range list.from {
			(*list.to)[i], err = yvi.toValueInfo()
			if err != nil {
				return nil, errors.WithMessagef(err, "%s #%d", list.kind, i)
			}
		}
	}
	for _, vi := range g.Initializers {
		if vi.Info.Shape == nil {
			return nil, errors.Errorf("initializer %q must have a shape", vi.Name)
		}
	}

	g.Nodes = make([]*Node, len(ym.Nodes))
	for i, yn := range ym.Nodes {
		if yn.Op == "" {
			return nil, errors.Errorf("node #%d (%q) has no op", i, yn.Name)
		}
		node := &Node{
			Name:       yn.Name,
			OpType:     yn.Op,
			Domain:     yn.Domain,
			Inputs:     yn.Inputs,
			Outputs:    yn.Outputs,
			Attributes: make(Attributes, len(yn.Attributes)),
		}
		for name, value := range yn.Attributes {
			node.Attributes[name], err = yamlAttribute(&value)
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d (%s), attribute %q", i, yn.Op, name)
			}
		}
		g.Nodes[i] = node
	}
	return m, nil
}

func (yvi yamlValueInfo) toValueInfo() (ValueInfo, error) {
	vi := ValueInfo{Name: yvi.Name}
	if yvi.Name == "" {
		return vi, errors.New("missing name")
	}
	var err error
	vi.Info.DType, err = ParseDType(yvi.DType)
	if err != nil {
		return vi, errors.WithMessagef(err, "value %q", yvi.Name)
	}
	if yvi.Shape != nil {
		vi.Info.Shape = MakeShape()
		for _, d := range *yvi.Shape {
			vi.Info.Shape = append(vi.Info.Shape, d)
		}
	}
	return vi, nil
}

// yamlAttribute converts a YAML value to an Attribute, using the YAML tags to decide the type.
func yamlAttribute(value *yaml.Node) (Attribute, error) {
	switch value.Kind {
	case yaml.ScalarNode:
		switch value.Tag {
		case "!!int":
			v, err := strconv.ParseInt(value.Value, 0, 64)
			if err != nil {
				return Attribute{}, errors.Wrapf(err, "line %d", value.Line)
			}
			return IntAttr(v), nil
		case "!!float":
			v, err := strconv.ParseFloat(value.Value, 32)
			if err != nil {
				return Attribute{}, errors.Wrapf(err, "line %d", value.Line)
			}
			return FloatAttr(float32(v)), nil
		default:
			return StringAttr(value.Value), nil
		}

	case yaml.SequenceNode:
		listType := AttributeInts
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return Attribute{}, errors.Errorf("line %d: lists of lists are not valid attributes", item.Line)
			}
			switch {
			case item.Tag == "!!int":
			case item.Tag == "!!float" && listType != AttributeStrings:
				listType = AttributeFloats
			default:
				listType = AttributeStrings
			}
		}
		attr := Attribute{Type: listType}
		for _, item := range value.Content {
			switch listType {
			case AttributeInts:
				v, err := strconv.ParseInt(item.Value, 0, 64)
				if err != nil {
					return Attribute{}, errors.Wrapf(err, "line %d", item.Line)
				}
				attr.Ints = append(attr.Ints, v)
			case AttributeFloats:
				v, err := strconv.ParseFloat(item.Value, 32)
				if err != nil {
					return Attribute{}, errors.Wrapf(err, "line %d", item.Line)
				}
				attr.Floats = append(attr.Floats, float32(v))
			default:
				attr.Strings = append(attr.Strings, item.Value)
			}
		}
		return attr, nil
	}
	return Attribute{}, errors.Errorf("line %d: invalid attribute value, it must be a scalar or a list of scalars", value.Line)
}
