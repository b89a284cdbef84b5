package onnx

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// AttributeType enumerates the attribute value types supported, following ONNX AttributeProto.AttributeType.
type AttributeType int

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
)

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	switch t {
	case AttributeFloat:
		return "FLOAT"
	case AttributeInt:
		return "INT"
	case AttributeString:
		return "STRING"
	case AttributeFloats:
		return "FLOATS"
	case AttributeInts:
		return "INTS"
	case AttributeStrings:
		return "STRINGS"
	default:
		return fmt.Sprintf("UNDEFINED(%d)", int(t))
	}
}

// Attribute is a named, typed configuration value of a node. Only the field matching Type is meaningful.
type Attribute struct {
	Type    AttributeType
	Int     int64
	Float   float32
	String  string
	Ints    []int64
	Floats  []float32
	Strings []string
}

// IntAttr returns an INT attribute.
func IntAttr(v int64) Attribute { return Attribute{Type: AttributeInt, Int: v} }

// FloatAttr returns a FLOAT attribute.
func FloatAttr(v float32) Attribute { return Attribute{Type: AttributeFloat, Float: v} }

// StringAttr returns a STRING attribute.
func StringAttr(v string) Attribute { return Attribute{Type: AttributeString, String: v} }

// IntsAttr returns an INTS attribute.
func IntsAttr(v ...int64) Attribute { return Attribute{Type: AttributeInts, Ints: v} }

// FloatsAttr returns a FLOATS attribute.
func FloatsAttr(v ...float32) Attribute { return Attribute{Type: AttributeFloats, Floats: v} }

// StringsAttr returns a STRINGS attribute.
func StringsAttr(v ...string) Attribute { return Attribute{Type: AttributeStrings, Strings: v} }

// valueString returns the attribute value formatted for printing.
func (a Attribute) valueString() string {
	switch a.Type {
	case AttributeFloat:
		return fmt.Sprintf("%g", a.Float)
	case AttributeInt:
		return fmt.Sprintf("%d", a.Int)
	case AttributeString:
		return fmt.Sprintf("%q", a.String)
	case AttributeFloats:
		return fmt.Sprintf("%v", a.Floats)
	case AttributeInts:
		return fmt.Sprintf("%v", a.Ints)
	case AttributeStrings:
		return fmt.Sprintf("%q", a.Strings)
	default:
		return "<undefined>"
	}
}

// Attributes of a node, keyed by name. A missing key means the attribute is absent.
//
// Inference functions only read attributes, they never modify them.
type Attributes map[string]Attribute

// Has returns whether the attribute is present.
func (attrs Attributes) Has(name string) bool {
	_, found := attrs[name]
	return found
}

// String implements fmt.Stringer, listing attributes sorted by name.
func (attrs Attributes) String() string {
	parts := make([]string, 0, len(attrs))
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		parts = append(parts, fmt.Sprintf("%s=%s", name, attrs[name].valueString()))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// getAttr returns the attribute and whether it is present. If present, it must be of the given type,
// otherwise it panics with an exception.
func getAttr(attrs Attributes, opType, name string, attrType AttributeType) (Attribute, bool) {
	attr, found := attrs[name]
	if !found {
		return attr, false
	}
	if attr.Type != attrType {
		exceptions.Panicf("%s: attribute %q has type %s, expected %s", opType, name, attr.Type, attrType)
	}
	return attr, true
}

// getIntAttrOr gets an integer attribute if present or returns the given defaultValue.
// It panics with an exception if the attribute is present but is of the wrong type.
func getIntAttrOr(attrs Attributes, opType, name string, defaultValue int64) int64 {
	attr, found := getAttr(attrs, opType, name, AttributeInt)
	if !found {
		return defaultValue
	}
	return attr.Int
}

// getFloatAttrOr gets a float attribute if present or returns the given defaultValue.
// It panics with an exception if the attribute is present but is of the wrong type.
func getFloatAttrOr(attrs Attributes, opType, name string, defaultValue float32) float32 {
	attr, found := getAttr(attrs, opType, name, AttributeFloat)
	if !found {
		return defaultValue
	}
	return attr.Float
}

// getStringAttrOr gets a string attribute if present or returns the given defaultValue.
// It panics with an exception if the attribute is present but is of the wrong type.
func getStringAttrOr(attrs Attributes, opType, name, defaultValue string) string {
	attr, found := getAttr(attrs, opType, name, AttributeString)
	if !found {
		return defaultValue
	}
	return attr.String
}

// getIntsAttr gets an integer list attribute. It returns false if the attribute is absent: the caller
// decides on the default.
// It panics with an exception if the attribute is present but is of the wrong type.
func getIntsAttr(attrs Attributes, opType, name string) ([]int64, bool) {
	attr, found := getAttr(attrs, opType, name, AttributeInts)
	if !found {
		return nil, false
	}
	return attr.Ints, true
}

// spatialListAttr reads a list attribute that must have exactly size values, one per spatial axis
// (or 2 per spatial axis, for pads).
// If absent it returns defaultValue (which may be nil) and false.
func spatialListAttr(attrs Attributes, opType, name string, size int, defaultValue []int64) ([]int64, bool) {
	values, found := getIntsAttr(attrs, opType, name)
	if !found {
		return defaultValue, false
	}
	if len(values) != size {
		exceptions.Panicf("%s: attribute %q has incorrect size: got %d values %v, expected %d",
			opType, name, len(values), values, size)
	}
	return values, true
}

// requiredSpatialListAttr is like spatialListAttr, but the attribute must be present.
func requiredSpatialListAttr(attrs Attributes, opType, name string, size int) []int64 {
	values, found := spatialListAttr(attrs, opType, name, size, nil)
	if !found {
		exceptions.Panicf("%s: attribute %q must be specified", opType, name)
	}
	return values
}

// checkMinValue panics with an exception if any of the values is smaller than minValue.
func checkMinValue(opType, name string, values []int64, minValue int64) {
	for i, v := range values {
		if v < minValue {
			exceptions.Panicf("%s: attribute %q has invalid value %d at position %d (values %v), it must be >= %d",
				opType, name, v, i, values, minValue)
		}
	}
}
