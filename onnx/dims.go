package onnx

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Dim is one axis of a Shape: either a known non-negative size or unknown.
//
// The zero value is an unknown dimension.
type Dim struct {
	value int64
	known bool

	// Param is the symbolic name of an unknown dimension (ONNX "dim_param"), e.g. "batch_size".
	// It is only used for printing.
	Param string
}

// Known returns a Dim with the given size.
func Known(value int64) Dim {
	return Dim{value: value, known: true}
}

// Unknown returns an unknown Dim.
func Unknown() Dim {
	return Dim{}
}

// Symbolic returns an unknown Dim with a symbolic name.
func Symbolic(param string) Dim {
	return Dim{Param: param}
}

// IsKnown returns whether the dimension has a concrete value.
func (d Dim) IsKnown() bool { return d.known }

// Value returns the dimension value and whether it is known.
func (d Dim) Value() (int64, bool) { return d.value, d.known }

// String implements fmt.Stringer. Unknown dimensions are printed as "?" or by their symbolic name.
func (d Dim) String() string {
	if d.known {
		return fmt.Sprintf("%d", d.value)
	}
	if d.Param != "" {
		return d.Param
	}
	return "?"
}

// Shape is the ordered list of dimensions of a tensor.
//
// A nil Shape means the shape is not known at all, not even its rank.
// Use MakeShape to create a ranked shape (it is never nil, even for scalars).
type Shape []Dim

// MakeShape returns a ranked shape with the given dimensions.
func MakeShape(dims ...Dim) Shape {
	s := make(Shape, len(dims))
	copy(s, dims)
	return s
}

// MakeKnownShape returns a ranked shape with all dimensions known.
func MakeKnownShape(dims ...int64) Shape {
	s := make(Shape, len(dims))
	for i, d := range dims {
		s[i] = Known(d)
	}
	return s
}

// Rank returns the number of axes, or -1 if the shape is not known.
func (s Shape) Rank() int {
	if s == nil {
		return -1
	}
	return len(s)
}

// IsFullyKnown returns whether the shape is ranked and all its dimensions are known.
func (s Shape) IsFullyKnown() bool {
	if s == nil {
		return false
	}
	for _, d := range s {
		if !d.known {
			return false
		}
	}
	return true
}

// Equal returns whether both shapes have the same rank and the same dimensions.
// Unknown dimensions are equal to each other regardless of their symbolic names.
func (s Shape) Equal(other Shape) bool {
	if (s == nil) != (other == nil) || len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].known != other[i].known || s[i].value != other[i].value {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape. A nil shape remains nil.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return MakeShape(s...)
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s == nil {
		return "[?]"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// TensorInfo describes what is statically known about a tensor: its element type and its shape.
//
// DType is dtypes.InvalidDType if the element type is not known, and Shape is nil if the shape is not known.
type TensorInfo struct {
	DType dtypes.DType
	Shape Shape
}

// HasShape returns whether the tensor has a (ranked) shape. It is safe to call on a nil TensorInfo.
func (t *TensorInfo) HasShape() bool {
	return t != nil && t.Shape != nil
}

// HasDType returns whether the element type is known. It is safe to call on a nil TensorInfo.
func (t *TensorInfo) HasDType() bool {
	return t != nil && t.DType != dtypes.InvalidDType
}

// Clone returns a deep copy.
func (t *TensorInfo) Clone() *TensorInfo {
	if t == nil {
		return nil
	}
	return &TensorInfo{DType: t.DType, Shape: t.Shape.Clone()}
}

// String implements fmt.Stringer.
func (t *TensorInfo) String() string {
	if t == nil {
		return "(?)[?]"
	}
	dtype := "?"
	if t.HasDType() {
		dtype = t.DType.String()
	}
	return fmt.Sprintf("(%s)%s", dtype, t.Shape)
}

// hasNInputShapes returns whether the first n inputs are present and have a shape.
func hasNInputShapes(inputs []*TensorInfo, n int) bool {
	if len(inputs) < n {
		return false
	}
	for _, input := range inputs[:n] {
		if !input.HasShape() {
			return false
		}
	}
	return true
}
