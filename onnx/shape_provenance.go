package onnx

// ShapeProvenance tracks where the type and shape information of a value comes from.
type ShapeProvenance int

const (
	// ProvenanceUnknown - nothing is known about the value.
	ProvenanceUnknown ShapeProvenance = iota

	// ProvenanceValueInfo - declared in the model's value_info or graph outputs. It may be refined by inference.
	ProvenanceValueInfo

	// ProvenanceInput - declared in the graph inputs.
	ProvenanceInput

	// ProvenanceInitializer - shape of a constant tensor (model weights).
	ProvenanceInitializer

	// ProvenanceInferred - computed by shape inference of the node that produces it.
	ProvenanceInferred

	// ProvenanceOverride - set by the user with ShapeResolver.SetInputShapes.
	ProvenanceOverride
)

// String returns a human-readable name for the provenance.
func (p ShapeProvenance) String() string {
	switch p {
	case ProvenanceUnknown:
		return "unknown"
	case ProvenanceValueInfo:
		return "value_info"
	case ProvenanceInput:
		return "input"
	case ProvenanceInitializer:
		return "initializer"
	case ProvenanceInferred:
		return "inferred"
	case ProvenanceOverride:
		return "override"
	default:
		return "invalid"
	}
}

// IsAuthoritative returns whether values with this provenance are never changed by inference.
func (p ShapeProvenance) IsAuthoritative() bool {
	return p == ProvenanceInitializer || p == ProvenanceOverride
}

// valueState is the information the ShapeResolver holds about one value of the graph.
type valueState struct {
	info       TensorInfo
	provenance ShapeProvenance
}

// mergeInferred merges inferred information into the value state, and returns whether anything changed.
//
// Authoritative values are not changed. Otherwise, the inferred element type and shape fill what is not known
// yet, and known inferred dimensions take precedence over the declared ones. If the inferred rank differs
// from the declared one, the inferred shape replaces it and conflict is set.
func (v *valueState) mergeInferred(inferred *TensorInfo) (changed, conflict bool) {
	if v.provenance.IsAuthoritative() || inferred == nil {
		return false, false
	}
	if inferred.HasDType() && inferred.DType != v.info.DType {
		conflict = v.info.HasDType()
		v.info.DType = inferred.DType
		changed = true
	}
	switch {
	case !inferred.HasShape():
	case v.info.Shape == nil || v.info.Shape.Rank() != inferred.Shape.Rank():
		conflict = conflict || v.info.Shape != nil
		v.info.Shape = inferred.Shape.Clone()
		changed = true
	default:
		for i, dim := range inferred.Shape {
			value, known := dim.Value()
			if !known {
				continue
			}
			if currentValue, currentKnown := v.info.Shape[i].Value(); currentKnown {
				if currentValue == value {
					continue
				}
				conflict = true
			}
			v.info.Shape[i] = dim
			changed = true
		}
	}
	if changed {
		v.provenance = ProvenanceInferred
	}
	return changed, conflict
}
