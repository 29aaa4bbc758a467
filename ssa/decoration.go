package ssa

// DecorationKind enumerates the metadata kinds consumed by the transposition
// pass.
type DecorationKind byte

const (
	DecorationInvalid DecorationKind = iota

	// DecorationDifferentialInst marks a block or instruction as produced by
	// forward-mode differentiation. It carries a back-pointer to the primal
	// counterpart instruction and the primal type.
	DecorationDifferentialInst

	// DecorationLoopCounter marks an instruction that exists purely to drive
	// loop iteration and must be moved as-is into the reverse block.
	DecorationLoopCounter

	// DecorationNameHint carries a human-readable name for debug output.
	DecorationNameHint

	// DecorationPrimalElementType records the primal element type of an
	// array/vector-shaped differential instruction.
	DecorationPrimalElementType

	// DecorationBackwardDerivativePrimalContext marks a call with the
	// pointer to the replay/primal-intermediate slot the forward pass
	// stashed for it.
	DecorationBackwardDerivativePrimalContext
)

// Decoration is one piece of metadata attached to an Instruction or a
// BasicBlock.
type Decoration struct {
	Kind DecorationKind

	// PrimalInst backs DecorationDifferentialInst.
	PrimalInst *Instruction
	// PrimalType backs DecorationDifferentialInst and DecorationPrimalElementType.
	PrimalType Type
	// Name backs DecorationNameHint.
	Name string
	// ContextPtr backs DecorationBackwardDerivativePrimalContext.
	ContextPtr Value
}

// WithNameSuffix returns a copy of a DecorationNameHint with suffix appended.
// The transposer does not call it: reverse-mode values are emitted without a
// name hint.
func (d Decoration) WithNameSuffix(suffix string) Decoration {
	d.Name = d.Name + suffix
	return d
}

// decorated is embedded by both Instruction and basicBlock to share the
// decoration list storage and lookup logic.
type decorated struct {
	decorations []Decoration
}

// AddDecoration appends a decoration.
func (d *decorated) AddDecoration(dec Decoration) {
	d.decorations = append(d.decorations, dec)
}

// FindDecoration returns the first decoration of the given kind, if any.
func (d *decorated) FindDecoration(kind DecorationKind) (Decoration, bool) {
	for _, dec := range d.decorations {
		if dec.Kind == kind {
			return dec, true
		}
	}
	return Decoration{}, false
}

// HasDecoration reports whether a decoration of the given kind is present.
func (d *decorated) HasDecoration(kind DecorationKind) bool {
	_, ok := d.FindDecoration(kind)
	return ok
}
