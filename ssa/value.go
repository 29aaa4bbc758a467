package ssa

import (
	"fmt"
	"math"
)

// Variable is a unique identifier for a source program's variable and will
// correspond to multiple ssa Value(s).
//
// Variable is useful to track the SSA Values of a variable in the source
// program, and can be used to find the corresponding latest SSA Value via
// Builder.FindValue.
type Variable uint32

// String implements fmt.Stringer.
func (v Variable) String() string {
	return fmt.Sprintf("var%d", v)
}

// ValueID is the pure identifier of a Value.
type ValueID uint32

// Value represents an SSA value. Type is not packed
// into the Value bit pattern: this pass's Type tree (vector/matrix/struct/
// array, arbitrarily nested) does not fit in 32 bits, so the type of a Value
// is looked up from the owning Builder's side table instead.
type Value struct {
	id ValueID
}

const valueIDInvalid ValueID = math.MaxUint32

// ValueInvalid is the zero value of an absent Value.
var ValueInvalid = Value{id: valueIDInvalid}

// ID returns the ValueID of this value.
func (v Value) ID() ValueID { return v.id }

// Valid returns true if this value is valid.
func (v Value) Valid() bool { return v.id != valueIDInvalid }

// Format creates a debug string for this Value using the data stored in Builder.
func (v Value) Format(b Builder) string {
	if annotation, ok := b.(*builder).valueAnnotations[v.id]; ok {
		return annotation
	}
	return fmt.Sprintf("v%d", v.id)
}

func (v Value) formatWithType(b Builder) string {
	typ := b.TypeOf(v)
	if annotation, ok := b.(*builder).valueAnnotations[v.id]; ok {
		return annotation + ":" + typ.String()
	}
	return fmt.Sprintf("v%d:%s", v.id, typ)
}

// String implements fmt.Stringer for debugging purposes only; prefer Format
// when a Builder is available so that type/annotation info is included.
func (v Value) String() string {
	if !v.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("v%d", v.id)
}
