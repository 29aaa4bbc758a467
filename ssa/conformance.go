package ssa

import (
	"fmt"

	"github.com/pkg/errors"
)

// Conformance is the differentiable-type conformance collaborator: it tells
// the transposer the tangent type of a primal type, its zero value, and how
// to combine two tangents of that type.
// A real frontend would back this with its own type-checker; DefaultConformance
// is the concrete implementation this module ships so the pass is runnable
// end-to-end without one.
type Conformance interface {
	// DifferentialTypeFor returns the tangent Type for a primal Type, or an
	// error if primal has no differentiable structure (e.g. KindPointer, KindFuncRef).
	DifferentialTypeFor(primal Type) (Type, error)

	// Zero emits the instructions that materialize the zero tangent value of typ
	// into the Builder's current block, returning the resulting Value.
	Zero(b Builder, typ Type) Value

	// Add emits the instructions that compute x+y for two tangents of typ,
	// returning the resulting Value.
	Add(b Builder, typ Type, x, y Value) Value
}

// DefaultConformance implements Conformance for scalar, vector, matrix,
// struct and fixed-size array primal types: the tangent type mirrors the
// primal shape element-wise/field-wise. Dynamic-size arrays are
// intentionally unsupported.
type DefaultConformance struct{}

var _ Conformance = DefaultConformance{}

// ErrNotDifferentiable is returned by DifferentialTypeFor for a primal type
// this pass never transposes (pointers, function references, dynamic arrays).
var ErrNotDifferentiable = errors.New("type has no differentiable structure")

// DifferentialTypeFor implements Conformance.
func (DefaultConformance) DifferentialTypeFor(primal Type) (Type, error) {
	switch primal.Kind() {
	case KindFloat, KindInt:
		return primal, nil
	case KindVector:
		elemT, err := DefaultConformance{}.DifferentialTypeFor(primal.Elem())
		if err != nil {
			return typeInvalid, err
		}
		return NewVectorType(elemT, primal.Len()), nil
	case KindMatrix:
		elemT, err := DefaultConformance{}.DifferentialTypeFor(primal.Elem())
		if err != nil {
			return typeInvalid, err
		}
		return NewMatrixType(elemT, primal.Len(), primal.Cols()), nil
	case KindArray:
		elemT, err := DefaultConformance{}.DifferentialTypeFor(primal.Elem())
		if err != nil {
			return typeInvalid, err
		}
		return NewArrayType(elemT, primal.Len()), nil
	case KindStruct:
		fields := make([]StructField, len(primal.Fields()))
		for i, f := range primal.Fields() {
			dt, err := DefaultConformance{}.DifferentialTypeFor(f.Typ)
			if err != nil {
				return typeInvalid, errors.Wrapf(err, "field %q", f.Key)
			}
			fields[i] = StructField{Key: f.Key, Typ: dt}
		}
		return NewStructType(primal.Key()+".T", fields...), nil
	case KindBool:
		// Booleans carry no gradient; their differential type is themselves
		// and Zero/Add are never actually invoked for them in practice.
		return primal, nil
	default:
		return typeInvalid, errors.Wrapf(ErrNotDifferentiable, "kind %v", primal.Kind())
	}
}

// Zero implements Conformance.
func (c DefaultConformance) Zero(b Builder, typ Type) Value {
	switch typ.Kind() {
	case KindFloat:
		return b.AllocateInstruction().AsConstFloat(typ, 0).Insert(b).Return()
	case KindInt:
		return b.AllocateInstruction().AsConstInt(typ, 0).Insert(b).Return()
	case KindVector:
		elems := make([]Value, typ.Len())
		ez := c.Zero(b, typ.Elem())
		for i := range elems {
			elems[i] = ez
		}
		return b.AllocateInstruction().AsMakeVector(typ, elems).Insert(b).Return()
	case KindMatrix:
		n := typ.Len() * typ.Cols()
		elems := make([]Value, n)
		ez := c.Zero(b, typ.Elem())
		for i := range elems {
			elems[i] = ez
		}
		return b.AllocateInstruction().AsMakeMatrix(typ, elems).Insert(b).Return()
	case KindArray:
		return b.AllocateInstruction().AsMakeArrayFromElement(typ, c.Zero(b, typ.Elem())).Insert(b).Return()
	case KindStruct:
		fields := make([]Value, len(typ.Fields()))
		for i, f := range typ.Fields() {
			fields[i] = c.Zero(b, f.Typ)
		}
		return b.AllocateInstruction().AsMakeStruct(typ, fields).Insert(b).Return()
	default:
		panic(fmt.Sprintf("BUG: Zero called on non-differentiable type %s", typ))
	}
}

// Add implements Conformance.
func (c DefaultConformance) Add(b Builder, typ Type, x, y Value) Value {
	switch typ.Kind() {
	case KindFloat, KindInt:
		return b.AllocateInstruction().AsAdd(typ, x, y).Insert(b).Return()
	case KindVector, KindMatrix, KindArray:
		et := typ.Elem()
		n := typ.Len()
		if typ.Kind() == KindMatrix {
			n *= typ.Cols()
		}
		elems := make([]Value, n)
		for i := 0; i < n; i++ {
			xi := b.AllocateInstruction().AsGetElement(et, x, indexConst(b, i)).Insert(b).Return()
			yi := b.AllocateInstruction().AsGetElement(et, y, indexConst(b, i)).Insert(b).Return()
			elems[i] = c.Add(b, et, xi, yi)
		}
		switch typ.Kind() {
		case KindVector:
			return b.AllocateInstruction().AsMakeVector(typ, elems).Insert(b).Return()
		case KindMatrix:
			return b.AllocateInstruction().AsMakeMatrix(typ, elems).Insert(b).Return()
		default:
			return b.AllocateInstruction().AsMakeArray(typ, elems).Insert(b).Return()
		}
	case KindStruct:
		fields := make([]Value, len(typ.Fields()))
		for i, f := range typ.Fields() {
			xi := b.AllocateInstruction().AsFieldExtract(f.Typ, x, f.Key).Insert(b).Return()
			yi := b.AllocateInstruction().AsFieldExtract(f.Typ, y, f.Key).Insert(b).Return()
			fields[i] = c.Add(b, f.Typ, xi, yi)
		}
		return b.AllocateInstruction().AsMakeStruct(typ, fields).Insert(b).Return()
	default:
		panic(fmt.Sprintf("BUG: Add called on non-differentiable type %s", typ))
	}
}

// indexConst materializes a constant-index Value for a GetElement used
// internally by Add/Zero.
func indexConst(b Builder, i int) Value {
	return b.AllocateInstruction().AsConstInt(TypeI32, int64(i)).Insert(b).Return()
}
