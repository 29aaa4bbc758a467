package transpose

import (
	"github.com/pkg/errors"

	"github.com/ssarev/transpose/ssa"
)

// maybeAttribute attributes g to target only if target is itself a
// differential value; non-differential operands (loop counters, constant
// multipliers, indices) never receive an adjoint.
func (t *transposer) maybeAttribute(target ssa.Value, g RevGradient) error {
	if !target.Valid() || !t.isDifferential(target) {
		return nil
	}
	return t.attributePartial(target, g)
}

// transposeInstruction distributes rev, the already-materialized adjoint of
// fwd's result, to each of fwd's differential operands according to fwd's
// opcode. It is called once per forward differential instruction, walked in
// reverse program order by the block transposer.
func (t *transposer) transposeInstruction(fwd *ssa.Instruction, rev ssa.Value) error {
	switch fwd.Opcode() {
	case ssa.OpcodeConst:
		// A constant is a differential region's leaf input: its accumulated
		// adjoint (rev) is the final gradient with respect to that input and
		// has no further operand to flow into.
		return nil

	case ssa.OpcodeAdd:
		a, b := fwd.Arg2()
		if err := t.maybeAttribute(a, RevGradient{Flavor: FlavorSimple, Value: rev}); err != nil {
			return err
		}
		return t.maybeAttribute(b, RevGradient{Flavor: FlavorSimple, Value: rev})

	case ssa.OpcodeSub:
		a, b := fwd.Arg2()
		if err := t.maybeAttribute(a, RevGradient{Flavor: FlavorSimple, Value: rev}); err != nil {
			return err
		}
		if !t.isDifferential(b) {
			return nil
		}
		neg := t.b.AllocateInstruction().AsNeg(fwd.Type(), rev).Insert(t.b).Return()
		return t.maybeAttribute(b, RevGradient{Flavor: FlavorSimple, Value: neg})

	case ssa.OpcodeMul:
		return t.transposeMul(fwd, rev)

	case ssa.OpcodeNeg:
		neg := t.b.AllocateInstruction().AsNeg(fwd.Type(), rev).Insert(t.b).Return()
		return t.maybeAttribute(fwd.Arg(), RevGradient{Flavor: FlavorSimple, Value: neg})

	case ssa.OpcodeSwizzle:
		return t.maybeAttribute(fwd.Arg(), RevGradient{
			Flavor: FlavorSwizzle, Value: rev, Indices: fwd.SwizzleIndices(),
		})

	case ssa.OpcodeFieldExtract:
		return t.maybeAttribute(fwd.Arg(), RevGradient{
			Flavor: FlavorFieldExtract, Value: rev, FieldKey: fwd.FieldKey(),
		})

	case ssa.OpcodeGetElement:
		base, index := fwd.Arg2()
		return t.maybeAttribute(base, RevGradient{
			Flavor: FlavorGetElement, Value: rev, Index: index,
		})

	case ssa.OpcodeMakeVector, ssa.OpcodeMakeArray:
		return t.transposeMakeSequence(fwd, rev)

	case ssa.OpcodeMakeMatrix:
		return t.transposeMakeMatrix(fwd, rev)

	case ssa.OpcodeMakeVectorFromScalar, ssa.OpcodeMakeMatrixFromScalar, ssa.OpcodeMakeArrayFromElement:
		return t.transposeSplat(fwd, rev)

	case ssa.OpcodeMatrixReshape:
		reshaped := t.b.AllocateInstruction().AsMatrixReshape(t.b.TypeOf(fwd.Arg()), rev).Insert(t.b).Return()
		return t.maybeAttribute(fwd.Arg(), RevGradient{Flavor: FlavorSimple, Value: reshaped})

	case ssa.OpcodeMakeStruct:
		return t.transposeMakeStruct(fwd, rev)

	case ssa.OpcodeUpdateElement:
		return t.transposeUpdateElement(fwd, rev)

	case ssa.OpcodeMakeDifferentialPair:
		_, diff := fwd.Arg2()
		return t.maybeAttribute(diff, RevGradient{Flavor: FlavorSimple, Value: rev})

	case ssa.OpcodeDifferentialPairGetDifferential:
		return t.transposeGetDifferential(fwd, rev)

	case ssa.OpcodeDifferentialPairGetPrimal:
		// The primal component of a pair carries no adjoint.
		return nil

	case ssa.OpcodeLoad:
		return t.transposeLoad(fwd, rev)

	case ssa.OpcodeStore:
		if t.fusedStores[fwd] {
			return nil
		}
		return t.errorf(ErrNotYetImplemented, fwd.Block(), "store has no matching same-block load to fuse its adjoint through")

	case ssa.OpcodeCall, ssa.OpcodeForwardDifferentiate:
		return t.transposeCall(fwd, rev)

	default:
		return t.errorf(ErrUnhandledOpcode, fwd.Block(), "no adjoint rule for opcode %s", fwd.Opcode())
	}
}

func (t *transposer) transposeMul(fwd *ssa.Instruction, rev ssa.Value) error {
	a, b := fwd.Arg2()
	aDiff, bDiff := t.isDifferential(a), t.isDifferential(b)
	switch {
	case aDiff && !bDiff:
		g := t.b.AllocateInstruction().AsMul(fwd.Type(), rev, b).Insert(t.b).Return()
		return t.attributePartial(a, RevGradient{Flavor: FlavorSimple, Value: g})
	case bDiff && !aDiff:
		g := t.b.AllocateInstruction().AsMul(fwd.Type(), rev, a).Insert(t.b).Return()
		return t.attributePartial(b, RevGradient{Flavor: FlavorSimple, Value: g})
	case !aDiff && !bDiff:
		return nil
	default:
		return t.errorf(ErrNotYetImplemented, fwd.Block(), "mul with two differential operands has no linear adjoint rule")
	}
}

func (t *transposer) transposeMakeSequence(fwd *ssa.Instruction, rev ssa.Value) error {
	_, _, _, elems := fwd.Args()
	elemType := fwd.Type().Elem()
	for i, e := range elems {
		if !t.isDifferential(e) {
			continue
		}
		comp := t.b.AllocateInstruction().AsGetElement(elemType, rev, constIndex(t.b, i)).Insert(t.b).Return()
		if err := t.attributePartial(e, RevGradient{Flavor: FlavorSimple, Value: comp}); err != nil {
			return err
		}
	}
	return nil
}

func (t *transposer) transposeMakeMatrix(fwd *ssa.Instruction, rev ssa.Value) error {
	_, _, _, elems := fwd.Args()
	elemType := fwd.Type().Elem()
	for i, e := range elems {
		if !t.isDifferential(e) {
			continue
		}
		comp := t.b.AllocateInstruction().AsGetElement(elemType, rev, constIndex(t.b, i)).Insert(t.b).Return()
		if err := t.attributePartial(e, RevGradient{Flavor: FlavorSimple, Value: comp}); err != nil {
			return err
		}
	}
	return nil
}

// transposeSplat handles MakeVectorFromScalar/MakeMatrixFromScalar/
// MakeArrayFromElement: the scalar's adjoint is the sum of every lane of rev.
func (t *transposer) transposeSplat(fwd *ssa.Instruction, rev ssa.Value) error {
	scalar := fwd.Arg()
	if !t.isDifferential(scalar) {
		return nil
	}
	elemType := fwd.Type().Elem()
	n := fwd.Type().Len()
	if fwd.Type().Kind() == ssa.KindMatrix {
		n *= fwd.Type().Cols()
	}
	acc := t.b.AllocateInstruction().AsGetElement(elemType, rev, constIndex(t.b, 0)).Insert(t.b).Return()
	for i := 1; i < n; i++ {
		comp := t.b.AllocateInstruction().AsGetElement(elemType, rev, constIndex(t.b, i)).Insert(t.b).Return()
		acc = t.conf.Add(t.b, elemType, acc, comp)
	}
	return t.attributePartial(scalar, RevGradient{Flavor: FlavorSimple, Value: acc})
}

func (t *transposer) transposeMakeStruct(fwd *ssa.Instruction, rev ssa.Value) error {
	_, _, _, fields := fwd.Args()
	for i, f := range fields {
		if !t.isDifferential(f) {
			continue
		}
		key := fwd.Type().Fields()[i].Key
		fieldType := fwd.Type().Fields()[i].Typ
		comp := t.b.AllocateInstruction().AsFieldExtract(fieldType, rev, key).Insert(t.b).Return()
		if err := t.attributePartial(f, RevGradient{Flavor: FlavorSimple, Value: comp}); err != nil {
			return err
		}
	}
	return nil
}

// transposeUpdateElement handles UpdateElement(arr, chain, v): v receives the
// slice of rev addressed by chain, and arr receives rev with that same chain
// reset to zero (the contribution v made is removed before arr's remaining
// structure folds into its own accumulator).
func (t *transposer) transposeUpdateElement(fwd *ssa.Instruction, rev ssa.Value) error {
	arr, v := fwd.Arg(), func() ssa.Value { _, v := fwd.Arg2(); return v }()
	chain := fwd.Chain()

	vType := t.b.TypeOf(v)
	if t.isDifferential(v) {
		extracted, err := t.extractAlongChain(rev, t.b.TypeOf(arr), chain)
		if err != nil {
			return err
		}
		if err := t.attributePartial(v, RevGradient{Flavor: FlavorSimple, Value: extracted}); err != nil {
			return err
		}
	}
	if !t.isDifferential(arr) {
		return nil
	}
	zero := t.conf.Zero(t.b, vType)
	cleared := t.b.AllocateInstruction().AsUpdateElement(t.b.TypeOf(arr), rev, chain, zero).Insert(t.b).Return()
	return t.attributePartial(arr, RevGradient{Flavor: FlavorSimple, Value: cleared})
}

// extractAlongChain re-does the FieldExtract/GetElement steps chain encodes,
// starting from base, to read out the sub-value UpdateElement last wrote.
func (t *transposer) extractAlongChain(base ssa.Value, baseType ssa.Type, chain []ssa.AccessStep) (ssa.Value, error) {
	cur, curType := base, baseType
	for _, step := range chain {
		switch step.Kind {
		case ssa.AccessField:
			idx := curType.FieldIndex(step.FieldKey)
			if idx < 0 {
				return ssa.ValueInvalid, t.errorf(ErrStructural, nil, "field %q not present in %s", step.FieldKey, curType)
			}
			fieldType := curType.Fields()[idx].Typ
			cur = t.b.AllocateInstruction().AsFieldExtract(fieldType, cur, step.FieldKey).Insert(t.b).Return()
			curType = fieldType
		case ssa.AccessElement:
			elemType := curType.Elem()
			cur = t.b.AllocateInstruction().AsGetElement(elemType, cur, step.Index).Insert(t.b).Return()
			curType = elemType
		}
	}
	return cur, nil
}

// transposeGetDifferential handles DifferentialPairGetDifferential(pair):
// pair-typed values are never aggregated through the ordinary gradient store
// (the materializer rejects differential-pair aggregates), so the adjoint is
// forwarded directly to whatever produced the pair's tangent component.
func (t *transposer) transposeGetDifferential(fwd *ssa.Instruction, rev ssa.Value) error {
	pair := fwd.Arg()
	origin, ok := t.origins[pair.ID()]
	if ok && origin.inst != nil && origin.inst.Opcode() == ssa.OpcodeMakeDifferentialPair {
		_, diff := origin.inst.Arg2()
		return t.maybeAttribute(diff, RevGradient{Flavor: FlavorSimple, Value: rev})
	}
	return t.errorf(ErrNotYetImplemented, fwd.Block(), "differential-pair adjoint for a non-MakeDifferentialPair producer")
}

// transposeLoad fuses a Load's adjoint through to the stored-value operand
// of the nearest preceding same-block Store to the same pointer. A Load with
// no such Store (e.g. a pointer stored in one block and loaded in another)
// is reported as ErrNotYetImplemented; no store-back into the pointer is
// emitted.
func (t *transposer) transposeLoad(fwd *ssa.Instruction, rev ssa.Value) error {
	ptr := fwd.Arg()
	for cur := fwd.Prev(); cur != nil; cur = cur.Prev() {
		if cur.Opcode() != ssa.OpcodeStore {
			continue
		}
		v, storePtr := cur.StoreData()
		if storePtr != ptr {
			continue
		}
		t.fusedStores[cur] = true
		return t.maybeAttribute(v, RevGradient{Flavor: FlavorSimple, Value: rev})
	}
	return t.errorf(ErrNotYetImplemented, fwd.Block(), "load has no matching preceding same-block store")
}

// voidType is the result type synthesized calls to a backward entry point
// use: their only purpose is the slot writes they perform as a side effect,
// so their return Value is never read.
var voidType = ssa.NewStructType("transpose.void")

// transposeCall transposes a call to a forward-differentiated callee: it
// resolves the callee's registered backward entry point, passes the result
// adjoint and a fresh out-parameter slot per differential argument, then
// reads each slot back to attribute the corresponding argument's adjoint.
func (t *transposer) transposeCall(fwd *ssa.Instruction, rev ssa.Value) error {
	callee, args := fwd.CallData()
	calleeOrigin, ok := t.origins[callee.ID()]
	if !ok || calleeOrigin.inst == nil || calleeOrigin.inst.Opcode() != ssa.OpcodeForwardDifferentiate {
		if rev.Valid() {
			return t.errorf(ErrNotYetImplemented, fwd.Block(), "call result has an adjoint but its callee has no registered forward-mode symbol")
		}
		return nil
	}
	fwdSym := calleeOrigin.inst.Sym()
	bwdSym, err := t.backward.BackwardPropagateEntry(fwdSym)
	if err != nil {
		return errors.Wrapf(err, "transpose[%s]: resolving backward entry for %q", t.runID, fwdSym)
	}

	var newArgs []ssa.Value
	type slot struct {
		ptr      ssa.Value
		typ      ssa.Type
		original ssa.Value
	}
	var slots []slot
	for _, a := range args {
		if !t.isDifferential(a) {
			newArgs = append(newArgs, a)
			continue
		}
		aType := t.b.TypeOf(a)
		ptr := t.b.AllocateInstruction().AsAllocaLocal(aType).Insert(t.b).Return()
		zero := t.conf.Zero(t.b, aType)
		t.b.AllocateInstruction().AsStore(zero, ptr).Insert(t.b)
		slots = append(slots, slot{ptr: ptr, typ: aType, original: a})
		newArgs = append(newArgs, ptr)
	}
	if rev.Valid() {
		newArgs = append(newArgs, rev)
	}
	if ctxDec, ok := fwd.FindDecoration(ssa.DecorationBackwardDerivativePrimalContext); ok && ctxDec.ContextPtr.Valid() {
		newArgs = append(newArgs, ctxDec.ContextPtr)
	}

	bwdRef := t.b.AllocateInstruction().AsBackwardDifferentiate(bwdSym).Insert(t.b).Return()
	t.b.AllocateInstruction().AsCall(voidType, bwdRef, newArgs).Insert(t.b)

	for _, s := range slots {
		ld := t.b.AllocateInstruction().AsLoad(s.typ, s.ptr).Insert(t.b).Return()
		if err := t.attributePartial(s.original, RevGradient{Flavor: FlavorSimple, Value: ld}); err != nil {
			return err
		}
	}
	return nil
}
