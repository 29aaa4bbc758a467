package transpose

import (
	"github.com/ssarev/transpose/ssa"
)

// transposeBlock builds the reverse-mode counterpart of one forward
// differential block: it first folds any jump-carried phi adjoints back to
// the arguments that produced them, then walks fwd's instructions
// tail-to-head, popping and materializing each one's accumulated partials
// before dispatching its adjoint to its operands.
func (t *transposer) transposeBlock(fwd ssa.BasicBlock) error {
	rev := t.revBlockFor(fwd)
	prevBB := t.b.CurrentBlock()
	t.b.SetCurrentBlock(rev)
	defer t.b.SetCurrentBlock(prevBB)

	if err := t.foldPhiArguments(fwd); err != nil {
		return err
	}

	tail := fwd.Tail()
	for inst, prev := tail.Prev(), (*ssa.Instruction)(nil); inst != nil; inst = prev {
		prev = inst.Prev()

		if !inst.HasDecoration(ssa.DecorationDifferentialInst) {
			// Non-differential instructions carrying a loop-counter
			// decoration are replayed as-is so later reverse blocks can
			// still reference their results; other non-differential
			// instructions are not copied. InsertInstruction relinks
			// inst into rev, so its own prev/next must already be saved
			// before this call.
			if inst.HasDecoration(ssa.DecorationLoopCounter) {
				t.b.InsertInstruction(inst)
			}
			continue
		}

		_, rest := inst.Returns()
		if len(rest) > 0 {
			return t.errorf(ErrNotYetImplemented, fwd, "multi-result differential instruction %s", inst.Opcode())
		}

		gradients := t.store.pop(inst)
		if t.store.accumulatorExists(inst) {
			accVal := t.b.FindValue(t.store.accumulatorVariable(inst))
			gradients = append(gradients, RevGradient{Flavor: FlavorSimple, Value: accVal})
		}
		if len(gradients) == 0 {
			continue
		}

		revValue, err := emitAggregate(t.b, t.conf, inst.Type(), gradients)
		if err != nil {
			return err
		}

		if err := t.transposeInstruction(inst, revValue); err != nil {
			return err
		}
	}

	return nil
}

// foldPhiArguments closes fwd's contribution to any successor block
// parameter: if fwd ends in an unconditional Jump carrying arguments, each
// argument receives the adjoint accumulated so far against the matching
// parameter of the jump's target. The read is non-destructive, since a
// structured join's other arm (transposed separately, as its own forward
// predecessor of the same target) needs to read the very same accumulated
// adjoint for that parameter, not a one-time share of it.
func (t *transposer) foldPhiArguments(fwd ssa.BasicBlock) error {
	tail := fwd.Tail()
	if tail == nil || tail.Opcode() != ssa.OpcodeJump {
		return nil
	}
	target := tail.Targets()[0]
	jumpArgs := tail.JumpArgs()
	for i := 0; i < target.Params() && i < len(jumpArgs); i++ {
		param := target.Param(i)
		arg := jumpArgs[i]
		if !t.isDifferential(arg) {
			continue
		}
		grads := t.peekPhiGrad(param)
		var rev ssa.Value
		if len(grads) == 0 {
			// No predecessor ever attributed a partial to this parameter:
			// still fold a zero through, so an argument that participates
			// in the differential region always receives a well-defined
			// adjoint rather than silently staying unattributed.
			rev = t.conf.Zero(t.b, t.b.TypeOf(arg))
		} else {
			var err error
			rev, err = emitAggregate(t.b, t.conf, t.b.TypeOf(arg), grads)
			if err != nil {
				return err
			}
		}
		if err := t.attributePartial(arg, RevGradient{Flavor: FlavorSimple, Value: rev}); err != nil {
			return err
		}
	}
	return nil
}
