package transpose

import (
	"github.com/ssarev/transpose/ssa"
)

// reverseRegion wires the reverse-mode terminators across the per-block
// reverse counterparts transposeBlock already built (their bodies are
// complete; only control flow between them remains). It returns the block
// reverse execution should enter first: the reverse counterpart of the last
// forward differential block to execute. head's own reverse counterpart is
// deliberately left untouched here — rewire finishes it as the closing
// block that resumes the function's external continuation once reverse
// execution completes.
func (t *transposer) reverseRegion(head, end ssa.BasicBlock) (ssa.BasicBlock, error) {
	if head == end {
		return t.revBlockFor(end), nil
	}

	closingRev := t.revBlockFor(head)
	tail := head.Tail()
	switch tail.Opcode() {
	case ssa.OpcodeJump:
		target := tail.Targets()[0]
		if err := t.reverseChain(target, end, closingRev); err != nil {
			return nil, err
		}
	case ssa.OpcodeIfElse:
		if err := t.reverseIfElse(head, end, closingRev); err != nil {
			return nil, err
		}
	case ssa.OpcodeLoopBranch:
		if err := t.reverseLoop(head, end, closingRev); err != nil {
			return nil, err
		}
	case ssa.OpcodeSwitchBranch:
		if err := t.reverseSwitch(head, end, closingRev); err != nil {
			return nil, err
		}
	default:
		return nil, t.errorf(ErrStructural, head, "differential region head ends in an unsupported terminator %s", tail.Opcode())
	}
	return t.revBlockFor(end), nil
}

// reverseChain writes the reverse terminator for every block strictly after
// the region's head, through end inclusive, given that once the remaining
// chain's reverse work completes it should resume into next.
func (t *transposer) reverseChain(cur, end, next ssa.BasicBlock) error {
	if cur == end {
		return t.writeJumpRev(cur, next)
	}

	tail := cur.Tail()
	switch tail.Opcode() {
	case ssa.OpcodeJump:
		if err := t.writeJumpRev(cur, next); err != nil {
			return err
		}
		return t.reverseChain(tail.Targets()[0], end, t.revBlockFor(cur))
	case ssa.OpcodeIfElse:
		if err := t.reverseIfElse(cur, end, t.revBlockFor(cur)); err != nil {
			return err
		}
	case ssa.OpcodeLoopBranch:
		if err := t.reverseLoop(cur, end, t.revBlockFor(cur)); err != nil {
			return err
		}
	case ssa.OpcodeSwitchBranch:
		if err := t.reverseSwitch(cur, end, t.revBlockFor(cur)); err != nil {
			return err
		}
	default:
		return t.errorf(ErrStructural, cur, "differential block ends in an unsupported terminator %s", tail.Opcode())
	}
	return t.writeJumpRev(cur, next)
}

// reverseIfElse reverses a structured if/else: the branch's convergence
// block becomes, in reverse, the dispatch point that re-tests the original
// condition and re-enters whichever arm actually ran; each arm's own
// reverse chain closes directly into next once done, since both arms
// resume the same point once the branch as a whole is behind them. Scoped
// to the case where the if/else's own convergence block is the region's
// last block — a branch with further differential blocks after it is not
// supported.
func (t *transposer) reverseIfElse(header, end, next ssa.BasicBlock) error {
	tail := header.Tail()
	trueBlk, falseBlk := tail.Targets()[0], tail.Targets()[1]
	after := tail.AfterBlock()
	if after != end {
		return t.errorf(ErrNotYetImplemented, header, "if/else convergence block must be the differential region's last block")
	}
	cond := tail.Arg()

	trueEntry, err := t.reverseArm(trueBlk, after, next)
	if err != nil {
		return err
	}
	falseEntry, err := t.reverseArm(falseBlk, after, next)
	if err != nil {
		return err
	}

	prevBB := t.b.CurrentBlock()
	t.b.SetCurrentBlock(t.revBlockFor(after))
	t.b.AllocateInstruction().AsIfElse(cond, trueEntry, falseEntry, next).Insert(t.b)
	t.b.SetCurrentBlock(prevBB)
	return nil
}

// reverseArm reverses one arm of a structured if/else: a straight-line
// Jump chain from armHead to converge, returning the reverse block to
// enter to begin this arm's reverse execution, given it resumes into next
// once done. armHead == converge covers the degenerate empty arm.
func (t *transposer) reverseArm(armHead, converge, next ssa.BasicBlock) (ssa.BasicBlock, error) {
	if armHead == converge {
		return next, nil
	}
	tail := armHead.Tail()
	if tail.Opcode() != ssa.OpcodeJump {
		return nil, t.errorf(ErrNotYetImplemented, armHead, "nested branching inside an if/else arm is not supported")
	}
	if err := t.writeJumpRev(armHead, next); err != nil {
		return nil, err
	}
	target := tail.Targets()[0]
	if target == converge {
		return t.revBlockFor(armHead), nil
	}
	return t.reverseArm(target, converge, t.revBlockFor(armHead))
}

// reverseSwitch reverses a structured switch: the break block's reverse
// counterpart becomes the dispatch point that re-tests the original index
// and re-enters whichever case actually ran, each case's own reverse chain
// (a straight Jump run, same shape as an if/else arm) closing directly into
// next once done. Scoped to the case where the switch's own break block is
// the region's last block, mirroring reverseIfElse.
func (t *transposer) reverseSwitch(header, end, next ssa.BasicBlock) error {
	tail := header.Tail()
	cases := tail.Targets()
	after := tail.AfterBlock()
	if after != end {
		return t.errorf(ErrNotYetImplemented, header, "switch convergence block must be the differential region's last block")
	}
	index := tail.Arg()

	entries := make([]ssa.BasicBlock, len(cases))
	for i, c := range cases {
		entry, err := t.reverseArm(c, after, next)
		if err != nil {
			return err
		}
		entries[i] = entry
	}

	prevBB := t.b.CurrentBlock()
	t.b.SetCurrentBlock(t.revBlockFor(after))
	t.b.AllocateInstruction().AsSwitchBranch(index, entries, next).Insert(t.b)
	t.b.SetCurrentBlock(prevBB)
	return nil
}

// reverseLoop reverses a structured loop: the loop's exit block becomes, in
// reverse, the dispatch point re-testing the same condition the forward
// loop used (the trip count is already captured by whatever loop-counter
// instruction transposeBlock replayed into the body's reverse counterpart),
// re-entering the body once per remaining iteration until exhausted, then
// handing off to next. Scoped to a single-block loop body and to the loop's
// own exit block being the region's last block.
func (t *transposer) reverseLoop(header, end, next ssa.BasicBlock) error {
	tail := header.Tail()
	bodyBlk, exitBlk := tail.Targets()[0], tail.Targets()[1]
	if exitBlk != end {
		return t.errorf(ErrNotYetImplemented, header, "loop exit block must be the differential region's last block")
	}
	cond := tail.Arg()

	bodyTail := bodyBlk.Tail()
	if bodyTail.Opcode() != ssa.OpcodeJump || bodyTail.Targets()[0] != header {
		return t.errorf(ErrNotYetImplemented, header, "multi-block or nested-branch loop bodies are not supported")
	}
	// The reversed body closes back into the dispatch block (exitBlk's
	// reverse counterpart), which re-tests cond each iteration, not into
	// header's reverse counterpart: header's reverse block is the loop's
	// closing block, reached only once, after the last reverse iteration
	// exits the reversed LoopBranch below.
	backTarget := t.revBlockFor(exitBlk)
	if err := t.writeJumpRev(bodyBlk, backTarget); err != nil {
		return err
	}
	bodyEntry := t.revBlockFor(bodyBlk)

	prevBB := t.b.CurrentBlock()
	t.b.SetCurrentBlock(t.revBlockFor(exitBlk))
	t.b.AllocateInstruction().AsLoopBranch(cond, bodyEntry, next).Insert(t.b)
	t.b.SetCurrentBlock(prevBB)
	return nil
}

// writeJumpRev sets fwd's reverse counterpart's terminator to an
// unconditional Jump into target.
func (t *transposer) writeJumpRev(fwd, target ssa.BasicBlock) error {
	rev := t.revBlockFor(fwd)
	prevBB := t.b.CurrentBlock()
	t.b.SetCurrentBlock(rev)
	t.b.AllocateInstruction().AsJump(target, nil).Insert(t.b)
	t.b.SetCurrentBlock(prevBB)
	return nil
}
