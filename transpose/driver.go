package transpose

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ssarev/transpose/ssa"
)

// RunInfo carries the caller-supplied entry points a transposer run needs
// beyond the function itself and the collaborators passed to Run: which
// return slots get an external seed gradient.
type RunInfo struct {
	// ReturnSeed holds one adjoint per value returned by the function's
	// unique Return instruction, in the same order. ssa.ValueInvalid in a
	// slot means that output has no caller-supplied seed and is left at
	// zero.
	ReturnSeed []ssa.Value
}

// valueOrigin locates the instruction or block parameter that produced a
// Value, so attributePartial can route a partial to the right collaborator
// without a linear scan over every block.
type valueOrigin struct {
	inst  *ssa.Instruction // nil if this Value is a block parameter
	block ssa.BasicBlock   // set when inst is nil
	param int
}

// transposer holds all state for a single Run, threaded through every
// per-block and per-instruction helper as a method receiver.
type transposer struct {
	b        ssa.Builder
	conf     ssa.Conformance
	backward *ssa.BackwardRegistry
	store    *gradientStore

	runID  string
	logger *logrus.Entry

	origins map[ssa.ValueID]valueOrigin

	diffBlocksFwd     []ssa.BasicBlock
	firstRevDiffBlock ssa.BasicBlock
	lastFwdDiffBlock  ssa.BasicBlock

	fwdToRev map[ssa.BasicBlock]ssa.BasicBlock
	revToFwd map[ssa.BasicBlock]ssa.BasicBlock

	// phiGrads accumulates the adjoints attributed to a block parameter,
	// keyed by the parameter's own Value. Read (not consumed) by every one
	// of the parameter's jump predecessors as each is transposed: a
	// structured join's true and false arms both receive the same full
	// adjoint for the value they each separately produced, since exactly
	// one of them actually ran.
	phiGrads map[ssa.Value][]RevGradient

	// fusedStores marks a Store instruction whose adjoint was already
	// attributed when its matching same-block Load was transposed, so its
	// own (later, in reverse walk order) dispatch is a no-op.
	fusedStores map[*ssa.Instruction]bool
}

// Run transposes every differential block of the function under
// construction by b into its reverse-mode counterpart, seeding the return
// adjoints given by info.ReturnSeed. It mutates b in place: on success the
// function's differential blocks have been replaced by their reverse
// counterparts, wired into the CFG in reverse execution order.
func Run(b ssa.Builder, conf ssa.Conformance, backward *ssa.BackwardRegistry, info RunInfo, opts ...Option) error {
	t := &transposer{
		b:           b,
		conf:        conf,
		backward:    backward,
		store:       newGradientStore(),
		runID:       uuid.NewString(),
		origins:     map[ssa.ValueID]valueOrigin{},
		fwdToRev:    map[ssa.BasicBlock]ssa.BasicBlock{},
		revToFwd:    map[ssa.BasicBlock]ssa.BasicBlock{},
		phiGrads:    map[ssa.Value][]RevGradient{},
		fusedStores: map[*ssa.Instruction]bool{},
	}
	t.logger = Logger.WithField("run_id", t.runID)
	for _, opt := range opts {
		opt(t)
	}

	if err := t.validateShape(); err != nil {
		return err
	}

	// Dominance info drives which block is this region's true forward
	// entry/exit below: reverse-post-order, not raw layout order, is what
	// markDifferentialBlocks and friends walk, since a block can be
	// allocated out of control-flow order (a loop's header is laid down
	// before its body fills in the backedge, for instance).
	t.b.RunPasses()

	t.markDifferentialBlocks()
	if len(t.diffBlocksFwd) == 0 {
		t.logger.Debug("no differential blocks found, nothing to transpose")
		return nil
	}
	t.firstRevDiffBlock = t.diffBlocksFwd[0]
	t.lastFwdDiffBlock = t.diffBlocksFwd[len(t.diffBlocksFwd)-1]

	t.indexValueOrigins()

	if err := t.seedReturnAdjoints(info.ReturnSeed); err != nil {
		return err
	}

	// Transpose every differential block in reverse of the reverse-post-order
	// diffBlocksFwd was collected in: the last
	// forward block to execute is transposed first, since its uses of
	// earlier-computed values are exactly the partials those earlier blocks
	// must receive.
	for i := len(t.diffBlocksFwd) - 1; i >= 0; i-- {
		fwd := t.diffBlocksFwd[i]
		if err := t.transposeBlock(fwd); err != nil {
			return err
		}
	}

	revEntry, err := t.reverseRegion(t.firstRevDiffBlock, t.lastFwdDiffBlock)
	if err != nil {
		return err
	}

	if err := t.rewire(revEntry); err != nil {
		return err
	}

	// Every reverse block's predecessor edges are now final: reverseRegion
	// and rewire are done inserting terminators that target them. Seal each
	// one so FindValue's placeholder reads (emitted while a predecessor's
	// partial was attributed before that predecessor itself had run) resolve
	// to the real cross-block phi the Braun-style builder backfills here,
	// instead of staying disconnected stand-ins.
	for _, rev := range t.fwdToRev {
		t.b.Seal(rev)
	}

	if !t.store.empty() {
		return t.errorf(ErrStructural, nil, "gradient store non-empty after transposition: adjoint escaped its owning function")
	}

	for _, fwd := range t.diffBlocksFwd {
		fwd.Invalidate()
	}

	instrStats, blockStats := t.b.AllocationStats()
	t.logger.WithFields(logrus.Fields{
		"diff_blocks":         len(t.diffBlocksFwd),
		"instructions_pooled": instrStats.Allocated,
		"blocks_pooled":       blockStats.Allocated,
	}).Debug("transposition complete")
	return nil
}

// markDifferentialBlocks collects every differential block, in reverse
// post-order, into t.diffBlocksFwd. A block already carries its own differential
// marking when the upstream forward-mode unzipping pass produced it that
// way: a branch header or join block can belong to the differential region
// purely by CFG position, with no differential instruction of its own, so
// that block-level marking is authoritative wherever present. As a
// convenience for straight-line blocks whose only indication is an
// individual differential instruction, a block that isn't already marked
// but contains one is still picked up and marked here, with its primal
// counterpart defaulting to itself: this pass's frontend convention
// interleaves primal and differential instructions in the same block
// rather than duplicating blocks, except across loop unzipping, which the
// loop case of the CFG reverser handles via the loop-counter decoration
// instead of a distinct primal block.
func (t *transposer) markDifferentialBlocks() {
	for blk := t.b.BlockIteratorReversePostOrderBegin(); blk != nil; blk = t.b.BlockIteratorReversePostOrderNext() {
		differential := blk.IsDifferential()
		if !differential {
			for inst := blk.Root(); inst != nil; inst = inst.Next() {
				if inst.HasDecoration(ssa.DecorationDifferentialInst) {
					differential = true
					break
				}
			}
		}
		if differential {
			if blk.PrimalCounterpart() == nil {
				blk.MarkDifferential(blk)
			}
			t.diffBlocksFwd = append(t.diffBlocksFwd, blk)
		}
	}
}

// indexValueOrigins builds the lookup table attributePartial uses to route a
// partial to the instruction or block parameter that produced its target
// Value, walking every block exactly once.
func (t *transposer) indexValueOrigins() {
	for blk := t.b.BlockIteratorBegin(); blk != nil; blk = t.b.BlockIteratorNext() {
		for p := 0; p < blk.Params(); p++ {
			v := blk.Param(p)
			t.origins[v.ID()] = valueOrigin{block: blk, param: p}
		}
		for inst := blk.Root(); inst != nil; inst = inst.Next() {
			first, rest := inst.Returns()
			if first.Valid() {
				t.origins[first.ID()] = valueOrigin{inst: inst}
			}
			for _, v := range rest {
				t.origins[v.ID()] = valueOrigin{inst: inst}
			}
		}
	}
}

// seedReturnAdjoints attributes each caller-supplied seed gradient to the
// matching operand of the function's unique Return instruction.
func (t *transposer) seedReturnAdjoints(seeds []ssa.Value) error {
	retInst := t.findReturn()
	if retInst == nil {
		return t.errorf(ErrStructural, nil, "no Return instruction found")
	}
	values := retInst.ReturnValues()
	for i, seed := range seeds {
		if i >= len(values) || !seed.Valid() {
			continue
		}
		if err := t.attributePartial(values[i], RevGradient{Flavor: FlavorSimple, Value: seed}); err != nil {
			return err
		}
	}
	return nil
}

func (t *transposer) findReturn() *ssa.Instruction {
	for blk := t.b.BlockIteratorBegin(); blk != nil; blk = t.b.BlockIteratorNext() {
		if tail := blk.Tail(); tail != nil && tail.Opcode() == ssa.OpcodeReturn {
			return tail
		}
	}
	return nil
}

// attributePartial routes one partial adjoint to whatever produced target. A
// block-parameter target is queued on phiGrads for its block transposer to
// fold. An instruction target defined in the block currently being
// transposed is queued on the gradient store directly: every same-block use
// is visited before its def in the tail-to-head walk, so it is guaranteed to
// be there by the time the block transposer reaches that instruction. An
// instruction defined in a different block is folded immediately into its
// cross-block accumulator cell, since the block that can read the final
// value back may already have been transposed by the time this attribution
// happens.
func (t *transposer) attributePartial(target ssa.Value, g RevGradient) error {
	origin, ok := t.origins[target.ID()]
	if !ok {
		return t.errorf(ErrNotYetImplemented, nil, "adjoint target %s has no recorded origin: value lives outside the function being transposed", target.Format(t.b))
	}
	if origin.inst == nil {
		t.phiGrads[target] = append(t.phiGrads[target], g)
		return nil
	}

	curFwd, insideBlock := t.revToFwd[t.b.CurrentBlock()]
	if insideBlock && curFwd == origin.inst.Block() {
		t.store.add(origin.inst, g)
		return nil
	}

	variable, err := t.store.accumulatorFor(t.b, t.conf, t.revBlockFor(t.lastFwdDiffBlock), origin.inst)
	if err != nil {
		return err
	}
	diffType, err := t.conf.DifferentialTypeFor(origin.inst.Type())
	if err != nil {
		return err
	}
	cur := t.b.FindValue(variable)
	combined, err := emitAggregate(t.b, t.conf, diffType, []RevGradient{{Flavor: FlavorSimple, Value: cur}, g})
	if err != nil {
		return err
	}
	t.b.DefineVariableInCurrentBB(variable, combined)
	return nil
}

// peekPhiGrad returns the adjoint partials attributed so far to a block
// parameter Value, without consuming them: every jump predecessor of the
// parameter's block reads the same accumulated list independently.
func (t *transposer) peekPhiGrad(param ssa.Value) []RevGradient {
	return t.phiGrads[param]
}

// isDifferential reports whether v was produced by a differential-marked
// instruction or a parameter of a differential block, the disambiguator
// Mul's "exactly one differential operand" rule and similar per-opcode
// checks need.
func (t *transposer) isDifferential(v ssa.Value) bool {
	origin, ok := t.origins[v.ID()]
	if !ok {
		return false
	}
	if origin.inst != nil {
		return origin.inst.HasDecoration(ssa.DecorationDifferentialInst)
	}
	return origin.block.IsDifferential()
}

// revBlockFor returns (allocating on first use) the reverse-mode counterpart
// of fwd, a fresh block that the CFG reverser later wires into place.
func (t *transposer) revBlockFor(fwd ssa.BasicBlock) ssa.BasicBlock {
	if rev, ok := t.fwdToRev[fwd]; ok {
		return rev
	}
	rev := t.b.AllocateBasicBlock()
	t.fwdToRev[fwd] = rev
	t.revToFwd[rev] = fwd
	return rev
}

// rewire splices the reverse-mode control flow headed by revEntry into the
// function: the block that used to precede the differential span now jumps
// into revEntry instead of the span's original entry, and the last reverse
// block closes by resuming whatever followed the span, or by returning
// directly if the differential span was the whole function.
func (t *transposer) rewire(revEntry ssa.BasicBlock) error {
	// The reverse-mode flow picks up precisely where the last forward
	// differential block's own terminator pointed, since reversal walks the
	// span but never alters what lies outside it.
	// revEntry is the reverse counterpart of lastFwdDiffBlock (the block
	// that executes last going forward executes first going backward).
	// Every external predecessor of firstRevDiffBlock now jumps into
	// revEntry instead of straight into the forward span: reverse execution
	// runs in between.
	for pred := t.firstRevDiffBlock.BeginPredIterator(); pred != nil; pred = t.firstRevDiffBlock.NextPredIterator() {
		if pred.IsDifferential() {
			continue
		}
		retargetJump(pred, t.firstRevDiffBlock, revEntry)
	}

	// The reverse counterpart of firstRevDiffBlock runs last: once it
	// finishes, the gradient walk is complete and control resumes wherever
	// the original forward span handed off to next.
	tail := t.lastFwdDiffBlock.Tail()
	if tail == nil {
		return t.errorf(ErrStructural, t.lastFwdDiffBlock, "differential span's last block has no terminator")
	}
	closingRev := t.revBlockFor(t.firstRevDiffBlock)
	prevBB := t.b.CurrentBlock()
	t.b.SetCurrentBlock(closingRev)
	switch tail.Opcode() {
	case ssa.OpcodeReturn:
		t.b.AllocateInstruction().AsReturn(nil).Insert(t.b)
	default:
		if len(tail.Targets()) == 0 {
			return t.errorf(ErrStructural, t.lastFwdDiffBlock, "unexpected terminator closing differential span: %s", tail.Opcode())
		}
		exit := tail.Targets()[len(tail.Targets())-1]
		t.b.AllocateInstruction().AsJump(exit, nil).Insert(t.b)
	}
	t.b.SetCurrentBlock(prevBB)
	return nil
}

// retargetJump rewrites pred's terminator so any target equal to from
// becomes to, preserving every other target and the carried phi arguments.
func retargetJump(pred, from, to ssa.BasicBlock) {
	tail := pred.Tail()
	if tail == nil {
		return
	}
	targets := tail.Targets()
	for i, tgt := range targets {
		if tgt == from {
			targets[i] = to
		}
	}
}
