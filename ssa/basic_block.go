package ssa

import (
	"fmt"
	"strconv"
	"strings"
)

// BasicBlock represents the Basic Block of an SSA function.
// Each BasicBlock always ends with a terminator instruction (Jump, IfElse,
// LoopBranch, SwitchBranch or Return), and there's no terminator in the
// middle of the block.
//
// Note: we use the "block argument" variant of SSA, instead of PHI functions.
//
// Note: we use "parameter/param" as a placeholder which represents a variant
// of PHI, and "argument/arg" as an actual Value passed to that
// "parameter/param" by a Jump instruction.
type BasicBlock interface {
	// ID returns the unique ID of this block.
	ID() BasicBlockID

	// Name returns the unique string ID of this block. e.g. blk0, blk1, ...
	Name() string

	// AddParam adds the parameter to the block whose type specified by `t`.
	AddParam(b Builder, t Type) Value

	// Params returns the number of parameters to this block.
	Params() int

	// Param returns the Value which corresponds to the i-th parameter of this block.
	Param(i int) Value

	// InsertInstruction inserts an instruction into the tail of this block.
	InsertInstruction(raw *Instruction)

	// InsertInstructionAtHead inserts a non-terminator instruction before the
	// rest of this block's body, preserving the relative order of repeated
	// calls. Used to place gradient accumulator zero-initializations ahead of
	// whatever has already been appended to the block that owns them,
	// regardless of which block is currently being built.
	InsertInstructionAtHead(raw *Instruction)

	// Root returns the root instruction of this block.
	Root() *Instruction

	// Tail returns the tail instruction of this block.
	Tail() *Instruction

	// EntryBlock returns true if this block represents the function entry.
	EntryBlock() bool

	// ReturnBlock returns true if this block represents the function return.
	ReturnBlock() bool

	// FormatHeader returns the debug string of this block, not including instructions.
	FormatHeader(b Builder) string

	// Valid is true if this block is still valid even after the CFG reverser runs.
	Valid() bool
	// Invalidate marks this block as dead, excluding it from block iteration
	// and Format. Used to discard scratch blocks allocated as a detached
	// workspace (e.g. accumulator zero-value construction) once their
	// instructions have been spliced elsewhere.
	Invalidate()
	// BeginPredIterator returns the first predecessor of this block.
	BeginPredIterator() BasicBlock
	// NextPredIterator returns the next predecessor of this block.
	NextPredIterator() BasicBlock
	// Preds returns the number of predecessors of this block.
	Preds() int

	// IsDifferential reports whether this block was produced by forward-mode
	// differentiation and is therefore a candidate for reversal.
	IsDifferential() bool
	// MarkDifferential tags this block as a differential block, back-pointing
	// to its primal counterpart.
	MarkDifferential(primal BasicBlock)
	// PrimalCounterpart returns the primal block this differential block was
	// unzipped from, if MarkDifferential was called.
	PrimalCounterpart() BasicBlock

	// AddDecoration/FindDecoration/HasDecoration expose block-level metadata.
	AddDecoration(Decoration)
	FindDecoration(DecorationKind) (Decoration, bool)
	HasDecoration(DecorationKind) bool
}

type (
	// basicBlock is a basic block in a SSA-transformed function.
	basicBlock struct {
		decorated

		id                      BasicBlockID
		rootInstr, currentInstr *Instruction
		params                  []blockParam
		predIter                int
		preds                   []basicBlockPredecessorInfo
		success                 []*basicBlock
		// singlePred is the alias to preds[0] for fast lookup, and only set after Seal is called.
		singlePred *basicBlock
		// lastDefinitions maps Variable to its last definition in this block.
		lastDefinitions map[Variable]Value
		// unknownValues are used in builder.findValue.
		unknownValues map[Variable]Value
		// invalid is true if this block is made invalid, e.g. after CFG reversal discards it.
		invalid bool
		// sealed is true if this is sealed (all the predecessors are known).
		sealed bool
		// loopHeader is true if this block is a loop header, computed by
		// subPassLoopDetection.
		loopHeader bool

		// reversePostOrder is used to sort all the blocks in the function in
		// reverse post order. Used by the dominator computation.
		reversePostOrder int

		// primalCounterpart is set by MarkDifferential.
		primalCounterpart *basicBlock

		// headInsertCursor is the last instruction inserted via
		// InsertInstructionAtHead, so repeated head-inserts accumulate in
		// the order they were made instead of each prepending ahead of the
		// last.
		headInsertCursor *Instruction
	}
	// BasicBlockID is the unique ID of a basicBlock.
	BasicBlockID uint32

	// blockParam implements Value and represents a parameter to a basicBlock.
	blockParam struct {
		value Value
		typ   Type
	}
)

const basicBlockIDReturnBlock = 0xffffffff

// Name implements BasicBlock.Name.
func (bb *basicBlock) Name() string {
	if bb.id == basicBlockIDReturnBlock {
		return "blk_ret"
	}
	return fmt.Sprintf("blk%d", bb.id)
}

// String implements fmt.Stringer for debugging.
func (bid BasicBlockID) String() string {
	if bid == basicBlockIDReturnBlock {
		return "blk_ret"
	}
	return fmt.Sprintf("blk%d", bid)
}

// ID implements BasicBlock.ID.
func (bb *basicBlock) ID() BasicBlockID { return bb.id }

// basicBlockPredecessorInfo is the information of a predecessor of a basicBlock.
// predecessor is determined by a pair of block and the branch instruction used to jump to the successor.
type basicBlockPredecessorInfo struct {
	blk    *basicBlock
	branch *Instruction
}

// EntryBlock implements BasicBlock.EntryBlock.
func (bb *basicBlock) EntryBlock() bool { return bb.id == 0 }

// ReturnBlock implements BasicBlock.ReturnBlock.
func (bb *basicBlock) ReturnBlock() bool { return bb.id == basicBlockIDReturnBlock }

// AddParam implements BasicBlock.AddParam.
func (bb *basicBlock) AddParam(b Builder, typ Type) Value {
	paramValue := b.allocateValue(typ)
	bb.params = append(bb.params, blockParam{typ: typ, value: paramValue})
	return paramValue
}

// addParamOn adds a parameter to this block whose value is already allocated.
func (bb *basicBlock) addParamOn(typ Type, value Value) {
	bb.params = append(bb.params, blockParam{typ: typ, value: value})
}

// Params implements BasicBlock.Params.
func (bb *basicBlock) Params() int { return len(bb.params) }

// Param implements BasicBlock.Param.
func (bb *basicBlock) Param(i int) Value {
	p := &bb.params[i]
	return p.value
}

// Valid implements BasicBlock.Valid.
func (bb *basicBlock) Valid() bool { return !bb.invalid }

// Invalidate implements BasicBlock.Invalidate.
func (bb *basicBlock) Invalidate() { bb.invalid = true }

// IsDifferential implements BasicBlock.IsDifferential.
func (bb *basicBlock) IsDifferential() bool { return bb.HasDecoration(DecorationDifferentialInst) }

// MarkDifferential implements BasicBlock.MarkDifferential.
func (bb *basicBlock) MarkDifferential(primal BasicBlock) {
	bb.primalCounterpart = primal.(*basicBlock)
	bb.AddDecoration(Decoration{Kind: DecorationDifferentialInst})
}

// PrimalCounterpart implements BasicBlock.PrimalCounterpart.
func (bb *basicBlock) PrimalCounterpart() BasicBlock {
	if bb.primalCounterpart == nil {
		return nil
	}
	return bb.primalCounterpart
}

// InsertInstruction implements BasicBlock.InsertInstruction. Predecessor and
// successor links are wired automatically for every terminator's targets, so
// callers never maintain the CFG by hand.
func (bb *basicBlock) InsertInstruction(next *Instruction) {
	current := bb.currentInstr
	if current != nil {
		current.next = next
		next.prev = current
	} else {
		bb.rootInstr = next
	}
	bb.currentInstr = next
	next.blk = bb

	switch next.opcode {
	case OpcodeJump, OpcodeIfElse, OpcodeLoopBranch, OpcodeSwitchBranch:
		for _, t := range next.targets {
			t.(*basicBlock).addPred(bb, next)
		}
	}
}

// InsertInstructionAtHead implements BasicBlock.InsertInstructionAtHead.
func (bb *basicBlock) InsertInstructionAtHead(next *Instruction) {
	next.blk = bb
	if bb.headInsertCursor == nil {
		next.next = bb.rootInstr
		if bb.rootInstr != nil {
			bb.rootInstr.prev = next
		} else {
			bb.currentInstr = next
		}
		bb.rootInstr = next
	} else {
		after := bb.headInsertCursor
		next.prev = after
		next.next = after.next
		if after.next != nil {
			after.next.prev = next
		} else {
			bb.currentInstr = next
		}
		after.next = next
	}
	bb.headInsertCursor = next
}

// NumPreds returns the number of predecessors of this block.
func (bb *basicBlock) NumPreds() int { return len(bb.preds) }

// BeginPredIterator implements BasicBlock.BeginPredIterator.
func (bb *basicBlock) BeginPredIterator() BasicBlock {
	bb.predIter = 0
	return bb.NextPredIterator()
}

// NextPredIterator implements BasicBlock.NextPredIterator.
func (bb *basicBlock) NextPredIterator() BasicBlock {
	if bb.predIter >= len(bb.preds) {
		return nil
	}
	pred := bb.preds[bb.predIter].blk
	bb.predIter++
	return pred
}

// Preds implements BasicBlock.Preds.
func (bb *basicBlock) Preds() int { return len(bb.preds) }

// Root implements BasicBlock.Root.
func (bb *basicBlock) Root() *Instruction { return bb.rootInstr }

// Tail implements BasicBlock.Tail.
func (bb *basicBlock) Tail() *Instruction { return bb.currentInstr }

// reset resets the basicBlock to its initial state so that it can be reused for another function.
func (bb *basicBlock) reset() {
	id := bb.id
	*bb = basicBlock{id: id}
	bb.unknownValues = make(map[Variable]Value)
	bb.lastDefinitions = make(map[Variable]Value)
}

// addPred adds a predecessor to this block specified by the branch instruction.
func (bb *basicBlock) addPred(blk BasicBlock, branch *Instruction) {
	if bb.sealed {
		panic("BUG: trying to add predecessor to a sealed block: " + bb.Name())
	}
	pred := blk.(*basicBlock)
	bb.preds = append(bb.preds, basicBlockPredecessorInfo{
		blk:    pred,
		branch: branch,
	})
	pred.success = append(pred.success, bb)
}

// FormatHeader implements BasicBlock.FormatHeader.
func (bb *basicBlock) FormatHeader(b Builder) string {
	ps := make([]string, len(bb.params))
	for i, p := range bb.params {
		ps[i] = p.value.formatWithType(b)
	}

	if len(bb.preds) > 0 {
		preds := make([]string, 0, len(bb.preds))
		for _, pred := range bb.preds {
			if pred.branch.opcode == OpcodeJump && len(pred.branch.vs) != len(bb.params) {
				panic(fmt.Sprintf("BUG: len(argument) != len(params): %d != %d",
					len(pred.branch.vs), len(bb.params)))
			}
			if pred.blk.invalid {
				continue
			}
			preds = append(preds, fmt.Sprintf("blk%d", pred.blk.id))
		}
		return fmt.Sprintf("blk%d: (%s) <-- (%s)",
			bb.id, strings.Join(ps, ","), strings.Join(preds, ","))
	}
	return fmt.Sprintf("blk%d: (%s)", bb.id, strings.Join(ps, ", "))
}

// String implements fmt.Stringer for debugging purpose only.
func (bb *basicBlock) String() string { return strconv.Itoa(int(bb.id)) }
