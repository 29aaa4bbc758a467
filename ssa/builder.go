package ssa

import (
	"fmt"
	"strings"

	"github.com/ssarev/transpose/internal/pool"
)

// Builder is used to build and rebuild SSA functions, one BasicBlock at a
// time. The CFG reverser (transpose/cfg.go) drives this same interface to
// grow the reverse-mode function it emits, reusing the variable/phi
// machinery below to resolve cross-block gradient accumulator cells.
type Builder interface {
	// Init must be called to reuse this builder for the next function.
	Init()

	// Blocks returns the number of BasicBlock(s) existing in the currently-compiled function.
	Blocks() int

	// AllocateBasicBlock creates a basic block in SSA function.
	AllocateBasicBlock() BasicBlock

	// CurrentBlock returns the currently handled BasicBlock which is set by the latest call to SetCurrentBlock.
	CurrentBlock() BasicBlock

	// SetCurrentBlock sets the instruction insertion target to the BasicBlock `b`.
	SetCurrentBlock(b BasicBlock)

	// DeclareVariable declares a Variable of the given Type. Used by the
	// gradient accumulation engine to declare one variable per accumulator
	// cell.
	DeclareVariable(Type) Variable

	// DefineVariable defines a variable in the `block` with value.
	DefineVariable(variable Variable, value Value, block BasicBlock)

	// DefineVariableInCurrentBB is the same as DefineVariable except the definition is
	// inserted into the current BasicBlock.
	DefineVariableInCurrentBB(variable Variable, value Value)

	// AllocateInstruction returns a new Instruction.
	AllocateInstruction() *Instruction

	// InsertInstruction executes BasicBlock.InsertInstruction for the currently handled basic block.
	InsertInstruction(raw *Instruction)

	// allocateValue allocates an unused Value of the given Type.
	allocateValue(typ Type) Value

	// TypeOf returns the Type of the given Value, as recorded when it was allocated.
	TypeOf(v Value) Type

	// FindValue searches the latest definition of the given Variable and returns the result,
	// inserting block parameters along the way per the Braun et al. SSA construction algorithm.
	FindValue(variable Variable) Value

	// Seal declares that we've known all the predecessors to this block.
	// After calling this, adding predecessors to the block is forbidden.
	Seal(blk BasicBlock)

	// AnnotateValue is for debugging purpose.
	AnnotateValue(value Value, annotation string)

	// RunPasses runs the supporting analysis/cleanup passes on the constructed SSA function.
	RunPasses()

	// Format returns the debugging string of the SSA function.
	Format() string

	// BlockIteratorBegin initializes the state to iterate over all the valid BasicBlock(s) compiled.
	BlockIteratorBegin() BasicBlock

	// BlockIteratorNext advances the state for iteration initialized by BlockIteratorBegin.
	BlockIteratorNext() BasicBlock

	// ValueRefCounts returns the map of ValueID to its reference count.
	ValueRefCounts() []int

	// BlockIteratorReversePostOrderBegin is almost the same as BlockIteratorBegin except it returns the BasicBlock in the reverse post-order.
	// This is available after RunPasses is run.
	BlockIteratorReversePostOrderBegin() BasicBlock

	// BlockIteratorReversePostOrderNext is almost the same as BlockIteratorNext except it returns the BasicBlock in the reverse post-order.
	BlockIteratorReversePostOrderNext() BasicBlock

	// ReturnBlock returns the BasicBlock which is used to return from the function.
	ReturnBlock() BasicBlock

	// isDominatedBy returns true if `n` is dominated by `d`. Requires RunPasses to have run.
	isDominatedBy(n, d BasicBlock) bool

	// AllocationStats reports how much arena space the instruction and basic
	// block pools backing this function have grown to, for a caller that
	// wants to log how large a given transposition run turned out to be.
	AllocationStats() (instructions, blocks pool.Stats)
}

// NewBuilder returns a new Builder implementation.
func NewBuilder() Builder {
	return &builder{
		instructionsPool: pool.New[Instruction](),
		basicBlocksPool:  pool.New[basicBlock](),
		valueAnnotations:               make(map[ValueID]string),
		blkVisited:                     make(map[*basicBlock]int),
		valueIDAliases:                 make(map[ValueID]Value),
		redundantParameterIndexToValue: make(map[int]Value),
		returnBlk:                      &basicBlock{id: basicBlockIDReturnBlock},
	}
}

// builder implements Builder.
type builder struct {
	basicBlocksPool  pool.Pool[basicBlock]
	instructionsPool pool.Pool[Instruction]

	// reversePostOrderedBasicBlocks are the BasicBlock(s) ordered in the reverse post-order after passCalculateImmediateDominators.
	reversePostOrderedBasicBlocks []*basicBlock
	currentBB                     *basicBlock
	returnBlk                     *basicBlock

	// variables track the types for Variable with the index regarded Variable.
	variables []Type
	// valueTypes records the Type each Value was allocated with, indexed by ValueID.
	valueTypes []Type
	// nextValueID is used by builder.allocateValue.
	nextValueID ValueID
	// nextVariable is used by builder.allocateVariable.
	nextVariable Variable

	valueIDAliases   map[ValueID]Value
	valueAnnotations map[ValueID]string

	// redundantParameterIndexToValue is reused scratch state for passRedundantPhiEliminationOpt.
	redundantParameterIndexToValue map[int]Value

	// valueRefCounts is computed by passCollectValueIdToInstructionMapping.
	valueRefCounts []int

	// dominators stores the immediate dominator of each BasicBlock, indexed by BasicBlockID.
	dominators []*basicBlock

	// The followings are reusable scratch state for optimization passes.
	instStack            []*Instruction
	blkVisited           map[*basicBlock]int
	valueIDToInstruction []*Instruction
	blkStack             []*basicBlock
	blkStack2            []*basicBlock
	ints                 []int

	blockIterCur int

	donePasses bool
}

// ReturnBlock implements Builder.ReturnBlock.
func (b *builder) ReturnBlock() BasicBlock { return b.returnBlk }

// Init implements Builder.Init.
func (b *builder) Init() {
	b.returnBlk.reset()
	b.instructionsPool.Reset()
	b.donePasses = false

	b.ints = b.ints[:0]
	b.blkStack = b.blkStack[:0]
	b.blkStack2 = b.blkStack2[:0]
	b.dominators = b.dominators[:0]

	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		blk := b.basicBlocksPool.View(i)
		blk.reset()
		delete(b.blkVisited, blk)
	}
	b.basicBlocksPool.Reset()

	for i := Variable(0); i < b.nextVariable; i++ {
		b.variables[i] = typeInvalid
	}

	for v := ValueID(0); v < b.nextValueID; v++ {
		delete(b.valueAnnotations, v)
		delete(b.valueIDAliases, v)
		if int(v) < len(b.valueRefCounts) {
			b.valueRefCounts[v] = 0
		}
		if int(v) < len(b.valueIDToInstruction) {
			b.valueIDToInstruction[v] = nil
		}
	}
	b.nextValueID = 0
	b.nextVariable = 0
	b.reversePostOrderedBasicBlocks = b.reversePostOrderedBasicBlocks[:0]
}

// AnnotateValue implements Builder.AnnotateValue.
func (b *builder) AnnotateValue(value Value, a string) { b.valueAnnotations[value.ID()] = a }

// AllocateInstruction implements Builder.AllocateInstruction.
func (b *builder) AllocateInstruction() *Instruction {
	instr := b.instructionsPool.Allocate()
	instr.reset()
	return instr
}

// AllocateBasicBlock implements Builder.AllocateBasicBlock.
func (b *builder) AllocateBasicBlock() BasicBlock { return b.allocateBasicBlock() }

// allocateBasicBlock allocates a new basicBlock.
func (b *builder) allocateBasicBlock() *basicBlock {
	id := BasicBlockID(b.basicBlocksPool.Allocated())
	blk := b.basicBlocksPool.Allocate()
	blk.id = id
	blk.lastDefinitions = make(map[Variable]Value)
	blk.unknownValues = make(map[Variable]Value)
	return blk
}

// InsertInstruction implements Builder.InsertInstruction. Unlike a classic three-address builder,
// the result type of most opcodes here cannot be derived from a static table
// (aggregate constructors and accessors carry their own explicit typ set by
// the AsXxx constructor), so InsertInstruction only allocates the result
// Value when the instruction declares a non-invalid typ and has not already
// been given one.
func (b *builder) InsertInstruction(instr *Instruction) {
	b.currentBB.InsertInstruction(instr)

	if instr.IsTerminator() || instr.typ.invalid() || instr.rValue.Valid() {
		return
	}
	instr.rValue = b.allocateValue(instr.typ)
}

// DefineVariable implements Builder.DefineVariable.
func (b *builder) DefineVariable(variable Variable, value Value, block BasicBlock) {
	if b.variables[variable].invalid() {
		panic("BUG: trying to define variable " + variable.String() + " but is not declared yet")
	}
	bb := block.(*basicBlock)
	bb.lastDefinitions[variable] = value
}

// DefineVariableInCurrentBB implements Builder.DefineVariableInCurrentBB.
func (b *builder) DefineVariableInCurrentBB(variable Variable, value Value) {
	b.DefineVariable(variable, value, b.currentBB)
}

// SetCurrentBlock implements Builder.SetCurrentBlock.
func (b *builder) SetCurrentBlock(bb BasicBlock) { b.currentBB = bb.(*basicBlock) }

// CurrentBlock implements Builder.CurrentBlock.
func (b *builder) CurrentBlock() BasicBlock { return b.currentBB }

// DeclareVariable implements Builder.DeclareVariable.
func (b *builder) DeclareVariable(typ Type) Variable {
	v := b.allocateVariable()
	iv := int(v)
	if l := len(b.variables); l <= iv {
		b.variables = append(b.variables, make([]Type, 2*(l+1))...)
	}
	b.variables[v] = typ
	return v
}

// allocateVariable allocates a new variable.
func (b *builder) allocateVariable() (ret Variable) {
	ret = b.nextVariable
	b.nextVariable++
	return
}

// allocateValue implements Builder.allocateValue.
func (b *builder) allocateValue(typ Type) (v Value) {
	id := b.nextValueID
	b.nextValueID++
	if int(id) >= len(b.valueTypes) {
		b.valueTypes = append(b.valueTypes, make([]Type, int(id)+16)...)
	}
	b.valueTypes[id] = typ
	return Value{id: id}
}

// TypeOf implements Builder.TypeOf.
func (b *builder) TypeOf(v Value) Type {
	if int(v.id) >= len(b.valueTypes) {
		return typeInvalid
	}
	return b.valueTypes[v.id]
}

// FindValue implements Builder.FindValue.
func (b *builder) FindValue(variable Variable) Value {
	typ := b.definedVariableType(variable)
	return b.findValue(typ, variable, b.currentBB)
}

// findValue recursively tries to find the latest definition of a `variable`. The algorithm is described in
// the section 2 of the paper https://link.springer.com/content/pdf/10.1007/978-3-642-37051-9_6.pdf.
//
// This is exercised directly by the gradient accumulation engine, where each
// Variable is one accumulator cell: a predecessor that never contributed a
// partial adjoint is resolved here to its zero value rather than to a
// forwarded argument.
func (b *builder) findValue(typ Type, variable Variable, blk *basicBlock) Value {
	if val, ok := blk.lastDefinitions[variable]; ok {
		return val
	} else if !blk.sealed { // Incomplete CFG as in the paper.
		value := b.allocateValue(typ)
		blk.lastDefinitions[variable] = value
		blk.unknownValues[variable] = value
		return value
	}

	if pred := blk.singlePred; pred != nil {
		return b.findValue(typ, variable, pred)
	}

	// Multiple predecessors: add a block parameter and thread the
	// predecessor definitions as Jump arguments.
	paramValue := blk.AddParam(b, typ)
	b.DefineVariable(variable, paramValue, blk)
	for i := range blk.preds {
		pred := &blk.preds[i]
		value := b.findValue(typ, variable, pred.blk)
		pred.branch.vs = append(pred.branch.vs, value)
	}
	return paramValue
}

// Seal implements Builder.Seal.
func (b *builder) Seal(raw BasicBlock) {
	blk := raw.(*basicBlock)
	if len(blk.preds) == 1 {
		blk.singlePred = blk.preds[0].blk
	}
	blk.sealed = true

	for variable, phiValue := range blk.unknownValues {
		typ := b.definedVariableType(variable)
		blk.addParamOn(typ, phiValue)
		for i := range blk.preds {
			pred := &blk.preds[i]
			predValue := b.findValue(typ, variable, pred.blk)
			pred.branch.vs = append(pred.branch.vs, predValue)
		}
	}
}

// definedVariableType returns the type of the given variable. If the variable is not defined yet, it panics.
func (b *builder) definedVariableType(variable Variable) Type {
	typ := b.variables[variable]
	if typ.invalid() {
		panic(fmt.Sprintf("%s is not defined yet", variable))
	}
	return typ
}

// AllocationStats implements Builder.AllocationStats.
func (b *builder) AllocationStats() (instructions, blocks pool.Stats) {
	return b.instructionsPool.Stats(), b.basicBlocksPool.Stats()
}

// isDominatedBy implements Builder.isDominatedBy.
func (b *builder) isDominatedBy(nb, db BasicBlock) bool {
	n, d := nb.(*basicBlock), db.(*basicBlock)
	if len(b.dominators) == 0 {
		panic("BUG: RunPasses must be called before calling isDominatedBy")
	}
	ent := b.entryBlk()
	doms := b.dominators
	for n != d && n != ent {
		n = doms[n.id]
	}
	return n == d
}

// entryBlk returns the entry block of the function.
func (b *builder) entryBlk() *basicBlock { return b.basicBlocksPool.View(0) }

// Blocks implements Builder.Blocks.
func (b *builder) Blocks() int { return len(b.reversePostOrderedBasicBlocks) }

// Format implements Builder.Format.
func (b *builder) Format() string {
	str := strings.Builder{}

	var iterBegin, iterNext func() *basicBlock
	if len(b.reversePostOrderedBasicBlocks) > 0 {
		iterBegin, iterNext = b.blockIteratorReversePostOrderBegin, b.blockIteratorReversePostOrderNext
	} else {
		iterBegin, iterNext = b.blockIteratorBegin, b.blockIteratorNext
	}
	for bb := iterBegin(); bb != nil; bb = iterNext() {
		str.WriteByte('\n')
		str.WriteString(bb.FormatHeader(b))
		str.WriteByte('\n')

		for cur := bb.Root(); cur != nil; cur = cur.Next() {
			str.WriteByte('\t')
			str.WriteString(cur.Format(b))
			str.WriteByte('\n')
		}
	}
	return str.String()
}

// BlockIteratorNext implements Builder.BlockIteratorNext.
func (b *builder) BlockIteratorNext() BasicBlock {
	if blk := b.blockIteratorNext(); blk == nil {
		return nil // BasicBlock((*basicBlock)(nil)) != BasicBlock(nil)
	} else {
		return blk
	}
}

func (b *builder) blockIteratorNext() *basicBlock {
	index := b.blockIterCur
	for {
		if index == b.basicBlocksPool.Allocated() {
			return nil
		}
		ret := b.basicBlocksPool.View(index)
		index++
		if !ret.invalid {
			b.blockIterCur = index
			return ret
		}
	}
}

// BlockIteratorBegin implements Builder.BlockIteratorBegin.
func (b *builder) BlockIteratorBegin() BasicBlock { return b.blockIteratorBegin() }

func (b *builder) blockIteratorBegin() *basicBlock {
	b.blockIterCur = 0
	return b.blockIteratorNext()
}

// BlockIteratorReversePostOrderBegin implements Builder.BlockIteratorReversePostOrderBegin.
func (b *builder) BlockIteratorReversePostOrderBegin() BasicBlock {
	return b.blockIteratorReversePostOrderBegin()
}

func (b *builder) blockIteratorReversePostOrderBegin() *basicBlock {
	b.blockIterCur = 0
	return b.blockIteratorReversePostOrderNext()
}

// BlockIteratorReversePostOrderNext implements Builder.BlockIteratorReversePostOrderNext.
func (b *builder) BlockIteratorReversePostOrderNext() BasicBlock {
	if blk := b.blockIteratorReversePostOrderNext(); blk == nil {
		return nil // BasicBlock((*basicBlock)(nil)) != BasicBlock(nil)
	} else {
		return blk
	}
}

func (b *builder) blockIteratorReversePostOrderNext() *basicBlock {
	if b.blockIterCur >= len(b.reversePostOrderedBasicBlocks) {
		return nil
	}
	ret := b.reversePostOrderedBasicBlocks[b.blockIterCur]
	b.blockIterCur++
	return ret
}

// ValueRefCounts implements Builder.ValueRefCounts.
func (b *builder) ValueRefCounts() []int { return b.valueRefCounts }

// alias records the alias of the given values, resolved by resolveArgumentAlias
// during the redundant-phi cleanup pass.
func (b *builder) alias(dst, src Value) { b.valueIDAliases[dst.ID()] = src }

// resolveArgumentAlias resolves the alias of the arguments of the given instruction.
func (b *builder) resolveArgumentAlias(instr *Instruction) {
	if instr.v.Valid() {
		instr.v = b.resolveAlias(instr.v)
	}
	if instr.v2.Valid() {
		instr.v2 = b.resolveAlias(instr.v2)
	}
	for i, v := range instr.vs {
		instr.vs[i] = b.resolveAlias(v)
	}
}

// resolveAlias resolves the alias of the given value.
func (b *builder) resolveAlias(v Value) Value {
	for {
		if src, ok := b.valueIDAliases[v.ID()]; ok {
			v = src
		} else {
			break
		}
	}
	return v
}
