package transpose

import "github.com/ssarev/transpose/ssa"

// RevGradientFlavor classifies a partial adjoint by the shape of the forward
// instruction that produced it, since each shape needs a different
// materialization strategy to fold back into its aggregate.
type RevGradientFlavor byte

const (
	FlavorSimple RevGradientFlavor = iota
	FlavorSwizzle
	FlavorFieldExtract
	FlavorGetElement
)

// RevGradient is one partial contribution to the adjoint of a forward
// instruction, attributed by the per-instruction transposer and consumed by
// the adjoint materializer.
type RevGradient struct {
	Flavor RevGradientFlavor
	Value  ssa.Value

	// Indices is set for FlavorSwizzle: the lane indices of the forward
	// swizzle that produced Value.
	Indices []int

	// FieldKey is set for FlavorFieldExtract: the struct field Value came from.
	FieldKey string

	// Index is set for FlavorGetElement: the element index expression Value came from.
	Index ssa.Value
}

// gradientStore holds the partials accumulated so far for each forward
// instruction, plus the lazily-created cross-block accumulator cell for
// instructions whose uses span more than their defining block.
type gradientStore struct {
	partials     map[*ssa.Instruction][]RevGradient
	accumulators map[*ssa.Instruction]ssa.Variable
}

func newGradientStore() *gradientStore {
	return &gradientStore{
		partials:     make(map[*ssa.Instruction][]RevGradient),
		accumulators: make(map[*ssa.Instruction]ssa.Variable),
	}
}

// add appends g to the partial list for inst.
func (s *gradientStore) add(inst *ssa.Instruction, g RevGradient) {
	s.partials[inst] = append(s.partials[inst], g)
}

// hasAny reports whether inst has any unconsumed partials.
func (s *gradientStore) hasAny(inst *ssa.Instruction) bool {
	return len(s.partials[inst]) > 0
}

// pop removes and returns inst's partial list.
func (s *gradientStore) pop(inst *ssa.Instruction) []RevGradient {
	g := s.partials[inst]
	delete(s.partials, inst)
	return g
}

// accumulatorExists reports whether inst already has a cross-block
// accumulator cell.
func (s *gradientStore) accumulatorExists(inst *ssa.Instruction) bool {
	_, ok := s.accumulators[inst]
	return ok
}

// accumulatorVariable returns inst's accumulator Variable. Panics if none
// exists; callers must guard with accumulatorExists or go through
// accumulatorFor first.
func (s *gradientStore) accumulatorVariable(inst *ssa.Instruction) ssa.Variable {
	v, ok := s.accumulators[inst]
	if !ok {
		panic("BUG: accumulatorVariable called before accumulatorFor")
	}
	return v
}

// empty reports whether every instruction's partial list has been consumed.
func (s *gradientStore) empty() bool {
	for _, g := range s.partials {
		if len(g) > 0 {
			return false
		}
	}
	return true
}

// accumulatorFor returns the Variable backing inst's cross-block accumulator
// cell, creating it on first use. The cell is declared once per instruction
// and initialized to the zero value of inst's differential type at the head
// of revEntry, the block reverse execution enters first, ahead of whatever
// has already been transposed into that block: later reads of the
// accumulator (via ssa.Builder.FindValue) are resolved to this zero along
// any predecessor path that never stores a contribution into it. Seeding
// anywhere else would have the zero live in a block that only some readers
// of the accumulator actually traverse on their way back to the def.
func (s *gradientStore) accumulatorFor(b ssa.Builder, conf ssa.Conformance, revEntry ssa.BasicBlock, inst *ssa.Instruction) (ssa.Variable, error) {
	if v, ok := s.accumulators[inst]; ok {
		return v, nil
	}

	diffType, err := conf.DifferentialTypeFor(inst.Type())
	if err != nil {
		return 0, err
	}

	variable := b.DeclareVariable(diffType)

	// Conformance.Zero emits into "the builder's current block"; build it in
	// a scratch block so it can be spliced onto the head of revEntry
	// afterwards regardless of what is currently being built there.
	scratch := b.AllocateBasicBlock()
	prevBB := b.CurrentBlock()
	b.SetCurrentBlock(scratch)
	zero := conf.Zero(b, diffType)
	b.SetCurrentBlock(prevBB)

	for cur := scratch.Root(); cur != nil; {
		next := cur.Next()
		revEntry.InsertInstructionAtHead(cur)
		cur = next
	}
	scratch.Invalidate()

	b.DefineVariable(variable, zero, revEntry)
	s.accumulators[inst] = variable
	return variable, nil
}
