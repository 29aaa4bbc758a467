package ssa

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Opcode represents the operation performed by an Instruction.
type Opcode uint32

const (
	OpcodeInvalid Opcode = iota

	// Const holds a scalar literal, bit-cast into a uint64 the way a classic
	// three-address IR's Iconst64/F64const do. Used for index/zero constants
	// the conformance collaborator and materializer need to synthesize.
	OpcodeConst

	// Arithmetic. Differential operands are broadened to a common type by
	// operand promotion before these are emitted.
	OpcodeAdd
	OpcodeSub
	OpcodeMul
	OpcodeNeg

	// Aggregate destructors. Each has a dedicated RevGradient flavor in the
	// transposer because their adjoints cannot simply be summed.
	OpcodeSwizzle
	OpcodeFieldExtract
	OpcodeGetElement

	// Aggregate constructors.
	OpcodeMakeVector
	OpcodeMakeVectorFromScalar
	OpcodeMakeMatrix
	OpcodeMakeMatrixFromScalar
	OpcodeMatrixReshape
	OpcodeMakeStruct
	OpcodeMakeArray
	OpcodeMakeArrayFromElement
	OpcodeUpdateElement

	// Differential pairs.
	OpcodeMakeDifferentialPair
	OpcodeDifferentialPairGetDifferential
	OpcodeDifferentialPairGetPrimal

	// Memory. OpcodeAllocaLocal allocates a fresh addressable local slot,
	// used by call transposition to materialize the out-parameter slots a
	// reverse-mode entry point writes each differential argument's adjoint
	// through.
	OpcodeAllocaLocal
	OpcodeLoad
	OpcodeStore

	// Calls.
	OpcodeForwardDifferentiate
	// OpcodeBackwardDifferentiate is synthesized by this pass itself (never
	// by a frontend) when transposing a call to a forward-differentiated
	// callee: it names the reverse-mode entry point the backward-propagation
	// registry resolved for that callee's forward symbol.
	OpcodeBackwardDifferentiate
	OpcodeCall

	// Terminators. Structured control flow only: every region has an
	// explicit convergence ("after"/"break") block, so the CFG reverser
	// never has to rediscover it via dominance search.
	OpcodeJump
	OpcodeIfElse
	OpcodeLoopBranch
	OpcodeSwitchBranch
	OpcodeReturn

	opcodeEnd
)

var opcodeNames = [opcodeEnd]string{
	OpcodeInvalid:                         "invalid",
	OpcodeConst:                           "const",
	OpcodeAdd:                             "add",
	OpcodeSub:                             "sub",
	OpcodeMul:                             "mul",
	OpcodeNeg:                             "neg",
	OpcodeSwizzle:                         "swizzle",
	OpcodeFieldExtract:                    "field_extract",
	OpcodeGetElement:                      "get_element",
	OpcodeMakeVector:                      "make_vector",
	OpcodeMakeVectorFromScalar:            "make_vector_from_scalar",
	OpcodeMakeMatrix:                      "make_matrix",
	OpcodeMakeMatrixFromScalar:            "make_matrix_from_scalar",
	OpcodeMatrixReshape:                   "matrix_reshape",
	OpcodeMakeStruct:                      "make_struct",
	OpcodeMakeArray:                       "make_array",
	OpcodeMakeArrayFromElement:            "make_array_from_element",
	OpcodeUpdateElement:                   "update_element",
	OpcodeMakeDifferentialPair:            "make_diff_pair",
	OpcodeDifferentialPairGetDifferential: "diff_pair_get_differential",
	OpcodeDifferentialPairGetPrimal:       "diff_pair_get_primal",
	OpcodeLoad:                            "load",
	OpcodeStore:                           "store",
	OpcodeForwardDifferentiate:            "fwd_differentiate",
	OpcodeBackwardDifferentiate:           "bwd_differentiate",
	OpcodeCall:                            "call",
	OpcodeJump:                            "jump",
	OpcodeIfElse:                          "if_else",
	OpcodeLoopBranch:                      "loop_branch",
	OpcodeSwitchBranch:                    "switch_branch",
	OpcodeReturn:                          "return",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if int(o) < len(opcodeNames) && opcodeNames[o] != "" {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", o)
}

// AccessKind distinguishes a field step from an element step in an
// UpdateElement access chain.
type AccessKind byte

const (
	AccessField AccessKind = iota
	AccessElement
)

// AccessStep is one hop of an UpdateElement access chain.
type AccessStep struct {
	Kind     AccessKind
	FieldKey string
	Index    Value
}

// Instruction represents a node of the SSA graph. Since Go doesn't have a
// union type, we use this flattened struct for all instructions, and
// therefore each field has a different meaning depending on Opcode.
type Instruction struct {
	decorated

	opcode Opcode
	typ    Type

	v, v2, v3 Value
	vs        []Value

	num uint64 // OpcodeConst: bit pattern of the literal.

	indices  []int
	chain    []AccessStep
	fieldKey string
	sym      string

	targets  []BasicBlock
	afterBlk BasicBlock

	blk        BasicBlock
	prev, next *Instruction

	rValue  Value
	rValues []Value
	gid     InstructionGroupID
	live    bool
}

// InstructionGroupID is assigned to each instruction and represents a group
// of instructions interchangeable with each other except for the last
// instruction in the group, which has side effects.
type InstructionGroupID uint32

// reset resets this instruction to the initial state so it can be reused
// from the arena pool.
func (i *Instruction) reset() {
	*i = Instruction{}
	i.v, i.v2, i.v3 = ValueInvalid, ValueInvalid, ValueInvalid
	i.rValue = ValueInvalid
	i.typ = typeInvalid
}

// Opcode returns the opcode of this instruction.
func (i *Instruction) Opcode() Opcode { return i.opcode }

// Type returns the result type of this instruction.
func (i *Instruction) Type() Type { return i.typ }

// GroupID returns the InstructionGroupID of this instruction.
func (i *Instruction) GroupID() InstructionGroupID { return i.gid }

// Block returns the owning BasicBlock.
func (i *Instruction) Block() BasicBlock { return i.blk }

// Next/Prev navigate the instruction list of the owning block.
func (i *Instruction) Next() *Instruction { return i.next }
func (i *Instruction) Prev() *Instruction { return i.prev }

// Returns returns the Value(s) produced by this instruction, if any.
func (i *Instruction) Returns() (first Value, rest []Value) { return i.rValue, i.rValues }

// Return returns the first (and usually only) Value produced by this instruction.
func (i *Instruction) Return() Value { return i.rValue }

// Args returns the fixed-position operands of this instruction.
func (i *Instruction) Args() (v1, v2, v3 Value, vs []Value) { return i.v, i.v2, i.v3, i.vs }

// Arg returns the first operand.
func (i *Instruction) Arg() Value { return i.v }

// Arg2 returns the first two operands.
func (i *Instruction) Arg2() (Value, Value) { return i.v, i.v2 }

// sideEffect classifies an Instruction for the dead code elimination pass.
type sideEffect byte

const (
	sideEffectNone sideEffect = iota
	// sideEffectStrict instructions are always kept alive and start a new InstructionGroupID.
	sideEffectStrict
)

// sideEffect returns the side-effect classification of this instruction.
// Store and Call may affect memory or invoke an arbitrary callee and so are
// always live; every terminator is structural and always live; everything
// else is a pure value computation, live only if referenced.
func (i *Instruction) sideEffect() sideEffect {
	switch i.opcode {
	case OpcodeStore, OpcodeCall:
		return sideEffectStrict
	default:
		if i.IsTerminator() {
			return sideEffectStrict
		}
		return sideEffectNone
	}
}

// IsTerminator returns true if this instruction ends a BasicBlock.
func (i *Instruction) IsTerminator() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeIfElse, OpcodeLoopBranch, OpcodeSwitchBranch, OpcodeReturn:
		return true
	default:
		return false
	}
}

// Targets returns the branch targets of a terminator, in opcode-defined order.
func (i *Instruction) Targets() []BasicBlock { return i.targets }

// AfterBlock returns the explicit convergence ("after"/"break") block of a
// structured region terminator.
func (i *Instruction) AfterBlock() BasicBlock { return i.afterBlk }

// ---- Constants ----

// AsConstFloat initializes a Const instruction holding a floating point literal.
func (i *Instruction) AsConstFloat(typ Type, v float64) *Instruction {
	var bits uint64
	if typ.Bits() == 64 {
		bits = math.Float64bits(v)
	} else {
		bits = uint64(math.Float32bits(float32(v)))
	}
	i.opcode, i.typ, i.num = OpcodeConst, typ, bits
	return i
}

// AsConstInt initializes a Const instruction holding an integer literal.
func (i *Instruction) AsConstInt(typ Type, v int64) *Instruction {
	i.opcode, i.typ, i.num = OpcodeConst, typ, uint64(v)
	return i
}

// ConstBits returns the raw bit pattern of a Const instruction's literal.
func (i *Instruction) ConstBits() uint64 { return i.num }

// ConstFloat returns a Const instruction's literal as a float64.
func (i *Instruction) ConstFloat() float64 {
	if i.typ.Bits() == 64 {
		return math.Float64frombits(i.num)
	}
	return float64(math.Float32frombits(uint32(i.num)))
}

// ConstInt returns a Const instruction's literal as an int64.
func (i *Instruction) ConstInt() int64 { return int64(i.num) }

// ---- Arithmetic ----

// AsAdd initializes this instruction as Add(a, b): a += rev, b += rev.
func (i *Instruction) AsAdd(typ Type, a, b Value) *Instruction {
	i.opcode, i.typ, i.v, i.v2 = OpcodeAdd, typ, a, b
	return i
}

// AsSub initializes this instruction as Sub(a, b): a += rev, b += -rev.
func (i *Instruction) AsSub(typ Type, a, b Value) *Instruction {
	i.opcode, i.typ, i.v, i.v2 = OpcodeSub, typ, a, b
	return i
}

// AsMul initializes this instruction as Mul(a, b).
func (i *Instruction) AsMul(typ Type, a, b Value) *Instruction {
	i.opcode, i.typ, i.v, i.v2 = OpcodeMul, typ, a, b
	return i
}

// AsNeg initializes this instruction as Neg(a): a += -rev.
func (i *Instruction) AsNeg(typ Type, a Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeNeg, typ, a
	return i
}

// ---- Destructors ----

// AsSwizzle initializes a Swizzle(base, indices...) instruction.
func (i *Instruction) AsSwizzle(typ Type, base Value, indices []int) *Instruction {
	i.opcode, i.typ, i.v, i.indices = OpcodeSwizzle, typ, base, indices
	return i
}

// SwizzleIndices returns the lane indices of a Swizzle instruction.
func (i *Instruction) SwizzleIndices() []int { return i.indices }

// AsFieldExtract initializes a FieldExtract(base, key) instruction.
func (i *Instruction) AsFieldExtract(typ Type, base Value, key string) *Instruction {
	i.opcode, i.typ, i.v, i.fieldKey = OpcodeFieldExtract, typ, base, key
	return i
}

// FieldKey returns the struct field key of a FieldExtract instruction.
func (i *Instruction) FieldKey() string { return i.fieldKey }

// AsGetElement initializes a GetElement(base, index) instruction.
func (i *Instruction) AsGetElement(typ Type, base, index Value) *Instruction {
	i.opcode, i.typ, i.v, i.v2 = OpcodeGetElement, typ, base, index
	return i
}

// ---- Constructors ----

// AsMakeVector initializes a MakeVector(elems...) instruction.
func (i *Instruction) AsMakeVector(typ Type, elems []Value) *Instruction {
	i.opcode, i.typ, i.vs = OpcodeMakeVector, typ, elems
	return i
}

// AsMakeVectorFromScalar initializes a MakeVectorFromScalar(s) instruction (splat).
func (i *Instruction) AsMakeVectorFromScalar(typ Type, s Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeMakeVectorFromScalar, typ, s
	return i
}

// AsMakeMatrix initializes a MakeMatrix(elems...) instruction, elems in row-major order.
func (i *Instruction) AsMakeMatrix(typ Type, elems []Value) *Instruction {
	i.opcode, i.typ, i.vs = OpcodeMakeMatrix, typ, elems
	return i
}

// AsMakeMatrixFromScalar initializes a MakeMatrixFromScalar(s) instruction (splat).
func (i *Instruction) AsMakeMatrixFromScalar(typ Type, s Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeMakeMatrixFromScalar, typ, s
	return i
}

// AsMatrixReshape initializes a MatrixReshape(m) instruction.
func (i *Instruction) AsMatrixReshape(typ Type, m Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeMatrixReshape, typ, m
	return i
}

// AsMakeStruct initializes a MakeStruct(fields...) instruction, fields ordered
// to match typ.Fields().
func (i *Instruction) AsMakeStruct(typ Type, fields []Value) *Instruction {
	i.opcode, i.typ, i.vs = OpcodeMakeStruct, typ, fields
	return i
}

// AsMakeArray initializes a MakeArray(elems...) instruction.
func (i *Instruction) AsMakeArray(typ Type, elems []Value) *Instruction {
	i.opcode, i.typ, i.vs = OpcodeMakeArray, typ, elems
	return i
}

// AsMakeArrayFromElement initializes a MakeArrayFromElement(e) instruction (splat).
func (i *Instruction) AsMakeArrayFromElement(typ Type, e Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeMakeArrayFromElement, typ, e
	return i
}

// AsUpdateElement initializes an UpdateElement(arr, chain, v) instruction.
func (i *Instruction) AsUpdateElement(typ Type, arr Value, chain []AccessStep, v Value) *Instruction {
	i.opcode, i.typ, i.v, i.chain, i.v2 = OpcodeUpdateElement, typ, arr, chain, v
	return i
}

// Chain returns the access chain of an UpdateElement instruction.
func (i *Instruction) Chain() []AccessStep { return i.chain }

// ---- Differential pairs ----

// AsMakeDifferentialPair initializes a MakeDifferentialPair(p, d) instruction.
func (i *Instruction) AsMakeDifferentialPair(typ Type, primal, diff Value) *Instruction {
	i.opcode, i.typ, i.v, i.v2 = OpcodeMakeDifferentialPair, typ, primal, diff
	return i
}

// AsDifferentialPairGetDifferential initializes a DifferentialPairGetDifferential(pair) instruction.
func (i *Instruction) AsDifferentialPairGetDifferential(typ Type, pair Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeDifferentialPairGetDifferential, typ, pair
	return i
}

// AsDifferentialPairGetPrimal initializes a DifferentialPairGetPrimal(pair) instruction.
func (i *Instruction) AsDifferentialPairGetPrimal(typ Type, pair Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeDifferentialPairGetPrimal, typ, pair
	return i
}

// ---- Memory ----

// AsAllocaLocal initializes an AllocaLocal instruction, producing a fresh
// pointer Value addressing typ-sized local storage. Used by call
// transposition to materialize the out-parameter slots a reverse-mode entry
// point writes a differential argument's adjoint through.
func (i *Instruction) AsAllocaLocal(typ Type) *Instruction {
	i.opcode, i.typ = OpcodeAllocaLocal, NewPointerType(typ)
	return i
}

// AsLoad initializes a Load(ptr) instruction.
func (i *Instruction) AsLoad(typ Type, ptr Value) *Instruction {
	i.opcode, i.typ, i.v = OpcodeLoad, typ, ptr
	return i
}

// AsStore initializes a Store(v, ptr) instruction.
func (i *Instruction) AsStore(v, ptr Value) *Instruction {
	i.opcode, i.v, i.v2 = OpcodeStore, v, ptr
	return i
}

// StoreData returns the operands of a Store instruction.
func (i *Instruction) StoreData() (v, ptr Value) { return i.v, i.v2 }

// ---- Calls ----

// AsForwardDifferentiate initializes a ForwardDifferentiate(sym) instruction,
// producing a funcref Value naming the forward-mode derivative of sym.
func (i *Instruction) AsForwardDifferentiate(sym string) *Instruction {
	i.opcode, i.typ, i.sym = OpcodeForwardDifferentiate, TypeFuncRef, sym
	return i
}

// AsBackwardDifferentiate initializes a BackwardDifferentiate(sym)
// instruction, producing a funcref Value naming the reverse-mode entry point
// registered for sym.
func (i *Instruction) AsBackwardDifferentiate(sym string) *Instruction {
	i.opcode, i.typ, i.sym = OpcodeBackwardDifferentiate, TypeFuncRef, sym
	return i
}

// AsCall initializes a Call(callee, args...) instruction.
func (i *Instruction) AsCall(typ Type, callee Value, args []Value) *Instruction {
	i.opcode, i.typ, i.v, i.vs = OpcodeCall, typ, callee, args
	return i
}

// CallData returns the callee and argument operands of a Call instruction.
func (i *Instruction) CallData() (callee Value, args []Value) { return i.v, i.vs }

// Sym returns the callee symbol name of a ForwardDifferentiate or
// BackwardDifferentiate instruction.
func (i *Instruction) Sym() string { return i.sym }

// ---- Terminators ----

// AsJump initializes a Jump(target, args...) instruction.
func (i *Instruction) AsJump(target BasicBlock, args []Value) *Instruction {
	i.opcode, i.targets, i.vs = OpcodeJump, []BasicBlock{target}, args
	return i
}

// JumpArgs returns the phi arguments carried by a Jump instruction.
func (i *Instruction) JumpArgs() []Value { return i.vs }

// AsIfElse initializes a structured If/Else(cond) then trueBlk else falseBlk,
// converging at afterBlk.
func (i *Instruction) AsIfElse(cond Value, trueBlk, falseBlk, afterBlk BasicBlock) *Instruction {
	i.opcode, i.v, i.targets, i.afterBlk = OpcodeIfElse, cond, []BasicBlock{trueBlk, falseBlk}, afterBlk
	return i
}

// AsLoopBranch initializes the condition-block terminator of a structured
// loop: continues into bodyBlk while cond holds, else exits into exitBlk.
func (i *Instruction) AsLoopBranch(cond Value, bodyBlk, exitBlk BasicBlock) *Instruction {
	i.opcode, i.v, i.targets, i.afterBlk = OpcodeLoopBranch, cond, []BasicBlock{bodyBlk, exitBlk}, exitBlk
	return i
}

// AsSwitchBranch initializes a structured Switch(index) over cases, converging
// at breakBlk.
func (i *Instruction) AsSwitchBranch(index Value, cases []BasicBlock, breakBlk BasicBlock) *Instruction {
	i.opcode, i.v, i.targets, i.afterBlk = OpcodeSwitchBranch, index, cases, breakBlk
	return i
}

// AsReturn initializes a Return(values...) instruction.
func (i *Instruction) AsReturn(values []Value) *Instruction {
	i.opcode, i.vs = OpcodeReturn, values
	return i
}

// ReturnValues returns the operands of a Return instruction.
func (i *Instruction) ReturnValues() []Value { return i.vs }

// Insert appends this instruction to the tail of the Builder's current block.
func (i *Instruction) Insert(b Builder) *Instruction {
	b.InsertInstruction(i)
	return i
}

// Format returns a debug string for this instruction.
func (i *Instruction) Format(b Builder) string {
	var lhs string
	if i.rValue.Valid() {
		lhs = i.rValue.formatWithType(b) + " = "
	}

	var args []string
	switch i.opcode {
	case OpcodeConst:
		if i.typ.IsFloat() {
			args = []string{strconv.FormatFloat(i.ConstFloat(), 'g', -1, 64)}
		} else {
			args = []string{strconv.FormatInt(i.ConstInt(), 10)}
		}
	case OpcodeAdd, OpcodeSub, OpcodeMul:
		args = []string{i.v.Format(b), i.v2.Format(b)}
	case OpcodeNeg, OpcodeLoad, OpcodeMatrixReshape, OpcodeMakeVectorFromScalar,
		OpcodeMakeMatrixFromScalar, OpcodeMakeArrayFromElement,
		OpcodeDifferentialPairGetDifferential, OpcodeDifferentialPairGetPrimal:
		args = []string{i.v.Format(b)}
	case OpcodeSwizzle:
		idx := make([]string, len(i.indices))
		for k, v := range i.indices {
			idx[k] = strconv.Itoa(v)
		}
		args = []string{i.v.Format(b), "[" + strings.Join(idx, ",") + "]"}
	case OpcodeFieldExtract:
		args = []string{i.v.Format(b), i.fieldKey}
	case OpcodeGetElement:
		args = []string{i.v.Format(b), i.v2.Format(b)}
	case OpcodeMakeVector, OpcodeMakeMatrix, OpcodeMakeStruct, OpcodeMakeArray:
		for _, v := range i.vs {
			args = append(args, v.Format(b))
		}
	case OpcodeUpdateElement:
		args = []string{i.v.Format(b), fmt.Sprintf("chain(%d)", len(i.chain)), i.v2.Format(b)}
	case OpcodeMakeDifferentialPair:
		args = []string{i.v.Format(b), i.v2.Format(b)}
	case OpcodeStore:
		args = []string{i.v.Format(b), i.v2.Format(b)}
	case OpcodeForwardDifferentiate, OpcodeBackwardDifferentiate:
		args = []string{i.sym}
	case OpcodeCall:
		args = append(args, i.v.Format(b))
		for _, v := range i.vs {
			args = append(args, v.Format(b))
		}
	case OpcodeJump:
		args = append(args, i.targets[0].Name())
		for _, v := range i.vs {
			args = append(args, v.Format(b))
		}
	case OpcodeIfElse:
		args = []string{i.v.Format(b), i.targets[0].Name(), i.targets[1].Name(), i.afterBlk.Name()}
	case OpcodeLoopBranch:
		args = []string{i.v.Format(b), i.targets[0].Name(), i.targets[1].Name()}
	case OpcodeSwitchBranch:
		args = append(args, i.v.Format(b))
		for _, t := range i.targets {
			args = append(args, t.Name())
		}
		args = append(args, i.afterBlk.Name())
	case OpcodeReturn:
		for _, v := range i.vs {
			args = append(args, v.Format(b))
		}
	}
	return fmt.Sprintf("%s%s %s", lhs, i.opcode, strings.Join(args, ", "))
}
