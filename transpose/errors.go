package transpose

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ssarev/transpose/ssa"
)

// ErrorKind partitions the taxonomy of abort reasons this pass raises.
// Every ErrorKind aborts the whole run: there is no partial result.
type ErrorKind byte

const (
	// ErrStructural covers a block without a terminator, a terminal-block
	// count other than one, a missing Return instruction, a differential
	// block ending in a terminator the CFG reverser does not handle, an
	// access-chain field missing from its type, or partials left in the
	// gradient store after transposition.
	ErrStructural ErrorKind = iota
	// ErrUnhandledOpcode covers a forward opcode the per-instruction
	// transposer has no adjoint rule for.
	ErrUnhandledOpcode
	// ErrMissingConformance names a primal type with no zero/add/differential
	// type. No path in this package raises it: a conformance failure reaches
	// the caller as the error the Conformance itself returned.
	ErrMissingConformance
	// ErrNotYetImplemented covers a recognized-but-unsupported shape, e.g. a
	// call whose result has an adjoint but whose callee is not a
	// forward-differentiated function, a gradient target living outside the
	// function being transposed, a Mul with two differential operands, a Load
	// with no preceding same-block Store, or a region shape the CFG reverser
	// does not handle.
	ErrNotYetImplemented
)

func (k ErrorKind) String() string {
	switch k {
	case ErrStructural:
		return "structural violation"
	case ErrUnhandledOpcode:
		return "unhandled opcode"
	case ErrMissingConformance:
		return "missing conformance"
	case ErrNotYetImplemented:
		return "not yet implemented"
	default:
		return fmt.Sprintf("error kind(%d)", k)
	}
}

// TransposeError is the typed error the transposer's own abort paths return,
// so a caller can errors.As on it to recover the offending block and the run
// that produced it. Errors from the Conformance, the BackwardRegistry and the
// adjoint materializer (e.g. ErrDifferentialPairAggregate) are returned as
// they are, or wrapped with errors.Wrapf, and are not TransposeErrors.
type TransposeError struct {
	Kind  ErrorKind
	RunID string
	Block ssa.BasicBlock
	Msg   string
}

func (e *TransposeError) Error() string {
	if e.Block != nil {
		return fmt.Sprintf("transpose[%s]: %s at %s: %s", e.RunID, e.Kind, e.Block.Name(), e.Msg)
	}
	return fmt.Sprintf("transpose[%s]: %s: %s", e.RunID, e.Kind, e.Msg)
}

func (t *transposer) errorf(kind ErrorKind, blk ssa.BasicBlock, format string, args ...interface{}) error {
	return errors.WithStack(&TransposeError{Kind: kind, RunID: t.runID, Block: blk, Msg: fmt.Sprintf(format, args...)})
}

// validateShape runs the pre-flight structural checks the driver requires
// before it starts mutating the function, aggregating every violation it
// finds rather than stopping at the first one.
func (t *transposer) validateShape() error {
	var result *multierror.Error

	var terminalBlocks int
	for blk := t.b.BlockIteratorBegin(); blk != nil; blk = t.b.BlockIteratorNext() {
		tail := blk.Tail()
		if tail == nil || !tail.IsTerminator() {
			result = multierror.Append(result, t.errorf(ErrStructural, blk, "block has no terminator"))
			continue
		}
		if tail.Opcode() == ssa.OpcodeReturn {
			terminalBlocks++
		}
	}
	if terminalBlocks != 1 {
		result = multierror.Append(result, t.errorf(ErrStructural, nil,
			"expected exactly one terminal block, found %d", terminalBlocks))
	}

	if result != nil {
		result.ErrorFormat = func(errs []error) string {
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return fmt.Sprintf("%d structural violation(s): %s", len(errs), fmt.Sprint(msgs))
		}
		return result.ErrorOrNil()
	}
	return nil
}
