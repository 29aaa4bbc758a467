package transpose

import (
	"github.com/pkg/errors"

	"github.com/ssarev/transpose/ssa"
)

// ErrDifferentialPairAggregate is returned by emitAggregate when asked to
// materialize a differential-pair-typed aggregate; callers must split pair
// adjoints into their primal/tangent components before materializing either.
var ErrDifferentialPairAggregate = errors.New("materializer: differential-pair aggregate must be split by caller")

// emitAggregate folds gradients, the partials attributed to a forward value
// of type primalType, into a single aggregated adjoint Value. It returns an
// invalid Value with a nil error when primalType has no differential type
// and gradients is empty (there is nothing to materialize and nothing
// upstream expected there to be).
func emitAggregate(b ssa.Builder, conf ssa.Conformance, primalType ssa.Type, gradients []RevGradient) (ssa.Value, error) {
	if primalType.Kind() == ssa.KindDifferentialPair {
		return ssa.ValueInvalid, ErrDifferentialPairAggregate
	}

	diffType, err := conf.DifferentialTypeFor(primalType)
	if err != nil {
		if len(gradients) == 0 {
			return ssa.ValueInvalid, nil
		}
		return ssa.ValueInvalid, err
	}

	runs := contiguousFlavorRuns(gradients)
	simples := make([]ssa.Value, 0, len(runs))
	for _, run := range runs {
		v, err := materializeRun(b, conf, diffType, run)
		if err != nil {
			return ssa.ValueInvalid, err
		}
		simples = append(simples, v)
	}

	if len(simples) == 0 {
		return conf.Zero(b, diffType), nil
	}
	acc := simples[0]
	for _, v := range simples[1:] {
		acc = conf.Add(b, diffType, acc, v)
	}
	return acc, nil
}

// contiguousFlavorRuns splits gradients into maximal runs of adjacent
// same-flavor entries, preserving observation order (adjoint aggregation is
// floating-point sensitive, so runs fold left-to-right).
func contiguousFlavorRuns(gradients []RevGradient) [][]RevGradient {
	var runs [][]RevGradient
	for i := 0; i < len(gradients); {
		j := i + 1
		for j < len(gradients) && gradients[j].Flavor == gradients[i].Flavor {
			j++
		}
		runs = append(runs, gradients[i:j])
		i = j
	}
	return runs
}

func materializeRun(b ssa.Builder, conf ssa.Conformance, diffType ssa.Type, run []RevGradient) (ssa.Value, error) {
	switch run[0].Flavor {
	case FlavorSimple:
		return materializeSimpleRun(conf, b, diffType, run), nil
	case FlavorSwizzle:
		return materializeSwizzleRun(b, conf, diffType, run), nil
	case FlavorFieldExtract:
		return materializeFieldExtractRun(b, conf, diffType, run)
	case FlavorGetElement:
		return materializeGetElementRun(b, conf, diffType, run), nil
	default:
		return ssa.ValueInvalid, errors.Errorf("materializer: unhandled gradient flavor %d", run[0].Flavor)
	}
}

// materializeSimpleRun sums a run of plain partials. A singleton run is
// returned unmodified rather than folded through a trivial add(x, zero).
func materializeSimpleRun(conf ssa.Conformance, b ssa.Builder, diffType ssa.Type, run []RevGradient) ssa.Value {
	acc := run[0].Value
	for _, g := range run[1:] {
		acc = conf.Add(b, diffType, acc, g.Value)
	}
	return acc
}

// materializeSwizzleRun scatters each swizzle-flavored partial's components
// into the lanes the forward swizzle extracted them from, starting from a
// zero vector; scalar-to-slot partials (a swizzle of a single lane) place
// the component directly, others extract it from the partial value first.
func materializeSwizzleRun(b ssa.Builder, conf ssa.Conformance, diffType ssa.Type, run []RevGradient) ssa.Value {
	acc := conf.Zero(b, diffType)
	elemType := diffType.Elem()
	for _, g := range run {
		for lane, targetIdx := range g.Indices {
			comp := g.Value
			if len(g.Indices) > 1 {
				comp = b.AllocateInstruction().AsGetElement(elemType, g.Value, constIndex(b, lane)).Insert(b).Return()
			}
			chain := []ssa.AccessStep{{Kind: ssa.AccessElement, Index: constIndex(b, targetIdx)}}
			acc = b.AllocateInstruction().AsUpdateElement(diffType, acc, chain, comp).Insert(b).Return()
		}
	}
	return acc
}

// materializeFieldExtractRun scatters field-keyed partials into a fresh
// zero-initialized aggregate of the struct's differential type, summing
// partials that target the same key before storing.
func materializeFieldExtractRun(b ssa.Builder, conf ssa.Conformance, diffType ssa.Type, run []RevGradient) (ssa.Value, error) {
	acc := conf.Zero(b, diffType)
	byKey := map[string][]ssa.Value{}
	var order []string
	for _, g := range run {
		if _, ok := byKey[g.FieldKey]; !ok {
			order = append(order, g.FieldKey)
		}
		byKey[g.FieldKey] = append(byKey[g.FieldKey], g.Value)
	}
	for _, key := range order {
		idx := diffType.FieldIndex(key)
		if idx < 0 {
			return ssa.ValueInvalid, errors.Errorf("materializer: field %q not present in %s", key, diffType)
		}
		fieldType := diffType.Fields()[idx].Typ
		v := sumLeftToRight(b, conf, fieldType, byKey[key])
		chain := []ssa.AccessStep{{Kind: ssa.AccessField, FieldKey: key}}
		acc = b.AllocateInstruction().AsUpdateElement(diffType, acc, chain, v).Insert(b).Return()
	}
	return acc, nil
}

// materializeGetElementRun is materializeFieldExtractRun's counterpart for
// dynamic element-index partials, bucketing by index-expression identity
// instead of a struct key.
func materializeGetElementRun(b ssa.Builder, conf ssa.Conformance, diffType ssa.Type, run []RevGradient) ssa.Value {
	acc := conf.Zero(b, diffType)
	elemType := diffType.Elem()
	byIndex := map[ssa.Value][]ssa.Value{}
	var order []ssa.Value
	for _, g := range run {
		if _, ok := byIndex[g.Index]; !ok {
			order = append(order, g.Index)
		}
		byIndex[g.Index] = append(byIndex[g.Index], g.Value)
	}
	for _, idx := range order {
		v := sumLeftToRight(b, conf, elemType, byIndex[idx])
		chain := []ssa.AccessStep{{Kind: ssa.AccessElement, Index: idx}}
		acc = b.AllocateInstruction().AsUpdateElement(diffType, acc, chain, v).Insert(b).Return()
	}
	return acc
}

func sumLeftToRight(b ssa.Builder, conf ssa.Conformance, typ ssa.Type, vs []ssa.Value) ssa.Value {
	acc := vs[0]
	for _, v := range vs[1:] {
		acc = conf.Add(b, typ, acc, v)
	}
	return acc
}

// constIndex materializes an i32 literal for use as an element index.
func constIndex(b ssa.Builder, i int) ssa.Value {
	return b.AllocateInstruction().AsConstInt(ssa.TypeI32, int64(i)).Insert(b).Return()
}
