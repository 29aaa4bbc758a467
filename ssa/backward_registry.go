package ssa

import "github.com/pkg/errors"

// BackwardRegistry is the back-propagation lookup collaborator:
// it maps a forward function symbol, previously marked differentiable, to
// the symbol of the callable that implements its reverse derivative. The
// caller populates it by name before invoking transpose.Run, the same way a
// host module builder registers its exports before the module is resolved.
type BackwardRegistry struct {
	entries map[string]string
}

// NewBackwardRegistry returns an empty registry.
func NewBackwardRegistry() *BackwardRegistry {
	return &BackwardRegistry{entries: map[string]string{}}
}

// Register records that fwdSym's reverse-mode entry point is bwdSym.
// Registering the same fwdSym twice overwrites the previous entry.
func (r *BackwardRegistry) Register(fwdSym, bwdSym string) {
	r.entries[fwdSym] = bwdSym
}

// BackwardPropagateEntry yields the symbol of the callable implementing
// fwdSym's reverse derivative.
func (r *BackwardRegistry) BackwardPropagateEntry(fwdSym string) (string, error) {
	bwdSym, ok := r.entries[fwdSym]
	if !ok {
		return "", errors.Errorf("no backward-propagation entry registered for %q", fwdSym)
	}
	return bwdSym, nil
}
