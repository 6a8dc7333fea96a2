package requirements

import (
	"fmt"
	"sort"
	"sync"
)

// Extractor adds kind specific references for tx to refs. The fee payer has
// already been recorded when an extractor runs.
type Extractor func(tx *Transaction, refs *References) error

// Registry maps transaction kinds to their extractors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	extractors map[Kind]Extractor
}

// NewRegistry returns a registry preloaded with every built-in kind.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[Kind]Extractor, len(builtinExtractors))}
	for kind, fn := range builtinExtractors {
		r.extractors[kind] = fn
	}
	return r
}

// Register installs or replaces the extractor for kind. A nil extractor means
// the kind only needs the fee payer.
func (r *Registry) Register(kind Kind, fn Extractor) {
	if fn == nil {
		fn = payerOnly
	}
	r.mu.Lock()
	r.extractors[kind] = fn
	r.mu.Unlock()
}

// Supports reports whether kind has a registered extractor.
func (r *Registry) Supports(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.extractors[kind]
	return ok
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	kinds := make([]Kind, 0, len(r.extractors))
	for kind := range r.extractors {
		kinds = append(kinds, kind)
	}
	r.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Extract computes the reference set for tx. It is a pure function of the
// transaction body.
func (r *Registry) Extract(tx *Transaction) (References, error) {
	if tx == nil {
		return References{}, fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if tx.Payer.IsZero() {
		return References{}, fmt.Errorf("%w: payer required", ErrInvalidTransaction)
	}
	r.mu.RLock()
	fn, ok := r.extractors[tx.Kind]
	r.mu.RUnlock()
	if !ok {
		return References{}, fmt.Errorf("%w: %q", ErrUnsupportedTransactionKind, tx.Kind)
	}
	refs := References{}
	refs.AddSigning(tx.Payer)
	if err := fn(tx, &refs); err != nil {
		return References{}, err
	}
	return refs, nil
}
