package cloudanchor

import (
	"time"

	"github.com/g960059/gsrfinder/internal/anchor"
)

type opKind int

const (
	kindHost opKind = iota
	kindResolve
)

func (k opKind) String() string {
	if k == kindResolve {
		return "resolve"
	}
	return "host"
}

type pendingOp struct {
	kind    opKind
	anchor  anchor.Anchor
	host    HostListener
	resolve ResolveListener
	// startedAt is only set for resolve operations.
	startedAt time.Time
}

// opTable keeps pending operations keyed by handle in insertion order.
type opTable struct {
	order []*pendingOp
	index map[anchor.Handle]struct{}
}

func newOpTable() *opTable {
	return &opTable{index: map[anchor.Handle]struct{}{}}
}

func (t *opTable) add(op *pendingOp) {
	t.order = append(t.order, op)
	t.index[op.anchor.Handle()] = struct{}{}
}

func (t *opTable) has(h anchor.Handle) bool {
	_, ok := t.index[h]
	return ok
}

func (t *opTable) len() int {
	return len(t.order)
}

func (t *opTable) clear() {
	t.order = nil
	t.index = map[anchor.Handle]struct{}{}
}

func (t *opTable) each(fn func(op *pendingOp)) {
	for _, op := range t.order {
		fn(op)
	}
}

// removeIf visits operations in insertion order and drops those for which
// done returns true.
func (t *opTable) removeIf(done func(op *pendingOp) bool) {
	kept := t.order[:0]
	for _, op := range t.order {
		if done(op) {
			delete(t.index, op.anchor.Handle())
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(t.order); i++ {
		t.order[i] = nil
	}
	t.order = kept
}
