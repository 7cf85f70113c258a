// Package requeststrategy implements the rarest-first ordering index used
// by the piece picker, grounded on the teacher's
// internal/request-strategy/ajwerner-btree.go: an augmented B-tree
// (github.com/ajwerner/btree) keeps pieces sorted by
// (availability+seed_count, -completion_ratio) so re-sorting on an
// availability change is O(log n) instead of a full re-sort every tick.
package requeststrategy

import (
	"github.com/ajwerner/btree"

	"github.com/anacrolix/multiless"
)

// OrderState is the sort key for one active piece: how many peers have it
// (rarer sorts first) and how complete it already is (more complete sorts
// first among equally-rare pieces, so nearly-finished pieces drain before
// fresh ones fragment the partial set further).
type OrderState struct {
	Availability    int
	CompletionRatio float64
}

// OrderItem is one entry in the rarest-first tree.
type OrderItem struct {
	Index int
	State OrderState
}

func less(a, b OrderItem) int {
	return multiless.New().
		Int(a.State.Availability, b.State.Availability).
		Float64(b.State.CompletionRatio, a.State.CompletionRatio). // higher completion sorts first
		Int(a.Index, b.Index).                                     // tie-break for determinism
		OrderingInt()
}

// Order is the rarest-first tree over currently-active piece indices.
type Order struct {
	tree  btree.Set[OrderItem]
	state map[int]OrderState
}

// NewOrder returns an empty rarest-first index.
func NewOrder() *Order {
	return &Order{
		tree:  btree.MakeSet(less),
		state: make(map[int]OrderState),
	}
}

// Upsert inserts or repositions a piece given its current order state.
func (o *Order) Upsert(index int, state OrderState) {
	if old, ok := o.state[index]; ok {
		o.tree.Delete(OrderItem{Index: index, State: old})
	}
	o.state[index] = state
	o.tree.Upsert(OrderItem{Index: index, State: state})
}

// Delete removes a piece from the index.
func (o *Order) Delete(index int) {
	old, ok := o.state[index]
	if !ok {
		return
	}
	o.tree.Delete(OrderItem{Index: index, State: old})
	delete(o.state, index)
}

// Len reports how many pieces are currently indexed.
func (o *Order) Len() int { return len(o.state) }

// Scan walks the index rarest-first, stopping early if f returns false.
func (o *Order) Scan(f func(index int) bool) {
	it := o.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur().Index) {
			return
		}
	}
}
