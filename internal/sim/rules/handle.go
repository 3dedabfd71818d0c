package rules

import (
	"slices"
	"strings"
	"sync/atomic"

	"loadwarden.ai/internal/sim/item"
)

// Handle publishes the current Store. Readers never see a half-built store;
// a reload builds a complete replacement and swaps it in.
type Handle struct {
	cur atomic.Pointer[Store]
	gen atomic.Uint64
}

func NewHandle(s *Store) *Handle {
	if s == nil {
		s = NewBuilder().Build()
	}
	h := &Handle{}
	h.cur.Store(s)
	h.gen.Store(1)
	return h
}

func (h *Handle) Current() *Store { return h.cur.Load() }

// Generation increases on every Swap.
func (h *Handle) Generation() uint64 { return h.gen.Load() }

// Swap installs s and returns the previous store.
func (h *Handle) Swap(s *Store) *Store {
	if s == nil {
		return h.cur.Load()
	}
	old := h.cur.Swap(s)
	h.gen.Add(1)
	return old
}

// Lookup is a per-driver view of a Handle with a per-tick weight memo.
// It is not safe for concurrent use; each driving goroutine owns one.
//
// The memo is keyed by item id and tag set, since tag rules resolve per stack.
type Lookup struct {
	h       *Handle
	gen     uint64
	weights map[memoKey]float64
}

type memoKey struct {
	id   item.ID
	tags string
}

func keyOf(s item.Stack) memoKey {
	switch len(s.Tags) {
	case 0:
		return memoKey{id: s.ID}
	case 1:
		return memoKey{id: s.ID, tags: s.Tags[0]}
	}
	tags := s.Tags
	if !slices.IsSorted(tags) {
		tags = slices.Clone(tags)
		slices.Sort(tags)
	}
	return memoKey{id: s.ID, tags: strings.Join(tags, "\x00")}
}

func NewLookup(h *Handle) *Lookup {
	return &Lookup{h: h, gen: h.Generation(), weights: map[memoKey]float64{}}
}

// Reset drops the memo. Call at the start of every tick.
func (l *Lookup) Reset() {
	clear(l.weights)
	l.gen = l.h.Generation()
}

func (l *Lookup) sync() *Store {
	if g := l.h.Generation(); g != l.gen {
		clear(l.weights)
		l.gen = g
	}
	return l.h.Current()
}

// Generation is the handle generation the memo currently reflects.
func (l *Lookup) Generation() uint64 {
	l.sync()
	return l.gen
}

func (l *Lookup) Store() *Store { return l.sync() }

func (l *Lookup) Weight(s item.Stack) float64 {
	if s.IsEmpty() {
		return 0
	}
	st := l.sync()
	k := keyOf(s)
	if w, ok := l.weights[k]; ok {
		return w
	}
	w := st.Weight(s)
	l.weights[k] = w
	return w
}

func (l *Lookup) CapacityBonus(id item.ID, category string) float64 {
	return l.sync().CapacityBonus(id, category)
}

func (l *Lookup) IsContainer(id item.ID) bool {
	return l.sync().IsContainer(id)
}
