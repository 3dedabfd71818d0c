package aggregate

import (
	"time"

	"loadwarden.ai/internal/sim/item"
)

// DefaultMaxDepth bounds container recursion.
const DefaultMaxDepth = 3

// defaultMaxEntries caps the cache; past it the cache is dropped wholesale.
const defaultMaxEntries = 1 << 16

// Rules is the single-item view the aggregator needs.
type Rules interface {
	// Weight is the per-unit weight of s.
	Weight(s item.Stack) float64
	IsContainer(id item.ID) bool
	// Generation changes whenever the underlying rule set is replaced.
	Generation() uint64
}

type entry struct {
	value    float64
	at       time.Time
	gen      uint64
	children []item.Fingerprint
}

type Stats struct {
	Entries int
	Dirty   int
	Hits    uint64
	Misses  uint64
}

// Aggregator computes total stack weight through nested containers and
// caches the result per fingerprint.
//
// Invalidation is pull based. Invalidate stamps a key with a fresh
// generation; a cached entry is stale when its own key or any nested
// container key it was built from carries a stamp newer than the entry.
//
// Not safe for concurrent use.
type Aggregator struct {
	rules    Rules
	maxDepth int
	now      func() time.Time

	MaxEntries int

	cache    map[item.Fingerprint]entry
	dirty    map[item.Fingerprint]uint64
	gen      uint64
	rulesGen uint64

	hits, misses uint64
}

func New(r Rules, maxDepth int) *Aggregator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Aggregator{
		rules:      r,
		maxDepth:   maxDepth,
		now:        time.Now,
		MaxEntries: defaultMaxEntries,
		cache:      map[item.Fingerprint]entry{},
		dirty:      map[item.Fingerprint]uint64{},
		rulesGen:   r.Generation(),
	}
}

// SetClock replaces the timestamp source (tests).
func (a *Aggregator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Weight returns the total weight of s: its own rule weight times count plus
// the weight of everything nested inside it.
func (a *Aggregator) Weight(s item.Stack) float64 {
	if s.IsEmpty() {
		return 0
	}
	a.syncRules()

	fp := item.FingerprintOf(s)
	if e, ok := a.cache[fp]; ok && a.fresh(fp, e) {
		a.hits++
		return e.value
	}
	a.misses++

	var children []item.Fingerprint
	seen := map[item.Fingerprint]bool{}
	visited := map[item.ID]bool{}
	v := a.compute(s, 0, visited, func(c item.Stack) {
		cfp := item.FingerprintOf(c)
		if !seen[cfp] {
			seen[cfp] = true
			children = append(children, cfp)
		}
	})

	if len(a.cache) >= a.MaxEntries {
		a.resetCache()
	}
	a.gen++
	a.cache[fp] = entry{value: v, at: a.now(), gen: a.gen, children: children}
	return v
}

func (a *Aggregator) compute(s item.Stack, depth int, visited map[item.ID]bool, child func(item.Stack)) float64 {
	if s.IsEmpty() {
		return 0
	}
	total := a.rules.Weight(s) * float64(s.Count)
	if len(s.Contents) == 0 || !a.rules.IsContainer(s.ID) {
		return total
	}
	// Depth or cycle guard: the container itself still weighs, its contents
	// contribute nothing. visited spans the whole Weight call, so a container
	// type only opens once per top-level stack.
	if depth >= a.maxDepth || visited[s.ID] {
		return total
	}
	visited[s.ID] = true
	for _, c := range s.Contents {
		if c.IsEmpty() {
			continue
		}
		if a.rules.IsContainer(c.ID) {
			child(c)
		}
		total += a.compute(c, depth+1, visited, child)
	}
	return total
}

func (a *Aggregator) fresh(fp item.Fingerprint, e entry) bool {
	if d, ok := a.dirty[fp]; ok && d > e.gen {
		return false
	}
	for _, c := range e.children {
		if d, ok := a.dirty[c]; ok && d > e.gen {
			return false
		}
	}
	return true
}

func (a *Aggregator) syncRules() {
	if g := a.rules.Generation(); g != a.rulesGen {
		a.rulesGen = g
		a.resetCache()
	}
}

// Invalidate marks s dirty. Cached totals of containers that hold s
// (directly or transitively) become stale on their next read.
func (a *Aggregator) Invalidate(s item.Stack) {
	if s.IsEmpty() {
		return
	}
	a.InvalidateKey(item.FingerprintOf(s))
}

func (a *Aggregator) InvalidateKey(fp item.Fingerprint) {
	if fp == "" {
		return
	}
	a.gen++
	a.dirty[fp] = a.gen
	a.pruneDirty()
}

// Clear drops every cached value (rule reload).
func (a *Aggregator) Clear() { a.resetCache() }

func (a *Aggregator) resetCache() {
	clear(a.cache)
	clear(a.dirty)
}

// pruneDirty forgets stamps older than every cached entry; they can no
// longer make anything stale.
func (a *Aggregator) pruneDirty() {
	if len(a.dirty) < 1024 {
		return
	}
	oldest := a.gen
	for _, e := range a.cache {
		if e.gen < oldest {
			oldest = e.gen
		}
	}
	for k, g := range a.dirty {
		if g < oldest {
			delete(a.dirty, k)
		}
	}
}

// Cached returns the stored value for s without recomputing.
func (a *Aggregator) Cached(s item.Stack) (value float64, at time.Time, fresh bool, ok bool) {
	fp := item.FingerprintOf(s)
	e, ok := a.cache[fp]
	if !ok {
		return 0, time.Time{}, false, false
	}
	return e.value, e.at, a.fresh(fp, e), true
}

func (a *Aggregator) Stats() Stats {
	return Stats{Entries: len(a.cache), Dirty: len(a.dirty), Hits: a.hits, Misses: a.misses}
}

// Total sums Weight over a set of stacks.
func (a *Aggregator) Total(stacks []item.Stack) float64 {
	var sum float64
	for _, s := range stacks {
		sum += a.Weight(s)
	}
	return sum
}
