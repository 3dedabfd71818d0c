package scanner

import (
	"hash/fnv"
	"sort"

	"loadwarden.ai/internal/sim/item"
)

// DefaultPollEveryTicks is how often Poll re-hashes an actor's handles.
const DefaultPollEveryTicks = 5

// Watcher receives content-change subscription requests for sub-container
// handles. The host implements it.
type Watcher interface {
	Watch(actorID, handle string)
	Unwatch(actorID, handle string)
}

type actorState struct {
	handles  map[string]bool
	hash     uint64
	lastPoll uint64
	polled   bool
}

// Scanner keeps an explicit registry of which movable sub-containers are
// watched on behalf of which actor. Not safe for concurrent use.
type Scanner struct {
	isContainer func(item.ID) bool
	w           Watcher
	every       uint64

	actors map[string]*actorState
	owner  map[string]string
}

func New(isContainer func(item.ID) bool, w Watcher, pollEveryTicks int) *Scanner {
	if pollEveryTicks <= 0 {
		pollEveryTicks = DefaultPollEveryTicks
	}
	return &Scanner{
		isContainer: isContainer,
		w:           w,
		every:       uint64(pollEveryTicks),
		actors:      map[string]*actorState{},
		owner:       map[string]string{},
	}
}

// Scan returns the sorted, de-duplicated handles of every registered
// container reachable from holdings.
func (s *Scanner) Scan(holdings []item.Stack) []string {
	seen := map[string]bool{}
	var walk func(st item.Stack, depth int)
	walk = func(st item.Stack, depth int) {
		if st.IsEmpty() || depth > 8 {
			return
		}
		if st.Handle != "" && s.isContainer(st.ID) {
			seen[st.Handle] = true
		}
		for _, c := range st.Contents {
			walk(c, depth+1)
		}
	}
	for _, h := range holdings {
		walk(h, 0)
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (s *Scanner) state(actorID string) *actorState {
	st := s.actors[actorID]
	if st == nil {
		st = &actorState{handles: map[string]bool{}}
		s.actors[actorID] = st
	}
	return st
}

// Reconcile makes the watched set for actorID equal handles, issuing Watch
// for new ones and Unwatch for those no longer present. A handle that has
// moved to another actor is dropped without an Unwatch.
func (s *Scanner) Reconcile(actorID string, handles []string) (added, removed []string) {
	st := s.state(actorID)
	want := make(map[string]bool, len(handles))
	for _, h := range handles {
		want[h] = true
	}
	for _, h := range sortedSet(st.handles) {
		if want[h] {
			continue
		}
		delete(st.handles, h)
		if s.owner[h] != actorID {
			continue
		}
		delete(s.owner, h)
		removed = append(removed, h)
		if s.w != nil {
			s.w.Unwatch(actorID, h)
		}
	}
	for _, h := range handles {
		if st.handles[h] {
			continue
		}
		st.handles[h] = true
		if prev, ok := s.owner[h]; ok && prev != actorID {
			if ps := s.actors[prev]; ps != nil {
				delete(ps.handles, h)
				ps.hash = hashHandles(sortedSet(ps.handles))
			}
		}
		s.owner[h] = actorID
		added = append(added, h)
		if s.w != nil {
			s.w.Watch(actorID, h)
		}
	}
	st.hash = hashHandles(handles)
	return added, removed
}

// Poll rescans an actor every poll interval and reconciles only when the
// handle set changed. It reports whether a reconcile ran.
func (s *Scanner) Poll(actorID string, tick uint64, holdings []item.Stack) bool {
	st := s.state(actorID)
	if st.polled && tick-st.lastPoll < s.every {
		return false
	}
	st.polled = true
	st.lastPoll = tick
	handles := s.Scan(holdings)
	if h := hashHandles(handles); h == st.hash && len(handles) == len(st.handles) {
		return false
	}
	s.Reconcile(actorID, handles)
	return true
}

// Forget unwatches everything held for actorID.
func (s *Scanner) Forget(actorID string) {
	s.Reconcile(actorID, nil)
	delete(s.actors, actorID)
}

// Owner reports which actor a handle is currently watched for.
func (s *Scanner) Owner(handle string) (string, bool) {
	a, ok := s.owner[handle]
	return a, ok
}

// Watched returns the sorted handles watched for actorID.
func (s *Scanner) Watched(actorID string) []string {
	st := s.actors[actorID]
	if st == nil {
		return nil
	}
	return sortedSet(st.handles)
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func hashHandles(sorted []string) uint64 {
	h := fnv.New64a()
	for _, s := range sorted {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
