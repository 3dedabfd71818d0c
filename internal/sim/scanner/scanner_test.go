package scanner

import (
	"reflect"
	"testing"

	"loadwarden.ai/internal/sim/item"
)

type recWatcher struct {
	events []string
}

func (r *recWatcher) Watch(a, h string)   { r.events = append(r.events, "+"+a+"/"+h) }
func (r *recWatcher) Unwatch(a, h string) { r.events = append(r.events, "-"+a+"/"+h) }

func isBag(id item.ID) bool { return id.Path == "backpack" || id.Path == "pouch" }

func bag(handle string, contents ...item.Stack) item.Stack {
	return item.Stack{ID: item.MustID("core:backpack"), Count: 1, Handle: handle, Contents: contents}
}

func TestScanFindsNestedHandles(t *testing.T) {
	s := New(isBag, nil, 0)
	got := s.Scan([]item.Stack{
		bag("h2", item.Stack{ID: item.MustID("core:pouch"), Count: 1, Handle: "h1"}),
		{ID: item.MustID("core:dirt"), Count: 3, Handle: "ignored"},
		bag("h2"),
	})
	if !reflect.DeepEqual(got, []string{"h1", "h2"}) {
		t.Fatalf("scan: %v", got)
	}
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	w := &recWatcher{}
	s := New(isBag, w, 0)
	s.Reconcile("a", []string{"h1", "h2"})
	added, removed := s.Reconcile("a", []string{"h2", "h3"})
	if !reflect.DeepEqual(added, []string{"h3"}) || !reflect.DeepEqual(removed, []string{"h1"}) {
		t.Fatalf("added=%v removed=%v", added, removed)
	}
	want := []string{"+a/h1", "+a/h2", "-a/h1", "+a/h3"}
	if !reflect.DeepEqual(w.events, want) {
		t.Fatalf("events: %v", w.events)
	}
}

func TestHandleMovesBetweenActors(t *testing.T) {
	w := &recWatcher{}
	s := New(isBag, w, 0)
	s.Reconcile("a", []string{"h1"})
	s.Reconcile("b", []string{"h1"})
	if o, _ := s.Owner("h1"); o != "b" {
		t.Fatalf("owner: %s", o)
	}
	if len(s.Watched("a")) != 0 {
		t.Fatalf("a should no longer track h1")
	}
	w.events = nil
	s.Forget("a")
	if len(w.events) != 0 {
		t.Fatalf("forgetting a must not unwatch b's handle: %v", w.events)
	}
	s.Forget("b")
	if !reflect.DeepEqual(w.events, []string{"-b/h1"}) {
		t.Fatalf("events: %v", w.events)
	}
}

func TestPollInterval(t *testing.T) {
	w := &recWatcher{}
	s := New(isBag, w, 5)
	hold := []item.Stack{bag("h1")}
	if !s.Poll("a", 100, hold) {
		t.Fatalf("first poll reconciles")
	}
	if s.Poll("a", 101, []item.Stack{bag("h1"), bag("h2")}) {
		t.Fatalf("inside the interval nothing happens")
	}
	if s.Poll("a", 105, hold) {
		t.Fatalf("unchanged handle set must not reconcile")
	}
	if !s.Poll("a", 110, []item.Stack{bag("h1"), bag("h2")}) {
		t.Fatalf("changed handle set must reconcile")
	}
	if !reflect.DeepEqual(s.Watched("a"), []string{"h1", "h2"}) {
		t.Fatalf("watched: %v", s.Watched("a"))
	}
}
