package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loadwarden.ai/internal/sim/item"
)

func writeFile(t *testing.T, dir, rel, body string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func stack(id string, n int, tags ...string) item.Stack {
	return item.Stack{ID: item.MustID(id), Count: n, Tags: tags}
}

func TestPrecedence(t *testing.T) {
	s := NewBuilder().
		Item(item.MustID("core:anvil"), WeightEntry{Weight: 25}).
		Container("backpacks", item.MustID("core:anvil"), ContainerEntry{Weight: 99}).
		Container("backpacks", item.MustID("core:satchel"), ContainerEntry{Weight: 3}).
		CustomTag("metals", item.MustID("core:satchel"), WeightEntry{Weight: 7}).
		CustomTag("metals", item.MustID("core:iron_ingot"), WeightEntry{Weight: 2}).
		Tag("core:ingots", WeightEntry{Weight: 4}).
		Tag("core:logs", WeightEntry{Weight: 1.5}).
		NamespaceDefault("core", WeightEntry{Weight: 0.5}).
		Build()

	cases := []struct {
		st   item.Stack
		want float64
		tier Tier
	}{
		{stack("core:anvil", 1), 25, TierItem},
		{stack("core:satchel", 1), 3, TierContainer},
		{stack("core:iron_ingot", 1, "core:ingots"), 2, TierCustomTag},
		{stack("core:gold_ingot", 1, "core:ingots"), 4, TierTag},
		{stack("core:oak_log", 1, "core:logs"), 1.5, TierTag},
		{stack("core:dirt", 1), 0.5, TierNamespace},
		{stack("other:thing", 1), DefaultWeight, TierDefault},
	}
	for _, c := range cases {
		r := s.Resolve(c.st)
		if r.Weight != c.want || r.Tier != c.tier {
			t.Fatalf("%s: got %v (%s), want %v (%s)", c.st.ID, r.Weight, r.Tier, c.want, c.tier)
		}
	}
	if w := s.Weight(item.Stack{}); w != 0 {
		t.Fatalf("empty stack weight: got %v", w)
	}
}

func TestTagOrderIsDeterministic(t *testing.T) {
	s := NewBuilder().
		Tag("core:zz", WeightEntry{Weight: 9}).
		Tag("core:aa", WeightEntry{Weight: 3}).
		Build()
	if w := s.Weight(stack("core:x", 1, "core:zz", "core:aa")); w != 3 {
		t.Fatalf("expected lexically first tag to win, got %v", w)
	}
}

func TestCapacityBonusOnlyFromContainers(t *testing.T) {
	s := NewBuilder().
		Item(item.MustID("core:anvil"), WeightEntry{Weight: 25}).
		Container("backpacks", item.MustID("core:backpack"), ContainerEntry{
			Weight: 5, BaseCapacityBonus: 20, Slots: 54, SlotMultiplier: 0.5, Dynamic: true,
		}).
		Container("belts", item.MustID("core:belt"), ContainerEntry{Weight: 1, BaseCapacityBonus: 10, Slots: 9, SlotMultiplier: 3}).
		Build()

	if b := s.CapacityBonus(item.MustID("core:backpack"), ""); b != 47 {
		t.Fatalf("dynamic bonus: got %v want 47", b)
	}
	if b := s.CapacityBonus(item.MustID("core:backpack"), "backpacks"); b != 47 {
		t.Fatalf("dynamic bonus by category: got %v want 47", b)
	}
	if b := s.CapacityBonus(item.MustID("core:backpack"), "belts"); b != DefaultCapacityBonus {
		t.Fatalf("wrong category should miss, got %v", b)
	}
	if b := s.CapacityBonus(item.MustID("core:belt"), ""); b != 10 {
		t.Fatalf("static bonus ignores multiplier: got %v", b)
	}
	if b := s.CapacityBonus(item.MustID("core:anvil"), ""); b != 0 {
		t.Fatalf("non-container bonus: got %v", b)
	}
	if !s.IsContainer(item.MustID("core:backpack")) || s.IsContainer(item.MustID("core:anvil")) {
		t.Fatalf("IsContainer mismatch")
	}
}

func TestContainerEntryValidateRanges(t *testing.T) {
	ok := ContainerEntry{Weight: 1000, BaseCapacityBonus: 0, Slots: 1000, SlotMultiplier: 100}
	if err := ok.Validate(); err != nil {
		t.Fatalf("boundary values should pass: %v", err)
	}
	bad := ContainerEntry{Weight: 1001, BaseCapacityBonus: -1, Slots: 1001, SlotMultiplier: 101}
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected range error")
	}
	for _, want := range []string{"weight", "base capacity bonus", "slot count", "slot multiplier"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %q", err, want)
		}
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "items/core.json", `{"_default": 1.0, "anvil": 25, "chest": {"weight": 4}, "dirt": 1, "Bad Key": 3, "heavy": 5000}`)
	writeFile(t, dir, "items/extra.json", `{"gizmo": 2, "core:feather": 0.1}`)
	writeFile(t, dir, "containers/backpacks.json", `{
	  "core:backpack": {"weight": 5, "base_capacity_bonus": 20, "slots": 54, "slot_multiplier": 0.5, "dynamic": true},
	  "core:crate": {"weight": 5, "base_capacity_bonus": 2000, "slots": 9},
	  "core:sack": {"weight": "light", "base_capacity_bonus": 1, "slots": 9}
	}`)
	writeFile(t, dir, "custom_tags/metals.json", `{"iron_ingot": {"weight": 2}}`)
	writeFile(t, dir, "tags.json", `{"#core:logs": 1.5, "core:planks": 1}`)
	writeFile(t, dir, "items/broken.json", `{not json`)

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := res.Store
	if w := s.Weight(stack("core:anvil", 1)); w != 25 {
		t.Fatalf("anvil: got %v want 25", w)
	}
	if w := s.Weight(stack("core:dirt", 1)); w != 1 {
		t.Fatalf("dirt: got %v want 1", w)
	}
	if w := s.Weight(stack("core:chest", 1)); w != 4 {
		t.Fatalf("object form: got %v want 4", w)
	}
	if w := s.Weight(stack("extra:gizmo", 1)); w != 2 {
		t.Fatalf("file namespace: got %v", w)
	}
	if w := s.Weight(stack("core:feather", 1)); w != 0.1 {
		t.Fatalf("explicit namespace in other file: got %v", w)
	}
	if w := s.Weight(stack("core:heavy", 1)); w != 1.0 {
		t.Fatalf("out-of-range entry must be skipped, got %v", w)
	}
	if b := s.CapacityBonus(item.MustID("core:backpack"), ""); b != 47 {
		t.Fatalf("backpack bonus: got %v", b)
	}
	if s.IsContainer(item.MustID("core:crate")) || s.IsContainer(item.MustID("core:sack")) {
		t.Fatalf("invalid containers must be dropped")
	}
	if w := s.Weight(stack("core:iron_ingot", 1)); w != 2 {
		t.Fatalf("custom tag: got %v", w)
	}
	if w := s.Weight(stack("core:oak_log", 1, "core:logs")); w != 1.5 {
		t.Fatalf("tag: got %v", w)
	}
	if s.Digest == "" {
		t.Fatalf("expected digest")
	}

	// Bad Key, heavy, crate, sack, core:planks, broken.json
	if len(res.Issues) != 6 {
		t.Fatalf("issues: got %d: %v", len(res.Issues), res.Issues)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing rules dir")
	}
	res, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("empty dir should load: %v", err)
	}
	if w := res.Store.Weight(stack("core:anything", 1)); w != DefaultWeight {
		t.Fatalf("empty store weight: got %v", w)
	}
}

func TestHandleSwapClearsLookupMemo(t *testing.T) {
	h := NewHandle(NewBuilder().Item(item.MustID("core:stone"), WeightEntry{Weight: 2}).Build())
	l := NewLookup(h)
	if w := l.Weight(stack("core:stone", 1)); w != 2 {
		t.Fatalf("got %v", w)
	}
	old := h.Swap(NewBuilder().Item(item.MustID("core:stone"), WeightEntry{Weight: 3}).Build())
	if old.Weight(stack("core:stone", 1)) != 2 {
		t.Fatalf("previous store must be unchanged")
	}
	if w := l.Weight(stack("core:stone", 1)); w != 3 {
		t.Fatalf("memo must not survive a swap, got %v", w)
	}
	if h.Swap(nil) != h.Current() {
		t.Fatalf("nil swap must be a no-op")
	}
}

func TestLookupMemoSeparatesTagSets(t *testing.T) {
	h := NewHandle(NewBuilder().
		Tag("core:heavy", WeightEntry{Weight: 8}).
		Tag("core:light", WeightEntry{Weight: 0.5}).
		Build())
	l := NewLookup(h)
	if w := l.Weight(stack("core:crate", 1, "core:heavy")); w != 8 {
		t.Fatalf("heavy: got %v", w)
	}
	if w := l.Weight(stack("core:crate", 1, "core:light")); w != 0.5 {
		t.Fatalf("same id with other tags reused the memo: got %v", w)
	}
	if w := l.Weight(stack("core:crate", 1)); w != DefaultWeight {
		t.Fatalf("untagged: got %v", w)
	}
	// Tag order does not split the memo.
	a := stack("core:crate", 1, "core:light", "core:heavy")
	b := stack("core:crate", 1, "core:heavy", "core:light")
	if keyOf(a) != keyOf(b) {
		t.Fatalf("tag order changed the memo key")
	}
	if a.Tags[0] != "core:light" {
		t.Fatalf("key building must not reorder the stack's tags")
	}
	if w := l.Weight(a); w != 8 {
		t.Fatalf("mixed tags: got %v", w)
	}
}
