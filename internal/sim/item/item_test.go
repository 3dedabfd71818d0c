package item

import "testing"

func TestParseID(t *testing.T) {
	id, err := ParseID("core:anvil", "x")
	if err != nil || id.Namespace != "core" || id.Path != "anvil" {
		t.Fatalf("got %+v err=%v", id, err)
	}
	id, err = ParseID("dirt", "core")
	if err != nil || id.String() != "core:dirt" {
		t.Fatalf("got %+v err=%v", id, err)
	}
	if _, err := ParseID("sophisticated:packs/backpack_iron", "core"); err != nil {
		t.Fatalf("slash path should parse: %v", err)
	}
	for _, bad := range []string{"", "Core:anvil", "core:", ":anvil", "core:an vil", "co/re:anvil"} {
		if _, err := ParseID(bad, "core"); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFingerprintStructural(t *testing.T) {
	a := Stack{ID: MustID("core:backpack"), Count: 1, Contents: []Stack{{ID: MustID("core:dirt"), Count: 3}, {}}}
	b := Stack{ID: MustID("core:backpack"), Count: 1, Contents: []Stack{{ID: MustID("core:dirt"), Count: 3}, {}}}
	if FingerprintOf(a) != FingerprintOf(b) {
		t.Fatalf("identical stacks must share a fingerprint")
	}
	b.Contents[0].Count = 4
	if FingerprintOf(a) == FingerprintOf(b) {
		t.Fatalf("different contents must not share a fingerprint")
	}
	c := Stack{ID: MustID("core:backpack"), Count: 1, Contents: []Stack{{}, {ID: MustID("core:dirt"), Count: 3}}}
	if FingerprintOf(a) == FingerprintOf(c) {
		t.Fatalf("slot position must matter")
	}
	if FingerprintOf(Stack{}) != "" {
		t.Fatalf("empty stack fingerprint should be empty")
	}
}

func TestFingerprintTagOrderIrrelevant(t *testing.T) {
	a := Stack{ID: MustID("core:log"), Count: 1, Tags: []string{"core:logs", "core:fuel"}}
	b := Stack{ID: MustID("core:log"), Count: 1, Tags: []string{"core:fuel", "core:logs"}}
	if FingerprintOf(a) != FingerprintOf(b) {
		t.Fatalf("tag order should not change fingerprint")
	}
}
