package step

import "testing"

func TestBuilderAssignsDenseIDs(t *testing.T) {
	b := NewBuilder()
	a := b.New("a", nil, nil)
	c := b.New("b", nil, nil)
	if a.ID != 0 || c.ID != 1 {
		t.Fatalf("expected dense ids 0,1 got %d,%d", a.ID, c.ID)
	}
	if a.Tags["name"] != "a" || a.Tags["n"] != int64(0) {
		t.Fatalf("unexpected tags: %v", a.Tags)
	}
}

func TestMatchesSubsetPredicate(t *testing.T) {
	b := NewBuilder()
	s := b.New("deploy", nil, map[string]any{"env": "prod", "team": "infra"})

	if !s.Matches(map[string]any{}) {
		t.Fatalf("empty query should match everything")
	}
	if !s.Matches(map[string]any{"env": "prod"}) {
		t.Fatalf("expected match on env=prod")
	}
	if s.Matches(map[string]any{"env": "staging"}) {
		t.Fatalf("unexpected match on env=staging")
	}
	if !s.Matches(map[string]any{"env": "prod", "team": "infra"}) {
		t.Fatalf("expected match on both keys")
	}
	if s.Matches(map[string]any{"missing": "x"}) {
		t.Fatalf("unexpected match on missing key")
	}
}

func TestMatchesStringifiesNumericTags(t *testing.T) {
	b := NewBuilder()
	s := b.New("step0", nil, nil)
	if !s.Matches(map[string]any{"n": "0"}) {
		t.Fatalf("expected string '0' to match int64 tag n")
	}
}
