package enumerate

import (
	"testing"

	"github.com/dbintel/isotest/internal/spec"
)

func twoSessionSpec() *spec.TestSpec {
	s1 := &spec.Session{Name: "s1", Steps: []*spec.Step{{Name: "s1a"}, {Name: "s1b"}}}
	s2 := &spec.Session{Name: "s2", Steps: []*spec.Step{{Name: "s2a"}}}
	return &spec.TestSpec{Sessions: []*spec.Session{s1, s2}}
}

func stepNames(steps []*spec.Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func TestAllPermutationsCount(t *testing.T) {
	ts := twoSessionSpec()
	perms := All(ts)
	// 3!/(2!1!) = 3 interleavings of a 2-step pile and a 1-step pile.
	if len(perms) != 3 {
		t.Fatalf("got %d permutations, want 3", len(perms))
	}
	for _, p := range perms {
		if len(p) != 3 {
			t.Fatalf("permutation has %d steps, want 3: %v", len(p), stepNames(p))
		}
	}
}

func TestAllPermutationsPreserveSessionOrder(t *testing.T) {
	ts := twoSessionSpec()
	for _, p := range All(ts) {
		var s1aIdx, s1bIdx = -1, -1
		for i, s := range p {
			if s.Name == "s1a" {
				s1aIdx = i
			}
			if s.Name == "s1b" {
				s1bIdx = i
			}
		}
		if s1aIdx > s1bIdx {
			t.Errorf("session s1's steps out of order in permutation %v", stepNames(p))
		}
	}
}

func TestNamedResolvesSteps(t *testing.T) {
	ts := twoSessionSpec()
	ts.Permutations = []*spec.Permutation{{StepNames: []string{"s2a", "s1a", "s1b"}}}

	perms, err := Named(ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("got %d permutations, want 1", len(perms))
	}
	got := stepNames(perms[0])
	want := []string{"s2a", "s1a", "s1b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("perms[0] = %v, want %v", got, want)
		}
	}
}

func TestNamedRejectsUndefinedStep(t *testing.T) {
	ts := twoSessionSpec()
	ts.Permutations = []*spec.Permutation{{StepNames: []string{"nope"}}}

	if _, err := Named(ts); err == nil {
		t.Fatal("expected error for undefined step")
	}
}
