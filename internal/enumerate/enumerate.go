// Package enumerate turns a TestSpec into the concrete ordered list of
// permutations to run: either every declared step-interleaving when no
// permutations are named, or exactly the named ones.
//
// Grounded directly on the original tool's run_all_permutations /
// run_all_permutations_recurse / run_named_permutations
// (isolationtester.c): the "pile" recursion and step name lookup are
// reproduced as given rather than reworked into some other generator
// shape, since their exact traversal order is what makes an
// all-permutations run reproducible.
package enumerate

import (
	"fmt"

	"github.com/dbintel/isotest/internal/spec"
)

// All returns every interleaving of t's session steps that preserves
// each session's own step order — the "pile" enumeration from the
// original tool. With one session it returns that session's steps in
// order; with N sessions of total S steps it returns S!/(n1!n2!...nN!)
// permutations.
func All(t *spec.TestSpec) [][]*spec.Step {
	piles := make([]int, len(t.Sessions))
	var results [][]*spec.Step
	recurse(t, piles, nil, &results)
	return results
}

func recurse(t *spec.TestSpec, piles []int, steps []*spec.Step, results *[][]*spec.Step) {
	found := false
	for i, s := range t.Sessions {
		if piles[i] < len(s.Steps) {
			found = true
			piles[i]++

			// A fresh backing array per branch: sibling iterations must
			// not alias the same array, or storing one branch's result
			// would let a later sibling overwrite it in place.
			next := make([]*spec.Step, len(steps), len(steps)+1)
			copy(next, steps)
			next = append(next, s.Steps[piles[i]-1])

			recurse(t, piles, next, results)
			piles[i]--
		}
	}
	if !found {
		*results = append(*results, steps)
	}
}

// Named resolves each declared Permutation's step names against the
// full set of steps in t, in the order the spec lists them. The
// original builds a sorted step array and bsearches it per lookup;
// a map serves the same lookup-by-name purpose directly in Go.
func Named(t *spec.TestSpec) ([][]*spec.Step, error) {
	allSteps := t.AllSteps()
	byName := make(map[string]*spec.Step, len(allSteps))
	for _, s := range allSteps {
		byName[s.Name] = s
	}

	var results [][]*spec.Step
	for _, p := range t.Permutations {
		steps := make([]*spec.Step, 0, len(p.StepNames))
		for _, name := range p.StepNames {
			s, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("undefined step %q specified in permutation", name)
			}
			steps = append(steps, s)
		}
		results = append(results, steps)
	}
	return results, nil
}

// Resolve picks Named or All depending on whether the spec declares any
// permutations explicitly, matching run_testspec's dispatch.
func Resolve(t *spec.TestSpec) ([][]*spec.Step, error) {
	if len(t.Permutations) > 0 {
		return Named(t)
	}
	return All(t), nil
}
