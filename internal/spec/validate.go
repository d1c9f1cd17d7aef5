package spec

import "fmt"

// Validate checks the structural invariants of a loaded TestSpec before
// any connection is opened: unique names, resolvable references. This
// follows the same shape as this codebase's OHI-compatibility validator
// (validation/ohi-compatibility-validator.go) — "run every check, collect
// every failure, report them together" — aimed at the test spec's own
// data model instead of a metrics comparison.
func Validate(t *TestSpec) error {
	var issues []string

	issues = append(issues, validateSessionNames(t)...)
	issues = append(issues, validateStepNames(t)...)
	issues = append(issues, validateConnReferences(t)...)
	issues = append(issues, validatePermutations(t)...)

	if len(t.Sessions) == 0 {
		issues = append(issues, "test spec declares no sessions")
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// ValidationError collects every structural problem found in one pass so
// a spec author sees them all at once instead of fixing one fatal error
// per run.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid test spec (%d issue(s)):", len(e.Issues))
	for _, issue := range e.Issues {
		msg += "\n  - " + issue
	}
	return msg
}

func validateSessionNames(t *TestSpec) []string {
	var issues []string
	seen := make(map[string]bool, len(t.Sessions))
	for _, s := range t.Sessions {
		if s.Name == "" {
			issues = append(issues, "session with empty name")
			continue
		}
		if seen[s.Name] {
			issues = append(issues, fmt.Sprintf("duplicate session name %q", s.Name))
		}
		seen[s.Name] = true
	}
	return issues
}

func validateStepNames(t *TestSpec) []string {
	var issues []string
	seen := make(map[string]bool)
	for _, s := range t.Sessions {
		if len(s.Steps) == 0 {
			issues = append(issues, fmt.Sprintf("session %q declares no steps", s.Name))
		}
		for _, step := range s.Steps {
			if step.Name == "" {
				issues = append(issues, fmt.Sprintf("session %q has a step with empty name", s.Name))
				continue
			}
			if seen[step.Name] {
				issues = append(issues, fmt.Sprintf("duplicate step name %q", step.Name))
			}
			seen[step.Name] = true
		}
	}
	return issues
}

func validateConnReferences(t *TestSpec) []string {
	var issues []string
	names := make(map[string]bool, len(t.ConnInfos))
	for _, c := range t.ConnInfos {
		if names[c.Name] {
			issues = append(issues, fmt.Sprintf("duplicate connection name %q", c.Name))
		}
		names[c.Name] = true
	}
	for _, s := range t.Sessions {
		if s.Connection != "" && !names[s.Connection] {
			issues = append(issues, fmt.Sprintf("session %q references undefined connection %q", s.Name, s.Connection))
		}
	}
	return issues
}

func validatePermutations(t *TestSpec) []string {
	var issues []string
	known := make(map[string]bool)
	for _, step := range t.AllSteps() {
		known[step.Name] = true
	}
	for i, p := range t.Permutations {
		for _, name := range p.StepNames {
			if !known[name] {
				issues = append(issues, fmt.Sprintf("permutation #%d references undefined step %q", i, name))
			}
		}
	}
	return issues
}
