package spec

import "fmt"

// ResolveSessions fills in Session.ConnIdx for every session (explicit
// connection name looked up, otherwise index 0) and Step.Session for
// every step. It also ensures every ConnInfo carries a default driver.
//
// Mirrors the original isolationtester's session/connidx resolution
// (isolationtester.c, main(), the "we now have one or more conninfos"
// block) plus the per-step session index assignment that follows it.
func (t *TestSpec) ResolveSessions() error {
	if len(t.ConnInfos) == 0 {
		return fmt.Errorf("test spec declares no connections")
	}

	byName := make(map[string]int, len(t.ConnInfos))
	for i, c := range t.ConnInfos {
		if c.Driver == "" {
			c.Driver = DefaultDriver
		}
		byName[c.Name] = i
	}

	for _, s := range t.Sessions {
		s.ConnIdx = -1
		if s.Connection != "" {
			idx, ok := byName[s.Connection]
			if !ok {
				return fmt.Errorf("session %s wants to use undefined connection %s", s.Name, s.Connection)
			}
			s.ConnIdx = idx
		} else {
			s.ConnIdx = 0
		}
	}

	for i, s := range t.Sessions {
		for _, step := range s.Steps {
			step.Session = i
		}
	}

	return nil
}

// BuildPIDLists assembles each ConnInfo's literal pidlist string, in the
// form "{p1,p2,...,pN}", from the backend pids recorded against it. Must
// run after every session connection has been opened and its backend pid
// recorded via ConnInfo.AddBackendPID.
func (t *TestSpec) BuildPIDLists() {
	for _, c := range t.ConnInfos {
		if len(c.BackendPIDs) == 0 {
			continue
		}
		s := "{"
		for i, pid := range c.BackendPIDs {
			if i > 0 {
				s += ","
			}
			s += pid
		}
		s += "}"
		c.PIDList = s
	}
}

// AddBackendPID records a session's backend pid against the ConnInfo it
// uses, for later pidlist construction.
func (c *ConnInfo) AddBackendPID(pid string) {
	c.BackendPIDs = append(c.BackendPIDs, pid)
}

// AllSteps returns every step across every session, in session order.
func (t *TestSpec) AllSteps() []*Step {
	var steps []*Step
	for _, s := range t.Sessions {
		steps = append(steps, s.Steps...)
	}
	return steps
}
