package metrics

import "testing"

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()

	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("expected all 5 registered families before any observation, got %d families", len(mfs))
	}

	m.PermutationsTotal.Inc()
	m.StepsBlockedTotal.Inc()

	mfs, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("expected 5 metric families after two increments, got %d", len(mfs))
	}
}
