package waitdetector

import "testing"

func TestPlaceholders(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{0, "null"},
		{1, "?"},
		{3, "?,?,?"},
	}
	for _, c := range cases {
		if got := placeholders(c.n); got != c.want {
			t.Errorf("placeholders(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}
