package driver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/dbintel/isotest/internal/spec"
)

const testSpecYAML = `
sessions:
  - name: s1
    steps:
      - name: s1a
        sql: "select 1"
  - name: s2
    steps:
      - name: s2a
        sql: "select 2"
`

func writeTempSpec(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write temp spec: %v", err)
	}
	return path
}

func TestDryRunPrintsPermutationsWithoutConnecting(t *testing.T) {
	path := writeTempSpec(t, testSpecYAML)

	var out bytes.Buffer
	d := New(Config{SpecPath: path, DryRun: true}, &out, zaptest.NewLogger(t))

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.String()
	if strings.Contains(got, "Parsed test spec with") {
		t.Errorf("dry run must not print the non-dry-run preamble, got: %q", got)
	}
	if !strings.Contains(got, `permutation "s1a" "s2a"`) && !strings.Contains(got, `permutation "s2a" "s1a"`) {
		t.Errorf("missing expected permutation line, got: %q", got)
	}
}

func TestApplyDefaultConnInfoFillsInDefault(t *testing.T) {
	d := New(Config{DefaultConnInfo: "dbname=testdb"}, &bytes.Buffer{}, zaptest.NewLogger(t))

	ts := &spec.TestSpec{}
	d.applyDefaultConnInfo(ts)

	if len(ts.ConnInfos) != 1 {
		t.Fatalf("expected 1 conninfo, got %d", len(ts.ConnInfos))
	}
	if ts.ConnInfos[0].ConnString != "dbname=testdb" {
		t.Errorf("ConnString = %q, want %q", ts.ConnInfos[0].ConnString, "dbname=testdb")
	}
}

func TestApplyDefaultConnInfoDoesNotOverrideDeclaredConnections(t *testing.T) {
	d := New(Config{}, &bytes.Buffer{}, zaptest.NewLogger(t))

	ts := &spec.TestSpec{ConnInfos: []*spec.ConnInfo{{Name: "c1", ConnString: "dbname=declared"}}}
	d.applyDefaultConnInfo(ts)

	if len(ts.ConnInfos) != 1 || ts.ConnInfos[0].Name != "c1" {
		t.Fatalf("expected declared conninfo to be preserved, got: %+v", ts.ConnInfos)
	}
}
