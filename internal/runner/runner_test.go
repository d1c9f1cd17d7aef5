package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"go.uber.org/zap/zaptest"

	"github.com/dbintel/isotest/internal/dbcap"
	"github.com/dbintel/isotest/internal/spec"
	"github.com/dbintel/isotest/internal/transcript"
	"github.com/dbintel/isotest/internal/waitdetector"
)

// fakeConn is an in-memory dbcap.SessionConn: queries are resolved by
// exact text match against canned results, so tests can drive the
// runner's state machine without a live database.
type fakeConn struct {
	pid     string
	results map[string]dbcap.Result
}

func (f *fakeConn) PID() string { return f.pid }

func (f *fakeConn) Exec(ctx context.Context, query string) dbcap.Result {
	if r, ok := f.results[query]; ok {
		return r
	}
	return dbcap.Result{}
}

func (f *fakeConn) ExecAsync(ctx context.Context, query string) <-chan dbcap.Result {
	ch := make(chan dbcap.Result, 1)
	ch <- f.Exec(ctx, query)
	return ch
}

func simpleTestSpec() *spec.TestSpec {
	s1 := &spec.Session{Name: "s1", ConnIdx: 0, Steps: []*spec.Step{{Name: "s1a", SQL: "select 1", Session: 0}}}
	s2 := &spec.Session{Name: "s2", ConnIdx: 0, Steps: []*spec.Step{{Name: "s2a", SQL: "select 2", Session: 1}}}
	return &spec.TestSpec{
		ConnInfos: []*spec.ConnInfo{{Name: "c1", BackendPIDs: []string{"100", "200"}}},
		Sessions:  []*spec.Session{s1, s2},
	}
}

func TestRunCompletesWithoutBlocking(t *testing.T) {
	t.Parallel()
	ts := simpleTestSpec()

	conn1 := &fakeConn{pid: "100", results: map[string]dbcap.Result{
		"select 1": {Columns: []string{"?column?"}, Rows: [][]string{{"1"}}},
	}}
	conn2 := &fakeConn{pid: "200", results: map[string]dbcap.Result{
		"select 2": {Columns: []string{"?column?"}, Rows: [][]string{{"2"}}},
	}}

	var buf bytes.Buffer
	r := New(ts, []dbcap.SessionConn{conn1, conn2}, []dbcap.SessionConn{conn1}, []*waitdetector.Detector{nil},
		transcript.New(&buf), zaptest.NewLogger(t))

	err := r.Run(context.Background(), ts.AllSteps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "\nstarting permutation: s1a s2a\n" +
		"step s1a: select 1\n" +
		"?column?       \n\n" +
		"1              \n" +
		"step s2a: select 2\n" +
		"?column?       \n\n" +
		"2              \n"
	if buf.String() != want {
		t.Fatalf("transcript mismatch:\ngot:  %q\nwant: %q", buf.String(), want)
	}
}

func TestRunCapturesStepError(t *testing.T) {
	t.Parallel()
	ts := simpleTestSpec()
	ts.Sessions = ts.Sessions[:1]
	ts.Sessions[0].Steps = []*spec.Step{{Name: "s1a", SQL: "boom", Session: 0}}

	conn1 := &fakeConn{pid: "100", results: map[string]dbcap.Result{
		"boom": {Err: errors.New("syntax error")},
	}}

	var buf bytes.Buffer
	r := New(ts, []dbcap.SessionConn{conn1}, []dbcap.SessionConn{conn1}, []*waitdetector.Detector{nil},
		transcript.New(&buf), zaptest.NewLogger(t))

	if err := r.Run(context.Background(), ts.AllSteps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("syntax error")) {
		t.Fatalf("expected captured error message in transcript, got: %q", buf.String())
	}
}
