// Package transcript renders a permutation run to the exact byte format
// the original isolation tester produces, so existing expected-output
// files remain valid without modification.
//
// Grounded on the original tool's run_permutation/try_complete_step/
// printResultSet (isolationtester.c) for the line formats, and on this
// codebase's structured-logging discipline (every component logs via
// zap, never to stdout) for keeping the transcript itself free of any
// incidental logging noise: stdout carries only transcript bytes, never
// a log line.
package transcript

import (
	"fmt"
	"io"

	"github.com/dbintel/isotest/internal/dbcap"
)

// Writer renders transcript lines to an underlying io.Writer (ordinarily
// os.Stdout). It holds no state beyond the destination: every method is
// a direct translation of one of the original program's printf calls.
type Writer struct {
	out io.Writer
}

func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Permutation prints the dry-run rendering of a permutation: its step
// names in spec-file syntax, with no execution.
func (w *Writer) Permutation(stepNames []string) {
	fmt.Fprint(w.out, "permutation")
	for _, name := range stepNames {
		fmt.Fprintf(w.out, " %q", name)
	}
	fmt.Fprintln(w.out)
}

// StartingPermutation announces the step order about to run.
func (w *Writer) StartingPermutation(stepNames []string) {
	fmt.Fprint(w.out, "\nstarting permutation:")
	for _, name := range stepNames {
		fmt.Fprintf(w.out, " %s", name)
	}
	fmt.Fprintln(w.out)
}

// StepWaiting reports a step that blocked on its first non-blocking
// poll: the step name and its SQL text, tagged as waiting.
func (w *Writer) StepWaiting(name, sql string) {
	fmt.Fprintf(w.out, "step %s: %s <waiting ...>\n", name, sql)
}

// StepCompleted reports a previously-waiting step finishing.
func (w *Writer) StepCompleted(name string) {
	fmt.Fprintf(w.out, "step %s: <... completed>\n", name)
}

// Step reports a step that completed without ever blocking.
func (w *Writer) Step(name, sql string) {
	fmt.Fprintf(w.out, "step %s: %s\n", name, sql)
}

// FailedToSend reports a step whose query could not even be sent.
func (w *Writer) FailedToSend(name, errMsg string) {
	fmt.Fprintf(w.out, "failed to send query for step %s: %s\n", name, errMsg)
}

// ErrorMessage prints one step's captured fatal-error message, if any.
func (w *Writer) ErrorMessage(msg string) {
	if msg == "" {
		return
	}
	fmt.Fprintln(w.out, msg)
}

// TwoErrorMessages prints the captured error messages of two steps under
// a shared "error in steps A B:" prefix, used when a blocked step and
// the step that unblocked it complete together. Only non-empty messages
// are printed, so it prints nothing when neither step produced an error.
func (w *Writer) TwoErrorMessages(name1, msg1, name2, msg2 string) {
	prefix := name1 + " " + name2
	if msg1 != "" {
		fmt.Fprintf(w.out, "error in steps %s: %s\n", prefix, msg1)
	}
	if msg2 != "" {
		fmt.Fprintf(w.out, "error in steps %s: %s\n", prefix, msg2)
	}
}

// LeftoverWarning flags a step that still carried an error message from
// a previous statement when a new one completed: this should never
// happen in a well-formed spec, and the original tool treats it as a
// loud warning rather than a silent overwrite.
func (w *Writer) LeftoverWarning(msg string) {
	fmt.Fprintln(w.out, "WARNING: this step had a leftover error message")
	fmt.Fprintln(w.out, msg)
}

// UnexpectedStatus reports a statement result status the driver doesn't
// otherwise classify (neither a row set nor a command completion nor an
// error).
func (w *Writer) UnexpectedStatus(status string) {
	fmt.Fprintf(w.out, "unexpected result status: %s\n", status)
}

// ResultSet renders a tabular result: column names left-justified in
// 15-wide fields, a blank line, then one row per line in the same
// field width. This must match printResultSet's %-15s formatting
// exactly, since expected-output files are diffed byte for byte.
func (w *Writer) ResultSet(columns []string, rows [][]string) {
	for _, c := range columns {
		fmt.Fprintf(w.out, "%-15s", c)
	}
	fmt.Fprint(w.out, "\n\n")

	for _, row := range rows {
		for _, v := range row {
			fmt.Fprintf(w.out, "%-15s", v)
		}
		fmt.Fprintln(w.out)
	}
}

// Result renders a dbcap.Result according to its shape: a row set goes
// through ResultSet, a bare command completion (no columns) prints
// nothing, matching PGRES_COMMAND_OK producing no output in the
// original.
func (w *Writer) Result(r dbcap.Result) {
	if len(r.Columns) == 0 {
		return
	}
	w.ResultSet(r.Columns, r.Rows)
}
