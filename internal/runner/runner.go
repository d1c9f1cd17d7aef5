// Package runner drives one permutation's steps to completion against
// already-open session connections, tracking at most one blocked
// ("waiting") session at a time and detecting permutations that could
// never occur against a real server.
//
// Grounded directly on the original tool's run_permutation
// (isolationtester.c): the same single-waiting-session invariant, the
// same invalid-permutation detection and cancel-then-rollback cleanup,
// and the same step/setup/teardown ordering.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dbintel/isotest/internal/dbcap"
	"github.com/dbintel/isotest/internal/metrics"
	"github.com/dbintel/isotest/internal/spec"
	"github.com/dbintel/isotest/internal/stepexec"
	"github.com/dbintel/isotest/internal/transcript"
	"github.com/dbintel/isotest/internal/waitdetector"
)

// ErrInvalidPermutation is returned by Run when a session has a step
// blocked on a lock and the permutation calls for another step from
// that same session next: no further progress is possible without
// running a step from a different session, which the requested order
// doesn't allow. The permutation is still torn down cleanly; this is
// not a fatal driver error.
var ErrInvalidPermutation = errors.New("invalid permutation detected")

// Runner holds everything needed to execute permutations against one
// opened TestSpec: a pinned connection and wait-detector per session/
// connection, plus where to send transcript output.
type Runner struct {
	Spec *spec.TestSpec

	// SessionConns holds one pinned connection per session, indexed by
	// session index into Spec.Sessions.
	SessionConns []dbcap.SessionConn

	// ConnInfoConns holds one connection per ConnInfo, indexed by
	// ConnInfo index. Per-session setup/teardown SQL runs on
	// SessionConns instead.
	// ConnInfoConns[0] plays the role of the original's conns[0] for
	// global setup/teardown.
	ConnInfoConns []dbcap.SessionConn

	// Detectors holds one prepared wait-check statement per ConnInfo,
	// indexed the same way.
	Detectors []*waitdetector.Detector

	Out    *transcript.Writer
	Logger *zap.Logger

	exec    *stepexec.Executor
	metrics *metrics.Registry
}

func New(t *spec.TestSpec, sessionConns, connInfoConns []dbcap.SessionConn, detectors []*waitdetector.Detector, out *transcript.Writer, logger *zap.Logger) *Runner {
	return &Runner{
		Spec:          t,
		SessionConns:  sessionConns,
		ConnInfoConns: connInfoConns,
		Detectors:     detectors,
		Out:           out,
		Logger:        logger,
		exec:          stepexec.New(out, logger),
	}
}

// SetMetrics attaches a metrics registry and propagates it to the step
// executor, so both permutation-level and step-level counters share one
// registry.
func (r *Runner) SetMetrics(m *metrics.Registry) {
	r.metrics = m
	r.exec.SetMetrics(m)
}

// pending tracks one step's in-flight dispatch.
type pending struct {
	step   *spec.Step
	ch     <-chan dbcap.Result
	cancel context.CancelFunc
}

// Run executes one ordered list of steps as a single permutation. It
// returns ErrInvalidPermutation (after tearing the permutation down) if
// the steps can never actually interleave this way against a real
// server.
func (r *Runner) Run(ctx context.Context, steps []*spec.Step) error {
	if r.metrics != nil {
		r.metrics.PermutationsTotal.Inc()
	}

	r.Out.StartingPermutation(names(steps))

	if err := r.globalSetup(ctx); err != nil {
		return err
	}
	if err := r.sessionSetup(ctx); err != nil {
		return err
	}

	var waiting *pending

	for _, step := range steps {
		conn := r.SessionConns[step.Session]

		if waiting != nil && step.Session == waiting.step.Session {
			fmt.Fprintln(os.Stderr, ErrInvalidPermutation.Error())
			r.Logger.Error("invalid permutation detected",
				zap.String("step", step.Name), zap.String("waiting_on", waiting.step.Name))

			if r.metrics != nil {
				r.metrics.PermutationsInvalidTotal.Inc()
			}

			waiting.cancel()
			// Drain the cancelled query's result so its goroutine doesn't
			// leak, matching the original draining PQgetResult after
			// PQcancel.
			<-waiting.ch

			r.rollbackAll(ctx)
			r.teardown(ctx)
			return ErrInvalidPermutation
		}

		ch, cancel := stepexec.Dispatch(ctx, conn, step.SQL)
		cur := &pending{step: step, ch: ch, cancel: cancel}

		if waiting != nil {
			if err := r.awaitFull(ctx, cur); err != nil {
				return err
			}

			detector := r.Detectors[r.sessionConnIdx(waiting.step.Session)]
			pids := r.holderPIDs(waiting.step.Session)
			pidList := r.holderPIDList(waiting.step.Session)
			stillWaiting, res, err := r.exec.Await(ctx, waiting.ch, detector, r.backendPID(waiting.step.Session), pids, pidList,
				waiting.step.Name, waiting.step.SQL, stepexec.AwaitOptions{NonBlock: true, Retry: true})
			if err != nil {
				return fmt.Errorf("step %s: %w", waiting.step.Name, err)
			}

			if stillWaiting {
				r.Out.ErrorMessage(step.ErrorMsg)
				step.ErrorMsg = ""
			} else {
				r.captureResult(waiting.step, res)
				r.Out.TwoErrorMessages(step.Name, step.ErrorMsg, waiting.step.Name, waiting.step.ErrorMsg)
				step.ErrorMsg = ""
				waiting.step.ErrorMsg = ""
				waiting = nil
			}
		} else {
			detector := r.Detectors[r.sessionConnIdx(step.Session)]
			pids := r.holderPIDs(step.Session)
			pidList := r.holderPIDList(step.Session)
			blocked, res, err := r.exec.Await(ctx, cur.ch, detector, r.backendPID(step.Session), pids, pidList,
				step.Name, step.SQL, stepexec.AwaitOptions{NonBlock: true})
			if err != nil {
				return fmt.Errorf("step %s: %w", step.Name, err)
			}

			if blocked {
				waiting = cur
			} else {
				r.captureResult(step, res)
				r.Out.ErrorMessage(step.ErrorMsg)
				step.ErrorMsg = ""
			}
		}
	}

	if waiting != nil {
		_, res, err := r.exec.Await(ctx, waiting.ch, nil, "", nil, "", waiting.step.Name, waiting.step.SQL, stepexec.AwaitOptions{Retry: true})
		if err != nil {
			return fmt.Errorf("step %s: %w", waiting.step.Name, err)
		}
		r.captureResult(waiting.step, res)
		r.Out.ErrorMessage(waiting.step.ErrorMsg)
		waiting.step.ErrorMsg = ""
	}

	r.teardown(ctx)
	return nil
}

// awaitFull blocks for a step's outright completion without ever
// consulting the wait detector — the Go analogue of calling
// try_complete_step with flags that omit STEP_NONBLOCK. Any resulting
// error is only captured, never printed here: whether it is reported
// alone or paired with the step that was already waiting is decided by
// the caller once it knows whether that waiting step has unblocked.
func (r *Runner) awaitFull(ctx context.Context, p *pending) error {
	_, res, err := r.exec.Await(ctx, p.ch, nil, "", nil, "", p.step.Name, p.step.SQL, stepexec.AwaitOptions{})
	if err != nil {
		return fmt.Errorf("step %s: %w", p.step.Name, err)
	}
	r.captureResult(p.step, res)
	return nil
}

func (r *Runner) captureResult(step *spec.Step, res dbcap.Result) {
	if res.Err != nil {
		if step.ErrorMsg != "" {
			r.Out.LeftoverWarning(step.ErrorMsg)
		}
		step.ErrorMsg = res.ErrorMessage()
		if r.metrics != nil {
			r.metrics.StepErrorsTotal.Inc()
		}
		return
	}
	r.Out.Result(res)
}

func (r *Runner) sessionConnIdx(sessionIdx int) int {
	return r.Spec.Sessions[sessionIdx].ConnIdx
}

func (r *Runner) backendPID(sessionIdx int) string {
	return r.SessionConns[sessionIdx].PID()
}

func (r *Runner) holderPIDs(sessionIdx int) []string {
	return r.Spec.ConnInfos[r.sessionConnIdx(sessionIdx)].BackendPIDs
}

// holderPIDList returns the pre-rendered Postgres array literal for the
// same holder pids holderPIDs returns, built once by
// spec.TestSpec.BuildPIDLists instead of being reformatted on every probe.
func (r *Runner) holderPIDList(sessionIdx int) string {
	return r.Spec.ConnInfos[r.sessionConnIdx(sessionIdx)].PIDList
}

func (r *Runner) globalSetup(ctx context.Context) error {
	for _, sql := range r.Spec.SetupSQL {
		res := r.ConnInfoConns[0].Exec(ctx, sql)
		if res.Err != nil {
			return fmt.Errorf("setup failed: %w", res.Err)
		}
		r.Out.Result(res)
	}
	return nil
}

func (r *Runner) sessionSetup(ctx context.Context) error {
	for i, s := range r.Spec.Sessions {
		if s.Setup == "" {
			continue
		}
		res := r.SessionConns[i].Exec(ctx, s.Setup)
		if res.Err != nil {
			return fmt.Errorf("setup of session %s failed: %w", s.Name, res.Err)
		}
		r.Out.Result(res)
	}
	return nil
}

// rollbackAll issues ROLLBACK on every session connection so an
// abandoned permutation's open transactions don't block teardown.
// Errors are ignored here exactly as the original does: teardown must
// proceed regardless.
func (r *Runner) rollbackAll(ctx context.Context) {
	for _, c := range r.SessionConns {
		c.Exec(ctx, "ROLLBACK")
	}
}

// teardown runs per-session then global teardown SQL. Failures are
// logged, not returned: the original tool doesn't abort a run over a
// failed teardown.
func (r *Runner) teardown(ctx context.Context) {
	for i, s := range r.Spec.Sessions {
		if s.Teardown == "" {
			continue
		}
		res := r.SessionConns[i].Exec(ctx, s.Teardown)
		if res.Err != nil {
			r.Logger.Warn("teardown of session failed", zap.String("session", s.Name), zap.Error(res.Err))
			continue
		}
		r.Out.Result(res)
	}

	if r.Spec.TeardownSQL != "" {
		res := r.ConnInfoConns[0].Exec(ctx, r.Spec.TeardownSQL)
		if res.Err != nil {
			r.Logger.Warn("teardown failed", zap.Error(res.Err))
			return
		}
		r.Out.Result(res)
	}
}

func names(steps []*spec.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}
