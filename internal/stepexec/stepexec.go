// Package stepexec drives one step from "sent" to "resolved": dispatch
// the query asynchronously, and either wait for it outright or poll
// for lock-wait blocking without ever blocking the poller itself.
//
// Grounded on the original tool's try_complete_step (isolationtester.c):
// the same STEP_NONBLOCK / STEP_RETRY flag combinations it uses map
// directly onto this package's Await options, and the 10ms poll cadence
// is preserved exactly. The select()-based socket wait becomes a
// goroutine-and-channel wait; the rate-limited diagnostic logging
// follows the processors/adaptivesampler pattern of never logging more
// than once per interval for a condition that can persist for a long
// time.
package stepexec

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dbintel/isotest/internal/dbcap"
	"github.com/dbintel/isotest/internal/metrics"
	"github.com/dbintel/isotest/internal/transcript"
	"github.com/dbintel/isotest/internal/waitdetector"
)

const pollInterval = 10 * time.Millisecond

// Executor renders step outcomes to a transcript as it resolves them.
type Executor struct {
	out     *transcript.Writer
	logger  *zap.Logger
	metrics *metrics.Registry
}

func New(out *transcript.Writer, logger *zap.Logger) *Executor {
	return &Executor{out: out, logger: logger}
}

// SetMetrics attaches a metrics registry; steps observed blocking on a
// lock increment its StepsBlockedTotal counter. Metrics are purely
// observational and never change what gets printed to the transcript.
func (e *Executor) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// AwaitOptions mirrors the original's STEP_NONBLOCK/STEP_RETRY flags.
type AwaitOptions struct {
	// NonBlock polls for lock-wait blocking instead of simply waiting
	// for the query to finish.
	NonBlock bool
	// Retry indicates this is a second-or-later call for the same step:
	// it only changes which message is printed, never the logic.
	Retry bool
}

// Dispatch sends sql on conn asynchronously and returns the channel its
// result will arrive on, along with a cancel function that aborts the
// in-flight statement — the Go analogue of the original's PQcancel,
// used when an invalid permutation forces a waiting step to be torn
// down without ever completing.
func Dispatch(ctx context.Context, conn dbcap.SessionConn, sql string) (<-chan dbcap.Result, context.CancelFunc) {
	queryCtx, cancel := context.WithCancel(ctx)
	return conn.ExecAsync(queryCtx, sql), cancel
}

// Await waits for a dispatched step to resolve, printing the
// appropriate transcript line. When opts.NonBlock is set and a
// detector is supplied, it polls the wait-detector every 10ms until
// either the query completes or it finds the session genuinely blocked
// on a lock, in which case it returns waiting=true without consuming
// the result (the result arrives on the same channel whenever the lock
// is eventually released, and a later Await call on the same channel
// picks it up).
//
// detector may be nil, in which case Await always waits for outright
// completion — this is the Go analogue of calling try_complete_step
// with flags that omit STEP_NONBLOCK.
func (e *Executor) Await(
	ctx context.Context,
	ch <-chan dbcap.Result,
	detector *waitdetector.Detector,
	pid string,
	holderPIDs []string,
	pidList string,
	name, sqlText string,
	opts AwaitOptions,
) (waiting bool, result dbcap.Result, err error) {
	if !opts.NonBlock || detector == nil {
		select {
		case result = <-ch:
			e.printCompletion(name, sqlText, opts.Retry)
			return false, result, nil
		case <-ctx.Done():
			return false, dbcap.Result{}, ctx.Err()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case result = <-ch:
			e.printCompletion(name, sqlText, opts.Retry)
			return false, result, nil

		case <-ticker.C:
			ticks++
			if ticks%100 == 0 {
				e.logger.Debug("still waiting for step to resolve",
					zap.String("step", name), zap.Duration("elapsed", time.Duration(ticks)*pollInterval))
			}

			blocked, werr := detector.IsWaiting(ctx, pid, holderPIDs, pidList)
			if werr != nil {
				return false, dbcap.Result{}, werr
			}
			if blocked {
				if !opts.Retry {
					e.out.StepWaiting(name, sqlText)
					if e.metrics != nil {
						e.metrics.StepsBlockedTotal.Inc()
					}
				}
				return true, dbcap.Result{}, nil
			}

		case <-ctx.Done():
			return false, dbcap.Result{}, ctx.Err()
		}
	}
}

func (e *Executor) printCompletion(name, sqlText string, retry bool) {
	if retry {
		e.out.StepCompleted(name)
	} else {
		e.out.Step(name, sqlText)
	}
}
