// Package driver orchestrates one end-to-end run: load and validate
// the test spec, open every connection, prepare the wait detector,
// execute every permutation, and tear everything down — in that order.
// A dry run stops after loading the spec and prints the permutations
// instead, without opening any connection.
//
// Grounded on the original tool's main() (isolationtester.c): the
// conninfo defaulting, per-session connection setup, backend-pid
// collection and pidlist construction, and the dry-run short-circuit
// are all reproduced from there. Connection establishment goes through
// internal/dial's bounded retry instead of a single PQconnectdb call,
// and every exit_nicely() call becomes a plain Go error return that the
// caller maps to an exit code.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dbintel/isotest/internal/dbcap"
	"github.com/dbintel/isotest/internal/dial"
	"github.com/dbintel/isotest/internal/enumerate"
	"github.com/dbintel/isotest/internal/healthsrv"
	"github.com/dbintel/isotest/internal/metrics"
	"github.com/dbintel/isotest/internal/runner"
	"github.com/dbintel/isotest/internal/spec"
	"github.com/dbintel/isotest/internal/transcript"
	"github.com/dbintel/isotest/internal/waitdetector"
)

// Config gathers a run's external inputs: where the test spec comes
// from, the default conninfo to fall back to, and whether to execute
// or merely print the permutations that would run.
type Config struct {
	SpecPath        string
	DefaultConnInfo string
	DryRun          bool
	Dial            dial.Config
	MetricsAddr     string
}

// Driver runs a loaded, connected test spec and releases every
// resource it opened, in both the success and failure path.
type Driver struct {
	cfg     Config
	logger  *zap.Logger
	out     *transcript.Writer
	stdout  io.Writer
	metrics *metrics.Registry
	health  *healthsrv.Server
}

func New(cfg Config, stdout io.Writer, logger *zap.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: logger,
		out:    transcript.New(stdout),
		stdout: stdout,
	}
}

// Run executes the full lifecycle and returns the first fatal error
// encountered, if any. A per-permutation ErrInvalidPermutation is
// logged and does not abort the run: only spec, connection, or
// wait-query failures are fatal.
func (d *Driver) Run(ctx context.Context) error {
	testSpec, err := spec.Load(d.cfg.SpecPath)
	if err != nil {
		return fmt.Errorf("failed to load test spec: %w", err)
	}

	d.applyDefaultConnInfo(testSpec)

	if err := testSpec.ResolveSessions(); err != nil {
		return err
	}

	if d.cfg.DryRun {
		d.runDry(testSpec)
		return nil
	}

	fmt.Fprintf(d.stdout, "Parsed test spec with %d sessions\n", len(testSpec.Sessions))

	d.metrics = metrics.New()
	if d.cfg.MetricsAddr != "" {
		d.health = healthsrv.New(d.cfg.MetricsAddr, d.metrics, d.logger)
		if err := d.health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer d.health.Shutdown(ctx)
	}

	conns, err := d.connect(ctx, testSpec)
	if err != nil {
		if d.health != nil {
			d.health.SetUnhealthy()
		}
		return err
	}
	defer conns.closeAll()

	permutations, err := enumerate.Resolve(testSpec)
	if err != nil {
		return err
	}

	r := runner.New(testSpec, conns.sessionConns(), conns.connInfoConns(), conns.detectors, d.out, d.logger)
	r.SetMetrics(d.metrics)

	for _, steps := range permutations {
		if err := r.Run(ctx, steps); err != nil {
			if err == runner.ErrInvalidPermutation {
				continue
			}
			return err
		}
		if d.health != nil {
			d.health.RecordPermutationComplete()
		}
	}

	return nil
}

func (d *Driver) runDry(testSpec *spec.TestSpec) {
	permutations, err := enumerate.Resolve(testSpec)
	if err != nil {
		d.logger.Error("failed to resolve permutations for dry run", zap.Error(err))
		return
	}
	for _, steps := range permutations {
		d.out.Permutation(names(steps))
	}
}

// applyDefaultConnInfo mirrors main()'s "pretend the spec defined one
// conninfo named default" fallback when the spec declares none.
func (d *Driver) applyDefaultConnInfo(t *spec.TestSpec) {
	if len(t.ConnInfos) > 0 {
		return
	}
	connInfo := d.cfg.DefaultConnInfo
	if connInfo == "" {
		connInfo = "dbname=postgres"
	}
	t.ConnInfos = []*spec.ConnInfo{{Name: "default", ConnString: connInfo, Driver: spec.DefaultDriver}}
}

// openConns holds every connection and detector a run has opened, so
// the driver can release them in one place regardless of where a
// failure occurred while setting them up.
type openConns struct {
	perConnInfo []*dbcap.Conn
	perSession  []*dbcap.Conn
	detectors   []*waitdetector.Detector
}

func (o *openConns) sessionConns() []dbcap.SessionConn  { return toSessionConns(o.perSession) }
func (o *openConns) connInfoConns() []dbcap.SessionConn { return toSessionConns(o.perConnInfo) }

func (o *openConns) closeAll() {
	for _, det := range o.detectors {
		if det != nil {
			det.Close()
		}
	}
	for _, c := range o.perSession {
		if c != nil {
			c.Close()
		}
	}
	for _, c := range o.perConnInfo {
		if c != nil {
			c.Close()
		}
	}
}

// connect opens one database/sql pool per ConnInfo, pins one connection
// per ConnInfo (for setup/teardown/wait-detection) and one per session
// (for step execution), assembles each ConnInfo's backend-pid list, and
// prepares its wait detector.
func (d *Driver) connect(ctx context.Context, t *spec.TestSpec) (_ *openConns, err error) {
	dbs := make([]*sql.DB, len(t.ConnInfos))
	out := &openConns{
		perConnInfo: make([]*dbcap.Conn, len(t.ConnInfos)),
		perSession:  make([]*dbcap.Conn, len(t.Sessions)),
		detectors:   make([]*waitdetector.Detector, len(t.ConnInfos)),
	}
	defer func() {
		if err != nil {
			out.closeAll()
		}
	}()

	for i, ci := range t.ConnInfos {
		driverName, connString := ci.EffectiveDriver(), ci.ConnString
		db, err := dial.Retry(ctx, d.cfg.Dial, ci.Name, d.logger, func(attemptCtx context.Context) (*sql.DB, error) {
			return dbcap.Open(attemptCtx, driverName, connString, d.logger)
		})
		if err != nil {
			return nil, fmt.Errorf("couldn't connect to %s (%q): %w", ci.Name, connString, err)
		}
		dbs[i] = db

		conn, err := dbcap.Pin(ctx, db, ci.Name, driverName, d.logger)
		if err != nil {
			return nil, err
		}
		out.perConnInfo[i] = conn
		dbcap.DetectCapabilities(ctx, db, driverName, d.logger)
	}

	for i, s := range t.Sessions {
		ci := t.ConnInfos[s.ConnIdx]
		conn, err := dbcap.Pin(ctx, dbs[s.ConnIdx], s.Name, ci.EffectiveDriver(), d.logger)
		if err != nil {
			return nil, fmt.Errorf("couldn't connect for session %s: %w", s.Name, err)
		}
		out.perSession[i] = conn
		s.BackendPID = conn.BackendPID
		ci.AddBackendPID(conn.BackendPID)
	}
	t.BuildPIDLists()

	for i, ci := range t.ConnInfos {
		det, err := waitdetector.Prepare(ctx, out.perConnInfo[i].Raw(), ci.EffectiveDriver(), len(ci.BackendPIDs))
		if err != nil {
			return nil, err
		}
		if d.metrics != nil {
			hist := d.metrics.WaitProbeSeconds
			det.SetProbeObserver(func(elapsed time.Duration) {
				hist.Observe(elapsed.Seconds())
			})
		}
		out.detectors[i] = det
	}

	return out, nil
}

func toSessionConns(conns []*dbcap.Conn) []dbcap.SessionConn {
	out := make([]dbcap.SessionConn, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

func names(steps []*spec.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}
