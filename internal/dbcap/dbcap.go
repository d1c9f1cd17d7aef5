// Package dbcap opens and pins the per-session database connections the
// rest of the driver runs steps against, and detects what the connected
// server is capable of.
//
// Grounded on receivers/postgresqlquery/connection.go
// (Connect/detectCapabilities/IsHealthy shape) and
// internal/database/connection_pool.go (OpenWithSecurePool pool
// configuration), repointed from periodic metric scraping onto holding a
// single long-lived connection per test session.
package dbcap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Open dials driver/dsn, configures the pool and pings before
// returning. One pool serves a whole ConnInfo: its global connection
// and every session connection pinned from it stay checked out for the
// whole run, so the number of open connections is not capped.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	db.SetMaxOpenConns(0)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s connection: %w", driver, err)
	}

	logger.Debug("opened database connection", zap.String("driver", driver))
	return db, nil
}

// Conn is one session's pinned backend connection: a single *sql.Conn
// checked out of the pool for the lifetime of the session, so its
// backend pid never changes underneath us. This is the Go analogue of
// the original tool holding one PGconn per session for the whole run.
type Conn struct {
	Name       string
	Driver     string
	BackendPID string

	conn   *sql.Conn
	logger *zap.Logger
}

// Pin checks out a dedicated *sql.Conn from db and records its backend
// pid (Postgres) or connection id (MySQL).
func Pin(ctx context.Context, db *sql.DB, name, driver string, logger *zap.Logger) (*Conn, error) {
	sqlConn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("session %s: failed to pin connection: %w", name, err)
	}

	c := &Conn{
		Name:   name,
		Driver: driver,
		conn:   sqlConn,
		logger: logger.Named(name),
	}

	pid, err := c.queryBackendPID(ctx)
	if err != nil {
		sqlConn.Close()
		return nil, fmt.Errorf("session %s: failed to read backend pid: %w", name, err)
	}
	c.BackendPID = pid

	c.logger.Debug("session connection pinned", zap.String("backend_pid", pid))
	return c, nil
}

func (c *Conn) queryBackendPID(ctx context.Context) (string, error) {
	query := backendPIDQuery(c.Driver)
	var pid string
	if err := c.conn.QueryRowContext(ctx, query).Scan(&pid); err != nil {
		return "", err
	}
	return pid, nil
}

func backendPIDQuery(driver string) string {
	switch driver {
	case "mysql":
		return "select connection_id()"
	default:
		return "select pg_backend_pid()"
	}
}

// PID returns the session's backend pid (Postgres) or connection id
// (MySQL), satisfying SessionConn for callers that only need to depend
// on the interface.
func (c *Conn) PID() string {
	return c.BackendPID
}

// SessionConn is the subset of *Conn the step executor and runner
// depend on. Accepting the interface rather than *Conn lets both be
// unit tested against an in-memory fake instead of a live database.
type SessionConn interface {
	Exec(ctx context.Context, query string) Result
	ExecAsync(ctx context.Context, query string) <-chan Result
	PID() string
}

// Close returns the pinned connection to its pool, which keeps up to
// two idle connections open until the pool itself is closed.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Raw exposes the underlying *sql.Conn for callers that need to prepare
// a statement directly against it, such as the wait detector's prepared
// lock-wait query.
func (c *Conn) Raw() *sql.Conn {
	return c.conn
}

// Result is one statement's outcome: either a tabular result set or a
// command completion, carried back over a channel so the caller can
// poll it alongside a ticker instead of blocking on it directly (see
// internal/stepexec).
type Result struct {
	Columns []string
	Rows    [][]string
	Err     error
}

// ErrorMessage renders Err the way the original tool renders a libpq
// error: "SEVERITY:  MESSAGE" (isolationtester.c's report_result, which
// pulls PG_DIAG_SEVERITY and PG_DIAG_MESSAGE_PRIMARY straight off the
// PGresult). lib/pq and go-sql-driver/mysql both expose their server's
// structured fields on the error value itself; only when neither type
// matches does this fall back to the driver's own Error() string.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(r.Err, &pqErr) {
		return fmt.Sprintf("%s:  %s", pqErr.Severity, pqErr.Message)
	}
	var myErr *mysql.MySQLError
	if errors.As(r.Err, &myErr) {
		return fmt.Sprintf("ERROR:  %s", myErr.Message)
	}
	return r.Err.Error()
}

// ExecAsync runs query on the pinned connection in its own goroutine
// and returns a channel that receives exactly one Result once the
// statement completes (or blocks forever inside the server, which is
// the whole point: the caller never blocks on this channel, it only
// selects on it).
//
// This is the Go realization of the original's PQsendQuery — the
// statement starts "in flight" against the backend immediately, and
// completion is observed later without the caller itself blocking.
func (c *Conn) ExecAsync(ctx context.Context, query string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- c.Exec(ctx, query)
	}()
	return ch
}

// Exec runs query on the pinned connection and waits for it outright.
// Setup, teardown, and rollback statements use this directly, the same
// way the original tool issues them via the synchronous PQexec rather
// than PQsendQuery — only the steps under test need the async form.
func (c *Conn) Exec(ctx context.Context, query string) Result {
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return Result{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{Err: err}
	}

	var out [][]string
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{Err: err}
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Result{Err: err}
	}

	return Result{Columns: cols, Rows: out}
}

// Capabilities summarizes what the connected server reports about
// itself, logged once at startup for operator diagnosis. Trimmed from
// the much larger DatabaseCapabilities elsewhere in this codebase
// (extension detection, cloud-provider sniffing): the driver only ever
// needs the version string and doesn't gate behavior on the rest.
type Capabilities struct {
	Driver  string
	Version string
}

// DetectCapabilities queries the server version and logs it. Failure to
// detect capabilities is not fatal — it is diagnostic only — mirroring
// this codebase's pattern of degrading gracefully rather than refusing
// to proceed when a capability probe fails.
func DetectCapabilities(ctx context.Context, db *sql.DB, driver string, logger *zap.Logger) Capabilities {
	caps := Capabilities{Driver: driver}

	var version string
	if err := db.QueryRowContext(ctx, versionQuery(driver)).Scan(&version); err != nil {
		logger.Debug("failed to detect server version", zap.Error(err))
		return caps
	}
	caps.Version = version
	logger.Info("connected to database server", zap.String("driver", driver), zap.String("version", version))
	return caps
}

func versionQuery(driver string) string {
	switch driver {
	case "mysql":
		return "select version()"
	default:
		return "select version()"
	}
}
