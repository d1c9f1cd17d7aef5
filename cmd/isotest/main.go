// Command isotest runs an isolation test spec against a database,
// printing a byte-exact transcript of every permutation to stdout.
//
// Grounded on the original tool's main() (isolationtester.c) for flag
// names, positional conninfo argument, and exit codes; the CLI parsing
// itself deliberately stays on the standard library's flag package
// rather than the otelcol/cobra stack used elsewhere in this codebase —
// this tool has no pipeline to assemble, so there's nothing for a
// component-oriented CLI framework to wire together (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dbintel/isotest/internal/dial"
	"github.com/dbintel/isotest/internal/driver"
)

const version = "isotest (dbintel) 1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// Exit codes mirror the original: 0 for a clean run (including a
// dry run), 1 for any fatal driver error, 2 for a usage error.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func run(args []string) int {
	fs := flag.NewFlagSet("isotest", flag.ContinueOnError)
	dryRun := fs.Bool("n", false, "dry run: print permutations without executing them")
	showVersion := fs.Bool("V", false, "print version and exit")
	specPath := fs.String("spec", "", "path to the test spec YAML file (default: read from stdin)")
	metricsAddr := fs.String("metrics-addr", "", "address to serve /healthz and /metrics on (default: disabled)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: isotest [-n] [-spec FILE] [-metrics-addr ADDR] [CONNINFO]")
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	var defaultConnInfo string
	if fs.NArg() > 0 {
		defaultConnInfo = fs.Arg(0)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := driver.Config{
		SpecPath:        *specPath,
		DefaultConnInfo: defaultConnInfo,
		DryRun:          *dryRun,
		Dial:            dial.DefaultConfig(),
		MetricsAddr:     *metricsAddr,
	}

	d := driver.New(cfg, os.Stdout, logger)
	if err := d.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}

	return exitOK
}
