package testframework

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"
)

const defaultLines = 30

// EventDumper prints the most recent harness events, see journal.Store.
type EventDumper interface {
	Dump(w io.Writer, n int) error
}

type dumpTargets struct {
	processes []tailableProcess
	journals  []EventDumper
}

type tailableProcess struct {
	p      *DaemonProcess
	lines  int
	filter string
}

// DumpOption configures what goes into a failure dump.
type DumpOption func(*dumpTargets)

// DumpOnFailure registers a t.Cleanup that tails the configured logs only
// when the test fails.
func DumpOnFailure(t testing.TB, opts ...DumpOption) {
	t.Helper()

	t.Cleanup(func() {
		if !t.Failed() {
			return
		}
		var targets dumpTargets
		for _, opt := range opts {
			opt(&targets)
		}
		pprintFail(os.Stdout, targets)
	})
}

// WithNodes includes the daemon logs of nodes. HARNESS_LOG_FILTER narrows
// the lines shown.
func WithNodes(nodes ...*ChainNode) DumpOption {
	return func(d *dumpTargets) {
		filter := os.Getenv("HARNESS_LOG_FILTER")
		for _, n := range nodes {
			if n == nil || n.DaemonProcess == nil {
				continue
			}
			d.processes = append(d.processes, tailableProcess{p: n.DaemonProcess, filter: filter, lines: defaultLines})
		}
	}
}

func WithProcess(p *DaemonProcess, filter string) DumpOption {
	return func(d *dumpTargets) {
		if p == nil {
			return
		}
		d.processes = append(d.processes, tailableProcess{p: p, filter: filter, lines: defaultLines})
	}
}

func WithJournal(j EventDumper) DumpOption {
	return func(d *dumpTargets) {
		if j == nil {
			return
		}
		d.journals = append(d.journals, j)
	}
}

func linesFromEnv(lines int) int {
	if slines, ok := os.LookupEnv("HARNESS_LOG_LINES"); ok {
		n, err := strconv.Atoi(slines)
		if err != nil {
			return lines
		}
		return n
	}
	return lines
}

func pprintFail(w io.Writer, targets dumpTargets) {
	if len(targets.processes) == 0 && len(targets.journals) == 0 {
		return
	}
	fmt.Fprintf(w, "\n============================== FAILURE ==============================\n\n")
	for _, fp := range targets.processes {
		fmt.Fprintf(w, "+++++++++++++++++++++++++++++ %s (StdOut) +++++++++++++++++++++++++++++\n", fp.p.Prefix())
		fmt.Fprintf(w, "%s\n", fp.p.StdOut.Tail(linesFromEnv(fp.lines), fp.filter))
		if fp.p.StdErr.String() != "" {
			fmt.Fprintf(w, "+++++++++++++++++++++++++++++ %s (StdErr) +++++++++++++++++++++++++++++\n", fp.p.Prefix())
			fmt.Fprintf(w, "%s\n", fp.p.StdErr.String())
		}
		fmt.Fprintf(w, "+++++++++++++++++++++++++++++ %s (End) +++++++++++++++++++++++++++++\n", fp.p.Prefix())
	}
	for _, j := range targets.journals {
		fmt.Fprintf(w, "+++++++++++++++++++++++++++++ journal +++++++++++++++++++++++++++++\n")
		err := j.Dump(w, linesFromEnv(defaultLines))
		if err != nil {
			fmt.Fprintf(w, "could not read journal: %v\n", err)
		}
	}
}
