package testframework

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LogCursor is the index of the first stdout line the next scan looks at.
// It only moves forward.
type LogCursor struct {
	next int
}

func (c LogCursor) Position() int {
	return c.next
}

func compileAll(regexs []string) ([]*regexp.Regexp, error) {
	rxs := make([]*regexp.Regexp, 0, len(regexs))
	for _, r := range regexs {
		rx, err := regexp.Compile(r)
		if err != nil {
			return nil, fmt.Errorf("Compile(%s) %w", r, err)
		}
		rxs = append(rxs, rx)
	}
	return rxs, nil
}

// Cursor returns the current scan position.
func (d *DaemonProcess) Cursor() LogCursor {
	return d.cursor
}

// ScanLog looks for the first line after the cursor that matches any of
// regexs. On a match the cursor moves past that line. Running out of lines is
// not an error.
func (d *DaemonProcess) ScanLog(regexs ...string) (bool, error) {
	rxs, err := compileAll(regexs)
	if err != nil {
		return false, err
	}
	return d.scan(rxs), nil
}

func (d *DaemonProcess) scan(rxs []*regexp.Regexp) bool {
	for i, line := range d.StdOut.linesFrom(d.cursor.next) {
		for _, rx := range rxs {
			if rx.MatchString(line) {
				d.cursor.next += i + 1
				return true
			}
		}
	}
	return false
}

// WaitForLog blocks until a line after the cursor matches regex. It fails
// early with ErrProcessExited if the process is gone and the line never
// showed up.
func (d *DaemonProcess) WaitForLog(regex string, timeout time.Duration) error {
	return d.WaitForLogs([]string{regex}, timeout)
}

// WaitForLogs waits until every pattern matched, one after the other, with a
// single deadline for all of them.
func (d *DaemonProcess) WaitForLogs(regexs []string, timeout time.Duration) error {
	rxs, err := compileAll(regexs)
	if err != nil {
		return err
	}

	what := fmt.Sprintf("`%s` in %s logs", strings.Join(regexs, "`, `"), d.prefix)
	return d.poller.WithTimeout(timeout).Poll(what, func() (bool, error) {
		for len(rxs) > 0 {
			// Checked before scanning: every line is buffered once the
			// process is seen as exited.
			exited := d.HasExited()
			if !d.scan(rxs[:1]) {
				if exited {
					return false, fmt.Errorf("%w: %s while waiting for `%s`",
						ErrProcessExited, d.prefix, rxs[0].String())
				}
				return false, nil
			}
			rxs = rxs[1:]
		}
		return true, nil
	})
}

// IsInLog scans the whole buffer regardless of the cursor.
func (d *DaemonProcess) IsInLog(regex string) (bool, error) {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return false, fmt.Errorf("Compile(regex) %w", err)
	}

	for _, line := range d.StdOut.Lines() {
		if rx.MatchString(line) {
			return true, nil
		}
	}
	return false, nil
}

func (d *DaemonProcess) HasLog(regex string) (bool, error) {
	return d.IsInLog(regex)
}

// NotInLog is the negation of IsInLog, for asserting that something has not
// happened yet.
func (d *DaemonProcess) NotInLog(regex string) (bool, error) {
	found, err := d.IsInLog(regex)
	if err != nil {
		return false, err
	}
	return !found, nil
}
