package testframework

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var ErrProcessExited = errors.New("process exited")

// DaemonProcess supervises one external process and keeps its output as
// lines that can be scanned with a LogCursor.
type DaemonProcess struct {
	CmdLine []string
	Cmd     *exec.Cmd
	StdOut  *lockedWriter
	StdErr  *lockedWriter

	prefix string
	cursor LogCursor
	poller *Poller

	mu      sync.Mutex
	started bool
	exited  chan struct{}
	exitErr error
}

func NewDaemonProcess(cmdline []string, prefix string) *DaemonProcess {
	return &DaemonProcess{
		CmdLine: cmdline,
		StdOut:  &lockedWriter{},
		StdErr:  &lockedWriter{},
		prefix:  prefix,
		poller:  NewPoller(DefaultPollTimeout),
		exited:  make(chan struct{}),
	}
}

func (d *DaemonProcess) AppendCmdLine(options []string) {
	if options != nil {
		d.CmdLine = append(d.CmdLine, options...)
	}
}

func (d *DaemonProcess) WithCmd(cmd string) {
	if len(d.CmdLine) > 0 {
		cmdLine := []string{cmd}
		d.CmdLine = append(cmdLine, d.CmdLine[1:]...)
		return
	}
	d.CmdLine = []string{cmd}
}

// TeeTo mirrors every completed output line to logger.
func (d *DaemonProcess) TeeTo(logger *zap.Logger) {
	named := logger.Named(d.prefix)
	d.StdOut.setTee(named.With(zap.String("stream", "stdout")))
	d.StdErr.setTee(named.With(zap.String("stream", "stderr")))
}

// SetPoller replaces the poller used by the log waiters.
func (d *DaemonProcess) SetPoller(p *Poller) {
	d.poller = p
}

// Run starts the process. It does not wait for the process to exit.
func (d *DaemonProcess) Run() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("%s: already started", d.prefix)
	}
	if len(d.CmdLine) == 0 {
		return fmt.Errorf("%s: empty command line", d.prefix)
	}

	cmd := exec.Command(d.CmdLine[0], d.CmdLine[1:]...)
	cmd.Stdout = d.StdOut
	cmd.Stderr = d.StdErr

	err := cmd.Start()
	if err != nil {
		fmt.Fprintln(d.StdErr, "error starting cmd", err)
		return fmt.Errorf("Start() %w", err)
	}

	d.Cmd = cmd
	d.started = true
	go func() {
		// Wait returns after the stdout/stderr copiers finished, so every
		// line is buffered once exited is closed.
		d.exitErr = cmd.Wait()
		close(d.exited)
	}()
	return nil
}

// HasExited reports whether a started process has terminated.
func (d *DaemonProcess) HasExited() bool {
	if !d.isStarted() {
		return false
	}
	select {
	case <-d.exited:
		return true
	default:
		return false
	}
}

// ExitErr returns the error cmd.Wait returned, nil while running.
func (d *DaemonProcess) ExitErr() error {
	if !d.HasExited() {
		return nil
	}
	return d.exitErr
}

// Stop sends SIGTERM and waits up to timeout for the process to exit before
// killing it. Stopping a process that never started or already exited is a
// no-op.
func (d *DaemonProcess) Stop(timeout time.Duration) error {
	if !d.isStarted() || d.HasExited() {
		return nil
	}

	err := unix.Kill(d.Cmd.Process.Pid, unix.SIGTERM)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("Kill(SIGTERM) %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.exited:
		return nil
	case <-timer.C:
	}

	d.Kill()
	<-d.exited
	return nil
}

func (d *DaemonProcess) Kill() {
	if d.isStarted() && !d.HasExited() {
		d.Cmd.Process.Kill()
	}
}

func (d *DaemonProcess) Prefix() string {
	return d.prefix
}

func (d *DaemonProcess) isStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// lockedWriter buffers process output split into lines. The trailing partial
// line stays pending until its newline arrives.
type lockedWriter struct {
	sync.RWMutex

	lines   []string
	partial []byte
	tee     *zap.Logger
}

func (w *lockedWriter) setTee(l *zap.Logger) {
	w.Lock()
	defer w.Unlock()
	w.tee = l
}

func (w *lockedWriter) Write(b []byte) (n int, err error) {
	w.Lock()
	defer w.Unlock()

	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		w.lines = append(w.lines, line)
		if w.tee != nil {
			w.tee.Debug(line)
		}
	}
	return len(b), nil
}

func (w *lockedWriter) String() string {
	w.RLock()
	defer w.RUnlock()

	var sb strings.Builder
	for _, l := range w.lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.Write(w.partial)
	return sb.String()
}

// Lines returns a copy of all complete lines.
func (w *lockedWriter) Lines() []string {
	return w.linesFrom(0)
}

func (w *lockedWriter) linesFrom(i int) []string {
	w.RLock()
	defer w.RUnlock()

	if i >= len(w.lines) {
		return nil
	}
	out := make([]string, len(w.lines)-i)
	copy(out, w.lines[i:])
	return out
}

func (w *lockedWriter) Filter(regex string) []byte {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return nil
	}

	var buf []byte
	for _, l := range w.Lines() {
		if rx.MatchString(l) {
			buf = append(buf, l...)
			buf = append(buf, '\n')
		}
	}
	return buf
}

func (w *lockedWriter) Tail(n int, regex string) string {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return ""
	}

	var lines []string
	for _, l := range w.Lines() {
		if rx.MatchString(l) {
			lines = append(lines, l)
		}
	}

	// We want to have the possibility to print out the whole log.
	if n < 1 || n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
