package testframework

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPollTimeout     = 10 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultMaxPollInterval = 5 * time.Second
)

// errPending marks a predicate evaluation that returned false.
var errPending = errors.New("condition not met yet")

// WaitFunc returns just a bool value to check if
// the desired conditions are met.
type WaitFunc func() bool

// WaitFuncWithErr returns a bool value to check if
// the desired conditions are met. Also returns an
// error that aborts the wait.
type WaitFuncWithErr func() (bool, error)

// TimeoutError is returned when a predicate did not become true before the
// deadline.
type TimeoutError struct {
	Predicate string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %v while waiting for %s", e.Timeout, e.Predicate)
}

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Poller evaluates a predicate until it holds. The sleep between two
// evaluations starts at Interval, doubles after every sleep up to MaxInterval
// and never overshoots the deadline.
type Poller struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration

	clock    backoff.Clock
	newTimer func() backoff.Timer
}

// NewPoller returns a poller with the default schedule and the given timeout.
func NewPoller(timeout time.Duration) *Poller {
	return &Poller{
		Timeout:     timeout,
		Interval:    DefaultPollInterval,
		MaxInterval: DefaultMaxPollInterval,
	}
}

// WithTimeout returns a copy of the poller with a different timeout.
func (p *Poller) WithTimeout(timeout time.Duration) *Poller {
	cp := *p
	cp.Timeout = timeout
	return &cp
}

// WaitFor polls f until it returns true.
func (p *Poller) WaitFor(f WaitFunc) error {
	return p.Poll(funcName(f), func() (bool, error) {
		return f(), nil
	})
}

// WaitForWithErr polls f until it returns true. An error returned by f ends
// the wait and is returned as is.
func (p *Poller) WaitForWithErr(f WaitFuncWithErr) error {
	return p.Poll(funcName(f), f)
}

// Poll is WaitForWithErr with an explicit description that ends up in the
// TimeoutError.
func (p *Poller) Poll(what string, f WaitFuncWithErr) error {
	clock := p.clock
	if clock == nil {
		clock = backoff.SystemClock
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	b := &deadlineBackOff{
		delegate: &backoff.ExponentialBackOff{
			InitialInterval:     orDefault(p.Interval, DefaultPollInterval),
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         orDefault(p.MaxInterval, DefaultMaxPollInterval),
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               clock,
		},
		clock:   clock,
		timeout: timeout,
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(func() error {
		ok, err := f()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errPending
		}
		return nil
	}, b, nil, timer)
	if errors.Is(err, errPending) {
		return &TimeoutError{Predicate: what, Timeout: timeout}
	}
	return err
}

// WaitFor takes a WaitFunc and polls it with the default schedule until it
// returns true or the timeout is reached.
func WaitFor(f WaitFunc, timeout time.Duration) error {
	return NewPoller(timeout).WaitFor(f)
}

// WaitForWithErr takes a WaitFuncWithErr and polls it with the default
// schedule. Errors returned by f are not retried.
func WaitForWithErr(f WaitFuncWithErr, timeout time.Duration) error {
	return NewPoller(timeout).WaitForWithErr(f)
}

// deadlineBackOff clamps every interval of the delegate to the time left
// until the deadline and stops once the deadline passed.
type deadlineBackOff struct {
	delegate backoff.BackOff
	clock    backoff.Clock
	timeout  time.Duration
	deadline time.Time
}

func (d *deadlineBackOff) Reset() {
	d.delegate.Reset()
	d.deadline = d.clock.Now().Add(d.timeout)
}

func (d *deadlineBackOff) NextBackOff() time.Duration {
	left := d.deadline.Sub(d.clock.Now())
	if left <= 0 {
		return backoff.Stop
	}
	next := d.delegate.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if next > left {
		return left
	}
	return next
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func funcName(f any) string {
	v := reflect.ValueOf(f)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Sprintf("%v", f)
	}
	if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
		return fn.Name()
	}
	return fmt.Sprintf("%v", f)
}
