// Package helpers is a set of useful functions when working with state
// machines.
package helpers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	am "github.com/pancsta/asyncfsm/pkg/machine"
)

// ErrTimeout indicates that a wait didn't finish in time.
var ErrTimeout = errors.New("timeout")

// MachDebug sets up a machine for debugging, based on the passed log level and
// stdout flag. Without stdout, the log is discarded, but the level is still
// set for custom loggers.
func MachDebug(mach *am.Machine, logLvl am.LogLevel, stdout bool) {
	if IsTestRunner() {
		return
	}

	if !stdout {
		mach.SetLogger(func(level am.LogLevel, msg string, args ...any) {})
	}
	mach.SetLogLevel(logLvl)
}

// MachDebugEnv sets up a machine for debugging, based on env vars only:
// AM_LOG, and AM_DEBUG. This function should be called right after the
// machine is created, to catch all the log entries.
func MachDebugEnv(mach *am.Machine) {
	logLvl := am.EnvLogLevel("")
	stdout := os.Getenv(am.EnvAmDebug) != ""
	if stdout && logLvl == am.LogNothing {
		logLvl = am.LogChanges
	}

	MachDebug(mach, logLvl, stdout)
}

// NewSendRequest creates a new failsafe request to send an event to a machine.
// See SendRequest for more info and the defaults.
func NewSendRequest(mach *am.Machine, ev am.Event) *SendRequest {
	return &SendRequest{
		Mach:  mach,
		Event: ev,

		// defaults

		PolicyRetries:     10,
		PolicyDelay:       100 * time.Millisecond,
		PolicyBackoff:     5 * time.Second,
		PolicyMaxDuration: 5 * time.Second,
	}
}

// SendRequest is a failsafe request for sending an event. It retries while
// the machine isn't running (eg during a restart), until the context is done,
// or the max duration is reached. Defaults: 10 retries, 100ms delay, 5s
// backoff, and 5s max duration.
type SendRequest struct {
	Mach  *am.Machine
	Event am.Event

	// PolicyRetries is the max number of retries.
	PolicyRetries int
	// PolicyDelay is the delay before the first retry, then doubles.
	PolicyDelay time.Duration
	// PolicyBackoff is the max time to wait between retries.
	PolicyBackoff time.Duration
	// PolicyMaxDuration is the max time to wait for the event to be accepted.
	PolicyMaxDuration time.Duration
}

// Clone returns a copy of the request with the same policies, but a different
// event.
func (r *SendRequest) Clone(mach *am.Machine, ev am.Event) *SendRequest {
	return &SendRequest{
		Mach:  mach,
		Event: ev,

		PolicyRetries:     r.PolicyRetries,
		PolicyBackoff:     r.PolicyBackoff,
		PolicyMaxDuration: r.PolicyMaxDuration,
		PolicyDelay:       r.PolicyDelay,
	}
}

func (r *SendRequest) Retries(retries int) *SendRequest {
	r.PolicyRetries = retries
	return r
}

func (r *SendRequest) Backoff(backoff time.Duration) *SendRequest {
	r.PolicyBackoff = backoff
	return r
}

func (r *SendRequest) MaxDuration(maxDuration time.Duration) *SendRequest {
	r.PolicyMaxDuration = maxDuration
	return r
}

func (r *SendRequest) Delay(delay time.Duration) *SendRequest {
	r.PolicyDelay = delay
	return r
}

// Run sends the event, retrying on [am.ErrNotRunning]. Other errors of the
// step (like [am.ErrSpontaneousLoop]) aren't retried.
func (r *SendRequest) Run(ctx context.Context) error {
	// policies
	retry := retrypolicy.Builder[any]().
		HandleErrors(am.ErrNotRunning).
		WithMaxDuration(r.PolicyMaxDuration).
		WithMaxRetries(r.PolicyRetries)

	if r.PolicyBackoff != 0 {
		retry = retry.WithBackoff(r.PolicyDelay, r.PolicyBackoff)
	} else {
		retry = retry.WithDelay(r.PolicyDelay)
	}

	return failsafe.NewExecutor[any](retry.Build()).WithContext(ctx).
		Run(r.send)
}

func (r *SendRequest) send() error {
	return r.Mach.Send(r.Event)
}

// Wait waits for a duration, or until the context is done. Returns true if the
// duration has passed, or false if ctx is done.
func Wait(ctx context.Context, length time.Duration) bool {
	t := time.After(length)

	select {
	case <-ctx.Done():
		return false
	case <-t:
		return true
	}
}

// Interval runs a function at a given interval, for a given duration, or until
// the context is done. Returns nil if the duration has passed, or err is ctx is
// done. The function should return false to stop the interval.
func Interval(
	ctx context.Context, length time.Duration, interval time.Duration,
	fn func() bool,
) error {
	end := time.Now().Add(length)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {

		case <-ctx.Done():
			return ctx.Err()

		case <-t.C:
			if time.Now().After(end) {
				return nil
			}

			if !fn() {
				return nil
			}
		}
	}
}

// When returns a channel closed once the machine enters [state], or
// immediately when it's the current one. The subscription ends with the
// channel, or the ctx.
func When(ctx context.Context, mach *am.Machine, state string) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	done := func() {
		once.Do(func() { close(ch) })
	}

	unsub := mach.Subscribe(func(s am.State, _ *am.Event) {
		if s.Name == state {
			done()
		}
	})
	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
		}
		unsub()
	}()

	return ch
}

// WaitForState waits until the machine enters [state], the context is done, or
// the timeout is reached. Returns nil if the state got entered, or
// ErrTimeout, or ctx.Err().
func WaitForState(
	ctx context.Context, timeout time.Duration, mach *am.Machine, state string,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return WaitForAll(ctx, timeout, When(ctx, mach, state))
}

// WaitForAll waits for a list of channels to close, or until the context is
// done, or until the timeout is reached. Returns nil if all channels are
// closed, or ErrTimeout, or ctx.Err().
func WaitForAll(
	ctx context.Context, timeout time.Duration, chans ...<-chan struct{},
) error {
	// exit early
	if len(chans) == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// timeout
	if IsDebug() {
		timeout = 100 * timeout
	}
	t := time.After(timeout)

	// wait on all chans
	for _, ch := range chans {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t:
			return ErrTimeout
		case <-ch:
			// pass
		}
	}

	return nil
}

// ExecAndClose closes the chan when the function ends.
func ExecAndClose(fn func()) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		fn()
		close(ch)
	}()

	return ch
}

// EnableDebugging sets env vars for debugging machines created with
// MachDebugEnv.
func EnableDebugging() {
	_ = os.Setenv(am.EnvAmDebug, "1")
	_ = os.Setenv(am.EnvAmLog, strconv.Itoa(int(am.LogOps)))
}

// SetLogLevel sets AM_LOG env var to the passed log level. It will affect all
// future state machines using MachDebugEnv.
func SetLogLevel(level am.LogLevel) {
	_ = os.Setenv(am.EnvAmLog, strconv.Itoa(int(level)))
}

// Implements checks if a definition references all the needed states.
func Implements(def *am.Definition, statesNeeded am.S) error {
	var errs []error
	for _, state := range statesNeeded {
		if !def.Has(state) {
			errs = append(errs, fmt.Errorf("missing state: %s", state))
		}
	}

	return errors.Join(errs...)
}

// IsDebug returns true if the process is in simple debug mode.
func IsDebug() bool {
	return os.Getenv(am.EnvAmDebug) != "" && !IsTestRunner()
}

func IsTestRunner() bool {
	return os.Getenv(am.EnvAmTestRunner) != ""
}
