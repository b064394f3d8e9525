// Package testing provides testing helpers for state machines using testify.
package testing

import (
	"context"
	"os"
	stdtest "testing"
	"time"

	"github.com/stretchr/testify/assert"

	amhelp "github.com/pancsta/asyncfsm/pkg/helpers"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

// MachDebug sets up a machine for debugging in tests, logging into t.Logf.
func MachDebug(t *stdtest.T, mach *am.Machine, logLvl am.LogLevel) {
	mach.SetLoggerSimple(t.Logf, logLvl)
}

// MachDebugEnv sets up a machine for debugging in tests, based on env vars
// only: AM_LOG, and AM_DEBUG.
func MachDebugEnv(t *stdtest.T, mach *am.Machine) {
	logLvl := am.EnvLogLevel("")
	if os.Getenv(am.EnvAmDebug) != "" && logLvl == am.LogNothing {
		logLvl = am.LogChanges
	}

	MachDebug(t, mach, logLvl)
}

// Wait is a test version of [amhelp.Wait], which errors instead of returning
// false.
func Wait(
	t *stdtest.T, errMsg string, ctx context.Context, length time.Duration,
) {
	if !amhelp.Wait(ctx, length) {
		if t.Context().Err() == nil {
			t.Fatal("ctx expired: " + errMsg)
		}
	}
}

// WaitForState is a test version of [amhelp.WaitForState], which errors
// instead of returning an error.
func WaitForState(
	t *stdtest.T, source string, ctx context.Context, timeout time.Duration,
	mach *am.Machine, state string,
) {
	if err := amhelp.WaitForState(ctx, timeout, mach, state); err != nil {
		if t.Context().Err() == nil {
			t.Fatal("error for " + source + ": " + err.Error())
		}
	}
}

// WaitForAll is a test version of [amhelp.WaitForAll], which errors instead of
// returning an error.
func WaitForAll(
	t *stdtest.T, source string, ctx context.Context, timeout time.Duration,
	chans ...<-chan struct{},
) {
	if err := amhelp.WaitForAll(ctx, timeout, chans...); err != nil {
		if t.Context().Err() == nil {
			t.Fatal("error for " + source + ": " + err.Error())
		}
	}
}

// AssertIs asserts that the machine is in the given state.
func AssertIs(t *stdtest.T, mach *am.Machine, state string) {
	assert.Equal(t, state, mach.State().Name, "%s expected", state)
}

// AssertNot asserts that the machine is not in the given state.
func AssertNot(t *stdtest.T, mach *am.Machine, state string) {
	assert.NotEqual(t, state, mach.State().Name, "%s not expected", state)
}

// AssertData asserts a single value of the current state's data.
func AssertData(t *stdtest.T, mach *am.Machine, key string, val any) {
	assert.Equal(t, val, mach.State().Data[key], "data %s of %s", key,
		mach.State().Name)
}

// AssertNoErr asserts that the machine hasn't recorded any step error.
func AssertNoErr(t *stdtest.T, mach *am.Machine) {
	if err := mach.Err(); err != nil && t.Context().Err() == nil {
		t.Fatalf("Unexpected error in %s: %s", mach.Id(), err.Error())
	}
}

// AssertErr asserts that the machine recorded a step error.
func AssertErr(t *stdtest.T, mach *am.Machine, target error) {
	err := mach.Err()
	if err == nil && t.Context().Err() == nil {
		t.Fatal("expected an error in " + mach.Id())
	}
	if target != nil {
		assert.ErrorIs(t, err, target)
	}
}
