package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	return sr, tp
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}

	return names
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}

	return attribute.Value{}
}

func TestOtelTracer(t *testing.T) {
	// init
	sr, tp := newRecorder(t)
	ot := NewOtelMachTracer(tp.Tracer("test"), &OtelMachTracerOpts{
		Logf: t.Logf,
	})
	mach := testutils.NewTraffic(t, nil)
	mach.BindTracer(ot)

	// test
	require.NoError(t, mach.Start())
	for _, ev := range []string{"NEXT", "NEXT", "BREAK"} {
		require.NoError(t, mach.Send(am.Event{Type: ev}))
	}
	require.NoError(t, mach.Stop())
	ot.End()

	// assert
	ended := sr.Ended()
	names := spanNames(ended)
	assert.Equal(t, []string{
		"states", "transitions",
		// start
		"red",
		"[NEXT] red -> green", "red", "green",
		"[NEXT] green -> yellow", "green", "yellow",
		"[BREAK] yellow -> broken", "yellow", "broken",
		"broken -> off", "broken", "off",
		// stop
		"off",
		"mach:" + mach.Id(),
	}, names)

	// tx attrs
	var spontaneous sdktrace.ReadOnlySpan
	for _, s := range ended {
		if s.Name() == "broken -> off" {
			spontaneous = s
		}
	}
	require.NotNil(t, spontaneous)
	assert.False(t, spontaneous.EndTime().Before(spontaneous.StartTime()))
	assert.Equal(t, "always", spanAttr(spontaneous, "kind").AsString())
	assert.True(t, spanAttr(spontaneous, "spontaneous").AsBool())
	assert.True(t, spanAttr(spontaneous, "reenters").AsBool())
	assert.True(t, strings.HasPrefix(spanAttr(spontaneous, "to").AsString(), "off"))

	// machines
	assert.Empty(t, ot.Machines)
	assert.Empty(t, ot.MachinesOrder)
}

func TestOtelTracerSkipTransitions(t *testing.T) {
	// init
	sr, tp := newRecorder(t)
	ot := NewOtelMachTracer(tp.Tracer("test"), &OtelMachTracerOpts{
		SkipTransitions: true,
	})
	mach := testutils.NewTraffic(t, nil)
	mach.BindTracer(ot)

	// test
	require.NoError(t, mach.Start())
	require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))
	ot.MachineDispose(mach.Id())
	// ignored after disposal
	require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))

	// assert
	for _, name := range spanNames(sr.Ended()) {
		assert.NotContains(t, name, "->")
		assert.NotEqual(t, "yellow", name)
		assert.NotEqual(t, "transitions", name)
	}
	assert.Empty(t, ot.Machines)
}

func TestOtelTracerDuplicate(t *testing.T) {
	_, tp := newRecorder(t)
	ot := NewOtelMachTracer(tp.Tracer("test"), nil)
	m1 := testutils.Traffic.NewMachine(nil, &am.Opts{Id: "dup"})
	m2 := testutils.Traffic.NewMachine(nil, &am.Opts{Id: "dup"})
	m1.BindTracer(ot)

	assert.Panics(t, func() {
		m2.BindTracer(ot)
	})
}

func TestOtelTracerInternal(t *testing.T) {
	// init
	sr, tp := newRecorder(t)
	ot := NewOtelMachTracer(tp.Tracer("test"), nil)
	def := am.MustDefinition(am.Config{
		Initial: am.State{Name: "idle"},
		States: map[string]am.StateConfig{
			"idle": {On: am.Transitions{
				"PING": {{Target: "idle", NoReenter: true}},
			}},
		},
	})
	mach := def.NewMachine(nil, &am.Opts{Id: "internal"})
	mach.BindTracer(ot)

	// test
	require.NoError(t, mach.Start())
	require.NoError(t, mach.Send(am.Event{Type: "PING"}))
	ot.End()

	// assert
	assert.Equal(t, []string{
		"states", "transitions", "idle", "[PING] idle -> idle", "idle",
		"mach:internal",
	}, spanNames(sr.Ended()))
}

func TestLog(t *testing.T) {
	var buf strings.Builder
	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(&buf))
	if err != nil {
		t.Fatal(err)
	}
	logProvider := NewOtelLoggerProvider(logExporter)
	mach := testutils.NewTraffic(t, nil)
	mach.SetLogLevel(am.LogOps)
	BindOtelLogger(mach, logProvider, "")

	require.NoError(t, mach.Start())
	require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))

	err = logProvider.ForceFlush(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	out := buf.String()

	assert.Contains(t, out, `"Value":"t-TestLog"`)
	assert.Contains(t, out, "[exit] red")
	assert.Contains(t, out, "[enter] green")
}

func TestNewOtelProvider(t *testing.T) {
	ctx := context.Background()
	tp, err := NewOtelProvider(ctx, "Test Service", "localhost:4317")
	require.NoError(t, err)

	ot := NewOtelMachTracer(tp.Tracer("test"), nil)
	mach := testutils.NewTrafficStarted(t, nil)
	mach.BindTracer(ot)
	require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))
	ot.End()

	// nothing listens, so only check that shutting down returns
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
