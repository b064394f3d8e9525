package telemetry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	olog "go.opentelemetry.io/otel/log"
	ologsdk "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/pancsta/asyncfsm/internal/utils"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

// OtelMachTracer implements machine.Tracer for OpenTelemetry.
// Support tracing of multiple state machines.
type OtelMachTracer struct {
	am.NoOpTracer

	Tracer        trace.Tracer
	Machines      map[string]*OtelMachineData
	MachinesMx    sync.Mutex
	MachinesOrder []string
	Logf          func(format string, args ...any)

	opts  *OtelMachTracerOpts
	ended bool
}

var _ am.Tracer = &OtelMachTracer{}

type OtelMachineData struct {
	ID    string
	Lock  sync.Mutex
	Ended bool

	machTrace context.Context
	txTrace   context.Context
	// per-state group traces
	stateNames map[string]context.Context
	// trace of the current state
	stateInstance context.Context
	stateName     string
	// group trace for all state name groups
	stateGroup context.Context
	// group trace for all the transitions
	txGroup context.Context
}

type OtelMachTracerOpts struct {
	// if true, only state changes will be traced
	SkipTransitions bool
	Logf            func(format string, args ...any)
}

// NewOtelMachTracer creates a new machine tracer from an OpenTelemetry tracer.
// Requires OtelMachTracer.End to be called at the end.
func NewOtelMachTracer(tracer trace.Tracer, opts *OtelMachTracerOpts,
) *OtelMachTracer {
	if tracer == nil {
		panic("nil tracer")
	}
	if opts == nil {
		opts = &OtelMachTracerOpts{}
	}
	otel := &OtelMachTracer{
		Tracer:   tracer,
		Machines: make(map[string]*OtelMachineData),
		opts:     opts,
	}
	if opts.Logf != nil {
		otel.Logf = opts.Logf
	} else {
		otel.Logf = func(format string, args ...any) {}
	}
	otel.Logf("[otel] NewOtelMachTracer")

	return otel
}

// getMachineData returns nil when the machine isn't traced.
func (ot *OtelMachTracer) getMachineData(id string) *OtelMachineData {
	ot.MachinesMx.Lock()
	defer ot.MachinesMx.Unlock()

	if ot.ended {
		return nil
	}

	return ot.Machines[id]
}

func (ot *OtelMachTracer) MachineInit(mach *am.Machine) {
	ot.MachinesMx.Lock()
	defer ot.MachinesMx.Unlock()
	if ot.ended {
		ot.Logf("[otel] MachineInit: tracer already ended, ignoring %s",
			mach.Id())
		return
	}
	if _, ok := ot.Machines[mach.Id()]; ok {
		panic("machine already being traced (duplicate ID " + mach.Id() + ")")
	}

	// create a machine trace
	name := "mach:" + mach.Id()
	machCtx, _ := ot.Tracer.Start(context.Background(), name,
		trace.WithAttributes(
			attribute.String("id", mach.Id()),
			attribute.String("states", utils.J(mach.Definition().StateNames())),
		))
	ot.Logf("[otel] MachineInit: trace %s", mach.Id())
	data := &OtelMachineData{
		ID:         mach.Id(),
		machTrace:  machCtx,
		stateNames: make(map[string]context.Context),
	}

	// create a group span for states
	stateGroupCtx, stateGroupSpan := ot.Tracer.Start(machCtx, "states",
		trace.WithAttributes(attribute.String("mach_id", mach.Id())))
	data.stateGroup = stateGroupCtx
	// groups are only for nesting, so end it right away
	stateGroupSpan.End()

	if !ot.opts.SkipTransitions {
		// create a group span for transitions
		txGroupCtx, txGroupSpan := ot.Tracer.Start(machCtx, "transitions",
			trace.WithAttributes(attribute.String("mach_id", mach.Id())))
		data.txGroup = txGroupCtx
		// groups are only for nesting, so end it right away
		txGroupSpan.End()
	}

	ot.Machines[mach.Id()] = data
	ot.MachinesOrder = append(ot.MachinesOrder, mach.Id())
}

func (ot *OtelMachTracer) MachineStart(mach *am.Machine) {
	data := ot.getMachineData(mach.Id())
	if data == nil {
		return
	}
	data.Lock.Lock()
	defer data.Lock.Unlock()

	// spontaneous transitions of the start replace this one
	ot.enterState(data, mach.State().Name, nil)
}

func (ot *OtelMachTracer) MachineStop(mach *am.Machine) {
	data := ot.getMachineData(mach.Id())
	if data == nil {
		return
	}
	data.Lock.Lock()
	defer data.Lock.Unlock()

	ot.exitState(data)
}

// MachineDispose ends all the traces of a machine.
func (ot *OtelMachTracer) MachineDispose(id string) {
	ot.MachinesMx.Lock()
	defer ot.MachinesMx.Unlock()

	ot.doDispose(id)
}

func (ot *OtelMachTracer) doDispose(id string) {
	data, ok := ot.Machines[id]
	if !ok {
		ot.Logf("[otel] MachineDispose: machine %s not found", id)
		return
	}
	ot.Logf("[otel] MachineDispose: disposing %s", id)
	data.Lock.Lock()
	defer data.Lock.Unlock()

	delete(ot.Machines, id)
	ot.MachinesOrder = utils.SlicesWithout(ot.MachinesOrder, id)
	data.Ended = true

	// transitions
	if data.txTrace != nil {
		trace.SpanFromContext(data.txTrace).End()
	}

	// states
	ot.exitState(data)
	for _, ctx := range data.stateNames {
		trace.SpanFromContext(ctx).End()
	}

	// groups
	trace.SpanFromContext(data.stateGroup).End()
	if data.txGroup != nil {
		trace.SpanFromContext(data.txGroup).End()
	}
	trace.SpanFromContext(data.machTrace).End()
}

func (ot *OtelMachTracer) TransitionStart(tx *am.Transition) {
	if ot.opts.SkipTransitions {
		return
	}
	data := ot.getMachineData(tx.Machine.Id())
	if data == nil {
		return
	}
	data.Lock.Lock()
	defer data.Lock.Unlock()
	if data.Ended {
		return
	}

	// build a regular trace
	name := fmt.Sprintf("%s -> %s", tx.From.Name, tx.To.Name)
	attrs := []attribute.KeyValue{
		attribute.String("kind", tx.Kind.String()),
		attribute.String("from", tx.From.String()),
		attribute.Int("queue_len", tx.QueueLen),
		attribute.Bool("spontaneous", tx.Spontaneous),
	}
	if tx.Event != nil {
		name = "[" + tx.Event.Type + "] " + name
		attrs = append(attrs, attribute.String("event", tx.Event.String()))
	}
	ctx, _ := ot.Tracer.Start(data.txGroup, name,
		trace.WithTimestamp(tx.Start), trace.WithAttributes(attrs...))

	// expose
	data.txTrace = ctx
}

func (ot *OtelMachTracer) TransitionEnd(tx *am.Transition) {
	data := ot.getMachineData(tx.Machine.Id())
	if data == nil {
		return
	}
	data.Lock.Lock()
	defer data.Lock.Unlock()
	if data.Ended {
		return
	}

	if !ot.opts.SkipTransitions && data.txTrace != nil {
		span := trace.SpanFromContext(data.txTrace)
		span.SetAttributes(
			attribute.String("to", tx.To.String()),
			attribute.Bool("reenters", tx.Reenters),
		)
		span.End()
		data.txTrace = nil
	}

	// handle state changes
	if tx.Reenters {
		ot.enterState(data, tx.To.Name, tx)
	}
}

// End ends traces of all the machines.
func (ot *OtelMachTracer) End() {
	ot.MachinesMx.Lock()
	defer ot.MachinesMx.Unlock()

	ot.Logf("[otel] End")
	ot.ended = true
	// end traces in reverse order
	order := slices.Clone(ot.MachinesOrder)
	slices.Reverse(order)

	for _, id := range order {
		ot.doDispose(id)
	}

	ot.Machines = nil
}

// enterState requires [OtelMachineData.Lock].
func (ot *OtelMachTracer) enterState(
	data *OtelMachineData, state string, tx *am.Transition,
) {
	ot.exitState(data)

	// name group
	nameCtx, ok := data.stateNames[state]
	if !ok {
		// create a new state name group trace, but end it right away
		ctx, span := ot.Tracer.Start(data.stateGroup, state)
		nameCtx = ctx
		data.stateNames[state] = nameCtx
		span.End()
	}

	opts := []trace.SpanStartOption{}
	if tx != nil {
		opts = append(opts, trace.WithAttributes(
			attribute.String("data", am.FormatData(tx.To.Data)),
			attribute.String("from", tx.From.Name),
		))
	}
	ctx, _ := ot.Tracer.Start(nameCtx, state, opts...)
	data.stateInstance = ctx
	data.stateName = state
}

// exitState requires [OtelMachineData.Lock].
func (ot *OtelMachTracer) exitState(data *OtelMachineData) {
	if data.stateInstance == nil {
		return
	}
	trace.SpanFromContext(data.stateInstance).End()
	data.stateInstance = nil
	data.stateName = ""
}

// NewOtelProvider creates a tracer provider exporting spans over OTLP gRPC to
// [addr] (eg "localhost:4317"). Requires Shutdown to be called at the end.
func NewOtelProvider(
	ctx context.Context, service, addr string,
) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(addr),
	)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", NormalizeId(service)))

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// NewOtelLoggerProvider creates a new OpenTelemetry logger provider bound to
// the given exporter.
func NewOtelLoggerProvider(exporter ologsdk.Exporter) *ologsdk.LoggerProvider {
	provider := ologsdk.NewLoggerProvider(
		ologsdk.WithProcessor(ologsdk.NewBatchProcessor(exporter)),
	)

	return provider
}

// BindOtelLogger binds an OpenTelemetry logger to a machine.
func BindOtelLogger(
	mach *am.Machine, provider *ologsdk.LoggerProvider, service string,
) {
	l := provider.Logger(mach.Id())

	amlog := func(level am.LogLevel, msg string, args ...any) {
		r := olog.Record{}
		r.SetTimestamp(time.Now())
		if strings.Contains(msg, "[error") {
			r.SetSeverity(olog.SeverityError)
		} else {
			switch level {

			case am.LogExternal:
				r.SetSeverity(olog.SeverityInfo4)
				r.SetSeverityText(am.LogExternal.String())
			case am.LogChanges:
				r.SetSeverity(olog.SeverityInfo4)
				r.SetSeverityText(am.LogChanges.String())
			case am.LogOps:
				r.SetSeverity(olog.SeverityInfo1)
				r.SetSeverityText(am.LogOps.String())
			case am.LogDecisions:
				r.SetSeverity(olog.SeverityTrace4)
				r.SetSeverityText(am.LogDecisions.String())
			case am.LogEverything:
				r.SetSeverity(olog.SeverityTrace1)
				r.SetSeverityText(am.LogEverything.String())
			default:
			}
		}
		r.SetBody(olog.StringValue(fmt.Sprintf(msg, args...)))

		if service != "" {
			r.AddAttributes(
				olog.String("service.name", service),
			)
		}

		r.AddAttributes(
			olog.String("asyncfsm.id", mach.Id()),
		)

		l.Emit(context.Background(), r)
	}

	mach.SetLogger(amlog)
}
