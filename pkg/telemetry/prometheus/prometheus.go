// Package prometheus provides Prometheus metrics for machines.
// The metrics are collected from the machine's transitions and dropped events.
//
// Exported metrics:
// - states amount
// - rules amount
// - queue size, transition time, spontaneous transitions (averaged)
// - transitions, dropped events, entered states (counters)
package prometheus

// import "github.com/pancsta/asyncfsm/pkg/telemetry/prometheus"

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	am "github.com/pancsta/asyncfsm/pkg/machine"
	"github.com/pancsta/asyncfsm/pkg/telemetry"
)

type promTracer struct {
	am.NoOpTracer

	m *Metrics
}

func (t *promTracer) TransitionEnd(tx *am.Transition) {
	m := t.m
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		return
	}

	m.TransitionsTotal.Inc()
	if tx.Reenters {
		m.StateEntered.WithLabelValues(tx.To.Name).Inc()
	}

	m.queueSize += uint64(tx.QueueLen)
	m.queueSizeLen++
	m.txTime += uint64(time.Since(tx.Start).Microseconds())
	m.txTimeLen++
	if tx.Spontaneous {
		m.spontaneousAmount++
	}

	m.refresh()
}

func (t *promTracer) EventDropped(mach *am.Machine, ev am.Event) {
	m := t.m
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		return
	}

	m.DroppedTotal.Inc()
}

// Metrics is a set of Prometheus metrics for a single machine.
type Metrics struct {
	mx         sync.Mutex
	closed     bool
	lastUpdate time.Time
	interval   time.Duration
	tracer     am.Tracer
	mach       *am.Machine

	// //// mach definition

	// number of states referenced by the definition
	StatesAmount prometheus.Gauge

	// number of rules, including spontaneous and any-state ones
	RulesAmount prometheus.Gauge

	// //// tx data

	// number of queued events (average per transition)
	QueueSize    prometheus.Gauge
	queueSize    uint64
	queueSizeLen uint

	// transition time in microseconds (average per transition)
	TxTime    prometheus.Gauge
	txTime    uint64
	txTimeLen uint

	// number of spontaneous transitions (per interval)
	SpontaneousAmount prometheus.Gauge
	spontaneousAmount uint64

	// //// counters

	// number of all transitions, including internal ones
	TransitionsTotal prometheus.Counter

	// number of events without a matching rule, or sent to a stopped machine
	DroppedTotal prometheus.Counter

	// number of times a state has been entered by a transition
	StateEntered *prometheus.CounterVec
}

func newMetrics(mach *am.Machine, interval time.Duration) *Metrics {
	machID := telemetry.NormalizeId(mach.Id())

	return &Metrics{
		interval:   interval,
		lastUpdate: time.Now(),
		mach:       mach,

		// /// mach definition

		StatesAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "states_amount",
			Help:      "Number of states referenced by the definition",
			Subsystem: machID,
			Namespace: "mach",
		}),
		RulesAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "rules_amount",
			Help:      "Number of transition rules",
			Subsystem: machID,
			Namespace: "mach",
		}),

		// /// tx data

		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "queue_size",
			Help:      "Current number of queued events",
			Subsystem: machID,
			Namespace: "mach",
		}),
		TxTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "tx_time",
			Help:      "Transition time in microseconds",
			Subsystem: machID,
			Namespace: "mach",
		}),
		SpontaneousAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      "spontaneous_amount",
			Help:      "Number of spontaneous transitions",
			Subsystem: machID,
			Namespace: "mach",
		}),

		// /// counters

		TransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "transitions_total",
			Help:      "Number of transitions",
			Subsystem: machID,
			Namespace: "mach",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "dropped_total",
			Help:      "Number of dropped events",
			Subsystem: machID,
			Namespace: "mach",
		}),
		StateEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "state_entered_total",
			Help:      "Number of times a state has been entered",
			Subsystem: machID,
			Namespace: "mach",
		}, []string{"state"}),
	}
}

// Refresh updates averages values from the interval and updates the gauges.
func (m *Metrics) Refresh() {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.refresh()
}

// refresh requires [Metrics.mx].
func (m *Metrics) refresh() {
	if m.closed || m.lastUpdate.Add(m.interval).After(time.Now()) {
		return
	}

	// update the gauges
	m.QueueSize.Set(average(m.queueSize, m.queueSizeLen))
	m.TxTime.Set(average(m.txTime, m.txTimeLen))
	m.SpontaneousAmount.Set(float64(m.spontaneousAmount))

	// reset buffers
	m.queueSize = 0
	m.queueSizeLen = 0
	m.txTime = 0
	m.txTimeLen = 0
	m.spontaneousAmount = 0

	// tag it
	m.lastUpdate = time.Now()
}

// Collectors returns all the metrics, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StatesAmount, m.RulesAmount, m.QueueSize, m.TxTime,
		m.SpontaneousAmount, m.TransitionsTotal, m.DroppedTotal, m.StateEntered,
	}
}

// Close sets all gauges to 0 and unbinds from the machine.
func (m *Metrics) Close() {
	m.mx.Lock()
	defer m.mx.Unlock()

	// close only once
	if m.closed {
		return
	}
	m.closed = true
	m.mach.DetachTracer(m.tracer)

	// set all gauges to 0
	m.StatesAmount.Set(0)
	m.RulesAmount.Set(0)
	m.QueueSize.Set(0)
	m.TxTime.Set(0)
	m.SpontaneousAmount.Set(0)
}

func average(sum uint64, sampleLen uint) float64 {
	if sampleLen == 0 {
		return 0
	}

	return float64(sum / uint64(sampleLen))
}

// TransitionsToPrometheus bind transitions to Prometheus metrics.
func TransitionsToPrometheus(
	mach *am.Machine, interval time.Duration,
) *Metrics {
	metrics := newMetrics(mach, interval)

	// definition
	def := mach.Definition()
	metrics.StatesAmount.Set(float64(len(def.StateNames())))
	metrics.RulesAmount.Set(float64(countRules(def.Config())))

	metrics.tracer = &promTracer{m: metrics}
	mach.BindTracer(metrics.tracer)

	return metrics
}

func countRules(cfg am.Config) int {
	count := 0
	for _, state := range cfg.States {
		for _, rules := range state.On {
			count += len(rules)
		}
		count += len(state.Always)
	}
	for _, rules := range cfg.Any {
		count += len(rules)
	}

	return count
}
