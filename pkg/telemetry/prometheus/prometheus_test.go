package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

func TestTransitionsToPrometheus(t *testing.T) {
	// init
	mach := testutils.NewTrafficStarted(t, nil)
	metrics := TransitionsToPrometheus(mach, 0)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Collectors()...)

	// test
	for _, ev := range []string{"NEXT", "NEXT", "UNKNOWN", "BREAK"} {
		require.NoError(t, mach.Send(am.Event{Type: ev}))
	}

	// assert
	// red green yellow off broken
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.StatesAmount))
	// 4 state rules, 1 always, 2 any
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.RulesAmount))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.TransitionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DroppedTotal))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(metrics.StateEntered.WithLabelValues("green")))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(metrics.StateEntered.WithLabelValues("off")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueSize))
	// interval 0 refreshes on every transition, the last one was spontaneous
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SpontaneousAmount))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestPrometheusClose(t *testing.T) {
	// init
	mach := testutils.NewTrafficStarted(t, nil)
	metrics := TransitionsToPrometheus(mach, 0)
	require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))

	// test
	metrics.Close()
	metrics.Close()
	require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))

	// assert
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.StatesAmount))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransitionsTotal))
	assert.Empty(t, mach.Tracers())
}

func TestPrometheusInterval(t *testing.T) {
	// init
	mach := testutils.NewTrafficStarted(t, nil)
	metrics := TransitionsToPrometheus(mach, time.Hour)

	// test
	require.NoError(t, mach.Send(am.Event{Type: "BREAK"}))

	// assert
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SpontaneousAmount),
		"not refreshed yet")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TransitionsTotal))
}
