package grafana

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	"github.com/pancsta/asyncfsm/pkg/telemetry"
)

func TestGenDashboard(t *testing.T) {
	// test
	b, err := GenDashboard(Params{
		Ids:    []string{"Lights-1", "timer"},
		Name:   "lights",
		Source: "My Service",
	})
	require.NoError(t, err)
	j, err := b.MarshalJSON()
	require.NoError(t, err)

	// assert
	out := string(j)
	assert.Contains(t, out, "mach_lights_1_transitions_total")
	assert.Contains(t, out, `job=\"my_service\"`)
	assert.Contains(t, out, "mach_timer_state_entered_total")
	assert.Contains(t, out, `asyncfsm_id=\"Lights-1\"`)
	assert.Contains(t, out, "Logs: timer")
}

func TestGenDashboardNoIds(t *testing.T) {
	_, err := GenDashboard(Params{Name: "empty"})
	assert.Error(t, err)
}

func TestSyncDashboardParams(t *testing.T) {
	ctx := context.Background()
	b, err := GenDashboard(Params{Ids: []string{"a"}, Name: "a"})
	require.NoError(t, err)

	assert.ErrorContains(t, SyncDashboard(ctx, Params{}, nil), "builder")
	assert.ErrorContains(t, SyncDashboard(ctx, Params{}, b), "token")
	assert.ErrorContains(t,
		SyncDashboard(ctx, Params{Token: "secret"}, b), "host")
}

func TestMachDashboardEnvEmpty(t *testing.T) {
	t.Setenv(EnvGrafanaUrl, "")
	t.Setenv(telemetry.EnvService, "")
	mach := testutils.NewTraffic(t, nil)

	assert.NoError(t, MachDashboardEnv(context.Background(), mach))
}
