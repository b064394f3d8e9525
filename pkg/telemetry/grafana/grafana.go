// Package grafana generates Grafana dashboards for machines exporting
// Prometheus metrics and Loki logs, and syncs them with a Grafana instance.
package grafana

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/K-Phoen/grabana"
	"github.com/K-Phoen/grabana/dashboard"
	"github.com/K-Phoen/grabana/logs"
	"github.com/K-Phoen/grabana/row"
	"github.com/K-Phoen/grabana/target/prometheus"
	"github.com/K-Phoen/grabana/timeseries"

	am "github.com/pancsta/asyncfsm/pkg/machine"
	"github.com/pancsta/asyncfsm/pkg/telemetry"
)

const (
	EnvGrafanaUrl   = "FSM_GRAFANA_URL"
	EnvGrafanaToken = "FSM_GRAFANA_TOKEN"

	DefaultFolder = "asyncfsm"
)

type Params struct {
	// Ids of machines to include.
	Ids []string
	// Name of the dashboard.
	Name string
	// Source is the service name, used as the Prometheus job.
	Source string
	// Folder in Grafana, DefaultFolder when empty.
	Folder     string
	GrafanaUrl string
	Token      string
}

// GenDashboard generates a dashboard with a row of metrics and a collapsed row
// of logs per machine.
func GenDashboard(p Params) (*dashboard.Builder, error) {
	if len(p.Ids) == 0 {
		return nil, errors.New("no machine IDs")
	}
	var options []dashboard.Option
	source := telemetry.NormalizeId(p.Source)

	for _, id := range p.Ids {
		pId := telemetry.NormalizeId(id)
		metric := func(name string) string {
			return `mach_` + pId + `_` + name + `{job="` + source + `"}`
		}

		options = append(options, dashboard.Row("Mach: "+id,

			row.WithTimeSeries(
				"Transitions",
				timeseries.Span(6),
				timeseries.DataSource("Prometheus"),
				timeseries.WithPrometheusTarget(
					`rate(`+metric("transitions_total")+`[1m])`,
					prometheus.Legend("Transitions per second"),
				),
				timeseries.WithPrometheusTarget(
					`rate(`+metric("dropped_total")+`[1m])`,
					prometheus.Legend("Dropped events per second"),
				),
			),

			row.WithTimeSeries(
				"States entered",
				timeseries.Span(6),
				timeseries.DataSource("Prometheus"),
				timeseries.WithPrometheusTarget(
					`sum by (state) (rate(`+metric("state_entered_total")+`[1m]))`,
					prometheus.Legend("{{state}}"),
				),
			),

			row.WithTimeSeries(
				"Transition details",
				timeseries.Span(12),
				timeseries.DataSource("Prometheus"),
				timeseries.FillOpacity(0),
				timeseries.WithPrometheusTarget(
					metric("tx_time"),
					prometheus.Legend("Avg transition time (us)"),
				),
				timeseries.WithPrometheusTarget(
					metric("queue_size"),
					prometheus.Legend("Avg queue size"),
				),
				timeseries.WithPrometheusTarget(
					metric("spontaneous_amount"),
					prometheus.Legend("Spontaneous transitions"),
				),
			),
		), dashboard.Row(
			"Logs: "+id,
			row.Collapse(),

			row.WithLogs(
				"Logs",
				logs.Span(12),
				logs.Height("800px"),
				logs.DataSource("Loki"),
				logs.WithLokiTarget(
					`{service_name="`+source+`", asyncfsm_id="`+id+`"}`),
			),
		))
	}

	options = append(options,
		dashboard.AutoRefresh("5s"),
		dashboard.Time("now-5m", "now"),
		dashboard.Tags([]string{"generated"}))

	builder, err := dashboard.New(p.Name, options...)
	if err != nil {
		return nil, err
	}

	return &builder, nil
}

// SyncDashboard creates or updates the dashboard in Grafana.
func SyncDashboard(
	ctx context.Context, p Params, builder *dashboard.Builder,
) error {
	if builder == nil {
		return errors.New("missing builder")
	}
	if p.Token == "" {
		return errors.New("missing token")
	}
	if p.GrafanaUrl == "" {
		return errors.New("missing host")
	}
	if p.Folder == "" {
		p.Folder = DefaultFolder
	}

	client := grabana.NewClient(&http.Client{},
		strings.TrimRight(p.GrafanaUrl, "/"), grabana.WithAPIToken(p.Token))

	// create the folder holding the dashboard for the service
	folder, err := client.FindOrCreateFolder(ctx, p.Folder)
	if err != nil {
		return err
	}
	_, err = client.UpsertDashboard(ctx, folder, *builder)

	return err
}

// MachDashboardEnv syncs a dashboard for [mach], based on environment vars:
// - FSM_GRAFANA_URL: the Grafana URL
// - FSM_GRAFANA_TOKEN: the Grafana API token
// - FSM_SERVICE: the service name
//
// Does nothing when any of them is missing.
func MachDashboardEnv(ctx context.Context, mach *am.Machine) error {
	p := Params{
		Ids:        []string{mach.Id()},
		Name:       mach.Id(),
		Source:     os.Getenv(telemetry.EnvService),
		GrafanaUrl: os.Getenv(EnvGrafanaUrl),
		Token:      os.Getenv(EnvGrafanaToken),
	}
	if p.GrafanaUrl == "" || p.Token == "" || p.Source == "" {
		return nil
	}

	b, err := GenDashboard(p)
	if err != nil {
		return err
	}
	mach.Log("[bind] grafana dashboard")

	return SyncDashboard(ctx, p, b)
}
