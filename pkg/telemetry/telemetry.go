// Package telemetry provides telemetry exporters for machines: Loki and
// OpenTelemetry. Prometheus lives in a sub package.
package telemetry

import (
	"os"
	"regexp"
	"strings"

	"github.com/ic2hrmk/promtail"

	am "github.com/pancsta/asyncfsm/pkg/machine"
)

const (
	EnvService   = "FSM_SERVICE"
	EnvLokiAddr  = "FSM_LOKI_ADDR"
	// EnvOtelTrace is the address of an OTLP gRPC collector.
	EnvOtelTrace = "FSM_OTEL_TRACE"
	// EnvOtelTraceTxs enables transition spans, next to state spans.
	EnvOtelTraceTxs = "FSM_OTEL_TRACE_TXS"
)

// BindLokiLogger redirects the machine's log to a promtail client. The
// machine's ID becomes a label, instead of a prefix.
func BindLokiLogger(mach *am.Machine, client promtail.Client) {
	labels := map[string]string{
		"asyncfsm_id": mach.Id(),
	}
	mach.SetLogId(false)

	amlog := func(level am.LogLevel, msg string, args ...any) {
		if strings.HasPrefix(msg, "[error") {
			client.LogfWithLabels(promtail.Error, labels, msg, args...)
		} else {
			switch level {

			case am.LogExternal:
				client.LogfWithLabels(promtail.Info, labels, msg, args...)
			case am.LogChanges:
				client.LogfWithLabels(promtail.Info, labels, msg, args...)
			case am.LogOps:
				client.LogfWithLabels(promtail.Info, labels, msg, args...)
			case am.LogDecisions:
				client.LogfWithLabels(promtail.Debug, labels, msg, args...)
			case am.LogEverything:
				client.LogfWithLabels(promtail.Debug, labels, msg, args...)
			default:
			}
		}
	}

	mach.SetLogger(amlog)
	mach.Log("[bind] loki logger")
}

// everything else than a-z and _
var normalizeRegexp = regexp.MustCompile("[^a-z_0-9]+")

// NormalizeId returns a label-safe version of a machine or service ID.
func NormalizeId(id string) string {
	return normalizeRegexp.ReplaceAllString(strings.ToLower(id), "_")
}

// BindLokiEnv binds a Loki logger to [mach], based on environment vars:
// - FSM_SERVICE (required)
// - FSM_LOKI_ADDR (required)
//
// Returns a nil client when the env is incomplete. The client has to be closed
// by the caller, once the machine stops.
func BindLokiEnv(mach *am.Machine) (promtail.Client, error) {
	service := os.Getenv(EnvService)
	addr := os.Getenv(EnvLokiAddr)
	if service == "" || addr == "" {
		return nil, nil
	}

	// init promtail and bind the logger
	identifiers := map[string]string{
		"service_name": NormalizeId(service),
	}
	pt, err := promtail.NewJSONv1Client(addr, identifiers)
	if err != nil {
		return nil, err
	}
	BindLokiLogger(mach, pt)

	return pt, nil
}
