package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockagent"

// Registry holds every lockagent collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// SupervisionState is 1 for the current supervision state, 0 otherwise.
	SupervisionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervision_state",
			Help:      "Current supervision state of the control module (1 for the active state).",
		},
		[]string{"state"},
	)

	// ModuleRestarts counts relaunches after a crash or a module swap.
	ModuleRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_restarts_total",
			Help:      "Number of control module relaunches.",
		},
		[]string{"reason"}, // crash, swap, demote
	)

	// FetchAttempts counts candidate downloads by outcome.
	FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Remote control module fetch attempts by result.",
		},
		[]string{"result"}, // ok, fetch_failed, invalid
	)

	// FetchDuration observes single candidate attempts.
	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single candidate download and validation.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ActiveModule is 1 for the source of the active control module.
	ActiveModule = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_module",
			Help:      "Source of the active control module (1 for the active source).",
		},
		[]string{"source"},
	)

	// ConnectivityState is 1 for the current connectivity mode.
	ConnectivityState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_state",
			Help:      "Current connectivity mode (1 for the active mode).",
		},
		[]string{"state"},
	)

	// ProbeFailures counts failed probe rounds.
	ProbeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Number of probe rounds in which no target answered.",
		},
	)

	// ProvisioningAttempts counts credential submissions by outcome.
	ProvisioningAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_attempts_total",
			Help:      "Captive portal credential submissions by result.",
		},
		[]string{"result"}, // connected, rejected, busy
	)

	// SyncTotal counts revision syncs by outcome.
	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Deployment synchronizations by mode and result.",
		},
		[]string{"mode", "result"}, // mode: clone, update
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SupervisionState,
		ModuleRestarts,
		FetchAttempts,
		FetchDuration,
		ActiveModule,
		ConnectivityState,
		ProbeFailures,
		ProvisioningAttempts,
		SyncTotal,
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// SetState sets the gauge for current to 1 and every other state to 0.
func SetState(g *prometheus.GaugeVec, current string, all ...string) {
	for _, s := range all {
		if s == current {
			g.WithLabelValues(s).Set(1)
		} else {
			g.WithLabelValues(s).Set(0)
		}
	}
}
