// Package metrics provides Prometheus metrics for the module supervisor.
package metrics

import (
	"net/http"

	"github.com/invizible/moduled/internal/module"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all moduled metrics.
var Registry = prometheus.NewRegistry()

var allStates = []module.State{
	module.Stopped, module.Starting, module.Running, module.Stopping, module.Restarting,
}

// SupervisorMetrics holds the metrics of the supervisor and its watchdog.
type SupervisorMetrics struct {
	ModuleState      *prometheus.GaugeVec   // 1 for the current state; labels: module, state
	StateTransitions *prometheus.CounterVec // labels: module, from, to
	ModuleDeaths     *prometheus.CounterVec // labels: module
	PortClears       *prometheus.CounterVec // labels: module, result
	LaunchFailures   *prometheus.CounterVec // labels: module

	WatchdogTicks       prometheus.Counter
	WatchdogTickSeconds prometheus.Histogram

	Info *prometheus.GaugeVec // labels: mode, version
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitSupervisorMetrics registers the supervisor metrics and marks every
// module stopped.
func InitSupervisorMetrics(mode module.ExecutionMode, version string) *SupervisorMetrics {
	m := &SupervisorMetrics{
		ModuleState: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "moduled_module_state",
			Help: "Current lifecycle state of each module (1 for the active state)",
		}, []string{"module", "state"}),
		StateTransitions: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "moduled_state_transitions_total",
			Help: "Total module state transitions",
		}, []string{"module", "from", "to"}),
		ModuleDeaths: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "moduled_module_deaths_total",
			Help: "Total unexpected module deaths detected by the watchdog",
		}, []string{"module"}),
		PortClears: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "moduled_port_clears_total",
			Help: "Total attempts to free busy module ports",
		}, []string{"module", "result"}),
		LaunchFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "moduled_launch_failures_total",
			Help: "Total module starts that ended stopped",
		}, []string{"module"}),
		WatchdogTicks: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "moduled_watchdog_ticks_total",
			Help: "Total watchdog reconciliation passes",
		}),
		WatchdogTickSeconds: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "moduled_watchdog_tick_seconds",
			Help:    "Duration of watchdog reconciliation passes",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		Info: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "moduled_info",
			Help: "Supervisor information",
		}, []string{"mode", "version"}),
	}

	for _, mod := range module.All() {
		m.setState(mod, module.Stopped)
	}
	m.Info.WithLabelValues(mode.String(), version).Set(1)
	return m
}

// ObserveTransition records a state change. It matches module.TransitionFunc.
func (m *SupervisorMetrics) ObserveTransition(mod module.Module, from, to module.State) {
	m.StateTransitions.WithLabelValues(mod.String(), from.String(), to.String()).Inc()
	m.setState(mod, to)
}

func (m *SupervisorMetrics) setState(mod module.Module, current module.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ModuleState.WithLabelValues(mod.String(), s.String()).Set(v)
	}
}

// Handler returns an HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
