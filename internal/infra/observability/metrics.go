package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the session BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	reloadDuration prometheus.Histogram
	sessionEvents  *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	roleSwitches   *prometheus.CounterVec
	patchConflicts *prometheus.CounterVec
	staleDiscards  prometheus.Counter
	activeSessions prometheus.Gauge
	externalErrors *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		reloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_reload_duration_seconds",
			Help:    "Duration of account + profile reloads.",
			Buckets: prometheus.DefBuckets,
		}),
		sessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_events_total",
				Help: "Identity service lifecycle events handled.",
			},
			[]string{"kind"},
		),
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_resolutions_total",
				Help: "Resolution passes by resulting active role.",
			},
			[]string{"active_role", "needs_setup"},
		),
		fetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_fetch_errors_total",
				Help: "Failed account/profile reads.",
			},
			[]string{"record"},
		),
		roleSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_role_switches_total",
				Help: "Role switch attempts by outcome.",
			},
			[]string{"outcome"},
		),
		patchConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_patch_conflicts_total",
				Help: "Local profile edits that disagreed with the server on reload.",
			},
			[]string{"resolution"},
		),
		staleDiscards: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_stale_fetches_total",
			Help: "Fetch results dropped because the principal changed or a newer fetch landed.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "session_controllers_active",
			Help: "Device session controllers currently held in memory.",
		}),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
	}
}

// RecordReload records the duration of a reload.
func (m *Metrics) RecordReload(d time.Duration) {
	m.reloadDuration.Observe(d.Seconds())
}

// IncrEvent counts a handled session event.
func (m *Metrics) IncrEvent(kind string) {
	m.sessionEvents.WithLabelValues(kind).Inc()
}

// IncrResolution counts a resolution result.
func (m *Metrics) IncrResolution(activeRole string, needsSetup bool) {
	setup := "false"
	if needsSetup {
		setup = "true"
	}
	m.resolutions.WithLabelValues(activeRole, setup).Inc()
}

// IncrFetchError counts a failed read of record ("account", "client", "service_provider").
func (m *Metrics) IncrFetchError(record string) {
	m.fetchErrors.WithLabelValues(record).Inc()
}

// IncrRoleSwitch counts a role switch outcome.
func (m *Metrics) IncrRoleSwitch(outcome string) {
	m.roleSwitches.WithLabelValues(outcome).Inc()
}

// IncrPatchConflict counts a reconciled patch conflict.
func (m *Metrics) IncrPatchConflict(resolution string) {
	m.patchConflicts.WithLabelValues(resolution).Inc()
}

// IncrStaleDiscard counts a dropped fetch result.
func (m *Metrics) IncrStaleDiscard() {
	m.staleDiscards.Inc()
}

// SetActiveSessions sets the number of live controllers.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// SessionSnapshot is a JSON-friendly view of the session counters.
type SessionSnapshot struct {
	Events        map[string]float64 `json:"events"`
	RoleSwitches  map[string]float64 `json:"roleSwitches"`
	FetchErrors   map[string]float64 `json:"fetchErrors"`
	StaleDiscards float64            `json:"staleDiscards"`
}

// Snapshot returns the current counter values suitable for GET /v1/metrics/session.
func (m *Metrics) Snapshot() *SessionSnapshot {
	snap := &SessionSnapshot{
		Events:       map[string]float64{},
		RoleSwitches: map[string]float64{},
		FetchErrors:  map[string]float64{},
	}
	for _, k := range []string{"signed_in", "token_refreshed", "user_updated", "signed_out"} {
		snap.Events[k] = getCounterValue(m.sessionEvents, k)
	}
	for _, o := range []string{"ok", "noop", "persist_failed", "rolled_back"} {
		snap.RoleSwitches[o] = getCounterValue(m.roleSwitches, o)
	}
	for _, r := range []string{"account", "client", "service_provider"} {
		snap.FetchErrors[r] = getCounterValue(m.fetchErrors, r)
	}
	snap.StaleDiscards = metricValue(m.staleDiscards)
	return snap
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return metricValue(cv.WithLabelValues(label))
}

func metricValue(c prometheus.Metric) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
