// Package metrics exposes Prometheus counters for the sign-in flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Callback and refresh outcomes used as the "result" label.
const (
	ResultSuccess         = "success"
	ResultProviderError   = "provider_error"
	ResultMissingParams   = "missing_params"
	ResultStateMismatch   = "state_mismatch"
	ResultMissingVerifier = "missing_verifier"
	ResultStateStore      = "state_store_error"
	ResultExchange        = "exchange_error"
	ResultIDToken         = "id_token_error"
	ResultUserInfo        = "userinfo_error"
	ResultUserStore       = "user_store_error"
	ResultSession         = "session_error"
	ResultNoSession       = "no_session"
	ResultRefresh         = "refresh_error"
)

// Metrics holds the auth counters. A nil *Metrics records nothing.
type Metrics struct {
	LoginsStarted    prometheus.Counter
	Callbacks        *prometheus.CounterVec
	Refreshes        *prometheus.CounterVec
	Logouts          prometheus.Counter
	ProviderDuration *prometheus.HistogramVec
}

// New registers the counters with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoginsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "tripalbum_auth_logins_started_total",
			Help: "Authorization redirects issued",
		}),
		Callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tripalbum_auth_callbacks_total",
			Help: "OAuth callbacks handled, by result",
		}, []string{"result"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tripalbum_auth_refreshes_total",
			Help: "Access token refreshes, by result",
		}, []string{"result"}),
		Logouts: f.NewCounter(prometheus.CounterOpts{
			Name: "tripalbum_auth_logouts_total",
			Help: "Sessions destroyed by logout",
		}),
		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripalbum_auth_provider_request_duration_seconds",
			Help:    "Duration of identity provider calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"call"}),
	}
}

func (m *Metrics) LoginStarted() {
	if m == nil {
		return
	}
	m.LoginsStarted.Inc()
}

func (m *Metrics) Callback(result string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Logout() {
	if m == nil {
		return
	}
	m.Logouts.Inc()
}

// ObserveProvider records the duration of a provider call started at start.
func (m *Metrics) ObserveProvider(call string, start time.Time) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
