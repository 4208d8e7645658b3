// Package metrics exposes the controller's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all controller metrics.
type Registry struct {
	// Control-plane sessions
	SessionsActive   prometheus.Gauge
	SessionsRejected *prometheus.CounterVec
	AuthFailures     prometheus.Counter

	// Heartbeats
	HeartbeatsTotal *prometheus.CounterVec
	DHCPRequests    *prometheus.CounterVec

	// Configuration
	ConfigVersion   prometheus.Gauge
	CompileDuration prometheus.Histogram
	DevicesCompiled prometheus.Gauge

	// Profile cache
	ProfileFetches   *prometheus.CounterVec
	ProfilesCached   prometheus.Gauge
	RefreshSweeps    prometheus.Counter
	RefreshFailures  prometheus.Counter

	// Identify call-out
	IdentifyCalls *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_sessions_active",
		Help: "Currently served enforcer RPC channels",
	})

	r.SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_sessions_rejected_total",
		Help: "Connections dropped before RPC dispatch",
	}, []string{"reason"})

	r.AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_auth_failures_total",
		Help: "TLS handshakes rejected for certificate failures",
	})

	r.HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_heartbeats_total",
		Help: "Heartbeat calls by outcome",
	}, []string{"result"})

	r.DHCPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_dhcp_requests_total",
		Help: "Device sightings forwarded by enforcers",
	}, []string{"result"})

	r.ConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_config_version",
		Help: "Current firewall configuration version",
	})

	r.CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "controller_config_compile_duration_seconds",
		Help:    "Time to assemble a full enforcer configuration",
		Buckets: prometheus.DefBuckets,
	})

	r.DevicesCompiled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_devices_compiled",
		Help: "Devices included in the last assembled configuration",
	})

	r.ProfileFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_profile_fetches_total",
		Help: "Profile document fetches by outcome",
	}, []string{"result"})

	r.ProfilesCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_profiles_cached",
		Help: "Usage profiles currently persisted",
	})

	r.RefreshSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_profile_refresh_sweeps_total",
		Help: "Completed expiration refresh sweeps",
	})

	r.RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_profile_refresh_failures_total",
		Help: "Profile refreshes that failed and kept the stale row",
	})

	r.IdentifyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_identify_calls_total",
		Help: "Identification-service calls by outcome",
	}, []string{"op", "result"})

	return r
}

// RecordHeartbeat records one heartbeat call. current is true when the
// caller's version matched and no config was assembled.
func (r *Registry) RecordHeartbeat(current bool) {
	if current {
		r.HeartbeatsTotal.WithLabelValues("current").Inc()
	} else {
		r.HeartbeatsTotal.WithLabelValues("updated").Inc()
	}
}

// RecordCompile records a full configuration assembly.
func (r *Registry) RecordCompile(devices int, duration time.Duration) {
	r.CompileDuration.Observe(duration.Seconds())
	r.DevicesCompiled.Set(float64(devices))
}

// Serve exposes /metrics on addr. Blocks; run on its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
