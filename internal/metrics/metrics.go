// Package metrics exposes Prometheus instrumentation for the auth service.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Auth holds the auth counters. A nil *Auth records nothing.
type Auth struct {
	Operations   *prometheus.CounterVec
	EmailFailure *prometheus.CounterVec
	TokenReuse   prometheus.Counter
	ResetsPurged prometheus.Counter
}

// NewAuth creates the auth collectors and registers them with reg.
func NewAuth(reg prometheus.Registerer) *Auth {
	m := &Auth{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finassist_auth_operations_total",
				Help: "Auth operations by name and outcome",
			},
			[]string{"operation", "outcome"},
		),
		EmailFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finassist_auth_email_failures_total",
				Help: "Transactional emails that could not be delivered",
			},
			[]string{"template"},
		),
		TokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finassist_auth_refresh_reuse_total",
			Help: "Refresh tokens presented after rotation",
		}),
		ResetsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finassist_auth_resets_purged_total",
			Help: "Expired or used password reset requests removed",
		}),
	}
	reg.MustRegister(m.Operations, m.EmailFailure, m.TokenReuse, m.ResetsPurged)
	return m
}

// Observe counts one operation. err decides the outcome label.
func (m *Auth) Observe(operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

// EmailFailed counts an undeliverable email.
func (m *Auth) EmailFailed(template string) {
	if m == nil {
		return
	}
	m.EmailFailure.WithLabelValues(template).Inc()
}

// RefreshReused counts a rejected rotated refresh token.
func (m *Auth) RefreshReused() {
	if m == nil {
		return
	}
	m.TokenReuse.Inc()
}

// Purged adds n removed reset requests.
func (m *Auth) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ResetsPurged.Add(float64(n))
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
}
