package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the authority server's Prometheus instrumentation.
type metrics struct {
	licensesIssued   *prometheus.CounterVec
	licensesRevoked  prometheus.Counter
	revocationChecks *prometheus.CounterVec
	auditChainValid  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		licensesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "licenses_issued_total",
			Help:      "Licenses issued, by tier.",
		}, []string{"tier"}),
		licensesRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "licenses_revoked_total",
			Help:      "Licenses revoked centrally.",
		}),
		revocationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "revocation_checks_total",
			Help:      "Revocation check requests, by outcome.",
		}, []string{"outcome"}),
		auditChainValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "audit_chain_valid",
			Help:      "1 when the last audit chain self-check passed, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.licensesIssued, m.licensesRevoked, m.revocationChecks, m.auditChainValid)
	return m
}
