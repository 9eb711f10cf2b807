package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshTotal       *prometheus.CounterVec
	rotationTotal      *prometheus.CounterVec
	tokenExpirySeconds prometheus.Gauge
	vaultStatus        prometheus.Gauge

	metricsOnce sync.Once
)

// Metrics records credential lifecycle metrics. The zero value is unusable;
// call InitMetrics first. A nil *Metrics is safe to call, so metrics stay
// optional for one-shot CLI invocations.
type Metrics struct{}

// InitMetrics registers all Prometheus metrics. Registration happens once
// regardless of how many times this is called.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		refreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gdrive_vault_refresh_total",
				Help: "Total number of token refresh attempts by result",
			},
			[]string{"result"},
		)

		rotationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gdrive_vault_rotation_total",
				Help: "Total number of key rotation operations by result",
			},
			[]string{"result"},
		)

		tokenExpirySeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gdrive_vault_token_expiry_seconds",
				Help: "Seconds until the stored access token expires",
			},
		)

		vaultStatus = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gdrive_vault_status",
				Help: "Vault health (2=healthy, 1=degraded, 0=unhealthy)",
			},
		)
	})
	return &Metrics{}
}

// RecordRefresh counts a refresh attempt outcome.
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	refreshTotal.WithLabelValues(result).Inc()
}

// RecordRotation counts a rotation outcome.
func (m *Metrics) RecordRotation(result string) {
	if m == nil {
		return
	}
	rotationTotal.WithLabelValues(result).Inc()
}

// SetTokenExpiry publishes the remaining token lifetime.
func (m *Metrics) SetTokenExpiry(seconds float64) {
	if m == nil {
		return
	}
	tokenExpirySeconds.Set(seconds)
}

// SetStatus publishes the overall vault status.
func (m *Metrics) SetStatus(s Status) {
	if m == nil {
		return
	}
	switch s {
	case StatusHealthy:
		vaultStatus.Set(2)
	case StatusDegraded:
		vaultStatus.Set(1)
	default:
		vaultStatus.Set(0)
	}
}
