package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	storeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certledger_store_total",
			Help: "Certificate record writes by result",
		},
		[]string{"result"},
	)
	resolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certledger_resolve_total",
			Help: "Certificate verifications by outcome",
		},
		[]string{"outcome"},
	)
	storeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "certledger_store_duration_seconds",
			Help:    "Time from submission to confirmation or failure of a record write",
			Buckets: []float64{1, 5, 15, 30, 60, 90, 120, 180},
		},
	)
	unsettledSubmissions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certledger_unsettled_submissions",
			Help: "Submissions still pending or timed out awaiting reconciliation",
		},
	)
	issuanceActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certledger_issuance_active",
			Help: "1 when issuance is enabled, 0 when stopped by the kill switch",
		},
	)
)

// ObserveStore records the result of a ledger write.
func ObserveStore(result string, seconds float64) {
	storeTotal.WithLabelValues(result).Inc()
	storeDuration.Observe(seconds)
}

// ObserveResolve records a verification outcome.
func ObserveResolve(outcome string) {
	resolveTotal.WithLabelValues(outcome).Inc()
}

// SetIssuanceActive mirrors the kill switch state.
func SetIssuanceActive(active bool) {
	if active {
		issuanceActive.Set(1)
		return
	}
	issuanceActive.Set(0)
}

// WireUpHttpMetrics exposes /metrics on mux.
func WireUpHttpMetrics(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
}
