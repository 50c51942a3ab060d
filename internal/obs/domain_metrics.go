package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts intent and hosted-session creation outcomes.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentConfirmTotal counts confirmation outcomes by backend.
	PaymentConfirmTotal *prometheus.CounterVec
	// PaymentConfirmLatency records processor confirm latency in milliseconds.
	PaymentConfirmLatency *prometheus.HistogramVec
	// PaymentWebhookTotal counts inbound processor events by type and result.
	PaymentWebhookTotal *prometheus.CounterVec
	// SimulationFallbackTotal counts upstream failures absorbed by simulation.
	SimulationFallbackTotal *prometheus.CounterVec
	// ProcessorTokenRefreshTotal counts processor login calls.
	ProcessorTokenRefreshTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers payment collectors. It is
// safe to call more than once; only the first call registers.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent creation outcomes.",
		}, []string{"backend", "flow", "result"}))
		PaymentConfirmTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_confirm_total",
			Help:      "Count of payment confirmation outcomes.",
		}, []string{"backend", "outcome"}))
		PaymentConfirmLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_confirm_duration_ms",
			Help:      "Latency of confirmation calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"backend"}))
		PaymentWebhookTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"type", "result"}))
		SimulationFallbackTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_simulation_fallback_total",
			Help:      "Upstream failures replaced by a simulated result.",
		}, []string{"operation"}))
		ProcessorTokenRefreshTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_token_refresh_total",
			Help:      "Processor login calls by result.",
		}, []string{"result"}))
	})
}

// CountIntent increments PaymentIntentTotal when domain metrics are registered.
func CountIntent(backend, flow, result string) {
	if PaymentIntentTotal != nil {
		PaymentIntentTotal.WithLabelValues(backend, flow, result).Inc()
	}
}

// CountConfirm increments PaymentConfirmTotal when domain metrics are registered.
func CountConfirm(backend, outcome string) {
	if PaymentConfirmTotal != nil {
		PaymentConfirmTotal.WithLabelValues(backend, outcome).Inc()
	}
}

// ObserveConfirm records confirm latency in milliseconds.
func ObserveConfirm(backend string, ms float64) {
	if PaymentConfirmLatency != nil {
		PaymentConfirmLatency.WithLabelValues(backend).Observe(ms)
	}
}

// CountWebhook increments PaymentWebhookTotal when domain metrics are registered.
func CountWebhook(eventType, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(eventType, result).Inc()
	}
}

// CountFallback increments SimulationFallbackTotal when domain metrics are registered.
func CountFallback(operation string) {
	if SimulationFallbackTotal != nil {
		SimulationFallbackTotal.WithLabelValues(operation).Inc()
	}
}

// CountTokenRefresh increments ProcessorTokenRefreshTotal when domain metrics are registered.
func CountTokenRefresh(result string) {
	if ProcessorTokenRefreshTotal != nil {
		ProcessorTokenRefreshTotal.WithLabelValues(result).Inc()
	}
}
