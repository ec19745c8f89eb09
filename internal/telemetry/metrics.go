package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName  = "github.com/remiblancher/autosign-pki"
	tracerName = meterName
)

// Metrics holds the OpenTelemetry instruments of the autosign service.
type Metrics struct {
	// Autosign request metrics
	RequestsTotal   metric.Int64Counter
	RejectionsTotal metric.Int64Counter
	SignDuration    metric.Float64Histogram

	// Token metrics
	TokensIssuedTotal metric.Int64Counter

	// CA metrics
	CRLUpdatesTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments bind to the global meter provider at first use.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RequestsTotal, _ = meter.Int64Counter(
		"autopki.autosign.requests.total",
		metric.WithDescription("Total number of autosign requests by operation and outcome"),
		metric.WithUnit("{request}"),
	)

	m.RejectionsTotal, _ = meter.Int64Counter(
		"autopki.autosign.rejections.total",
		metric.WithDescription("Total number of autosign requests rejected by the validation pipeline"),
		metric.WithUnit("{request}"),
	)

	m.SignDuration, _ = meter.Float64Histogram(
		"autopki.autosign.sign.duration",
		metric.WithDescription("Duration of certificate signing operations"),
		metric.WithUnit("ms"),
	)

	m.TokensIssuedTotal, _ = meter.Int64Counter(
		"autopki.tokens.issued.total",
		metric.WithDescription("Total number of client tokens issued"),
		metric.WithUnit("{token}"),
	)

	m.CRLUpdatesTotal, _ = meter.Int64Counter(
		"autopki.ca.crl_updates.total",
		metric.WithDescription("Total number of CRL regenerations"),
		metric.WithUnit("{crl}"),
	)

	return m
}
