// Package metrics exposes readings and the health of the polling loop to
// Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/alepar/aranet/aranet"
)

const program = "aranet4_reporter"

// metrics to expose to Prometheus
var (
	gaugeCo2Level    = newGauge("air_co2_level", "Air Carbon Dioxide level (units: ppm)")
	gaugeTemperature = newGauge("air_temperature", "Air Temperature (units: degrees Celsius)")
	gaugeHumidity    = newGauge("air_humidity", "Humidity (units: % of relative Humidity)")
	gaugeAtmPressure = newGauge("air_atm_pressure", "Atmospheric Pressure (units: hPa)")
	gaugeLastSuccess = newGauge("aranet_last_success_timestamp_seconds", "Unix time of the last successful reading")

	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aranet_read_attempts_total",
			Help: "Reading attempts by result (success, failure, timeout)",
		},
		[]string{"device_id", "result"},
	)
	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aranet_read_duration_seconds",
			Help:    "Wall time of one bounded reading attempt",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"device_id"},
	)
	reportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aranet_report_failures_total",
			Help: "Readings that could not be delivered to a reporting sink",
		},
		[]string{"device_id"},
	)
	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aranet_alerts_total",
			Help: "Failure alerts by outcome (sent, suppressed, failed)",
		},
		[]string{"device_id", "outcome"},
	)
	adapterResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aranet_adapter_resets_total",
			Help: "Adapter resets after consecutive failures",
		},
		[]string{"device_id"},
	)
)

func newGauge(name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		[]string{"device_id"},
	)
}

func init() {
	prometheus.MustRegister(gaugeCo2Level)
	prometheus.MustRegister(gaugeTemperature)
	prometheus.MustRegister(gaugeHumidity)
	prometheus.MustRegister(gaugeAtmPressure)
	prometheus.MustRegister(gaugeLastSuccess)
	prometheus.MustRegister(attempts)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(reportFailures)
	prometheus.MustRegister(alerts)
	prometheus.MustRegister(adapterResets)

	// Add Go module build info.
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
	prometheus.MustRegister(versioncollector.NewCollector(program))
}

func ObserveReading(deviceID string, r aranet.Reading) {
	gaugeCo2Level.WithLabelValues(deviceID).Set(float64(r.CO2))
	gaugeTemperature.WithLabelValues(deviceID).Set(r.Temperature)
	gaugeHumidity.WithLabelValues(deviceID).Set(float64(r.Humidity))
	gaugeAtmPressure.WithLabelValues(deviceID).Set(r.Pressure)
	gaugeLastSuccess.WithLabelValues(deviceID).Set(float64(r.Timestamp.Unix()))
}

// ObserveAttempt records one attempt; result is success, failure or timeout.
func ObserveAttempt(deviceID, result string, seconds float64) {
	attempts.WithLabelValues(deviceID, result).Inc()
	attemptDuration.WithLabelValues(deviceID).Observe(seconds)
}

func ReportFailed(deviceID string) {
	reportFailures.WithLabelValues(deviceID).Inc()
}

func Alert(deviceID, outcome string) {
	alerts.WithLabelValues(deviceID, outcome).Inc()
}

func AdapterReset(deviceID string) {
	adapterResets.WithLabelValues(deviceID).Inc()
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}

// NewMeterProvider returns an OpenTelemetry meter provider whose instruments
// (otelhttp's client metrics among them) are collected through reg.
func NewMeterProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create otel prometheus exporter")
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

// Serve exposes the registered metrics on addr until ctx is done. A failure to
// listen is returned, not fatal.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = srv.Close()
		case <-stopped:
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "metrics server on %s", addr)
	}
	return nil
}
