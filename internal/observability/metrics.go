package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics covers HTTP traffic and the render job lifecycle. A nil *Metrics
// records nothing.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	StartsTotal       metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
	DispatchFailures  metric.Int64Counter
	JobsCompleted     metric.Int64Counter
	JobsFailed        metric.Int64Counter
	FinalizeTotal     metric.Int64Counter
	ReaperMarked      metric.Int64Counter
	ReaperSweepLength metric.Float64Histogram
}

// NewMetrics registers instruments on a private Prometheus registry and
// returns the scrape handler for it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("render-orchestrator")
	m := &Metrics{}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.StartsTotal, err = meter.Int64Counter(
		"render_starts_total",
		metric.WithDescription("Render start requests by outcome (accepted, duplicate, rejected, dispatch_failed)"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatchDuration, err = meter.Float64Histogram(
		"render_dispatch_duration_seconds",
		metric.WithDescription("Time spent submitting a job to the render fleet"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatchFailures, err = meter.Int64Counter(
		"render_dispatch_failures_total",
		metric.WithDescription("Fleet submissions that failed, by error code"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsCompleted, err = meter.Int64Counter(
		"render_jobs_completed_total",
		metric.WithDescription("Jobs that reached completed"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsFailed, err = meter.Int64Counter(
		"render_jobs_failed_total",
		metric.WithDescription("Jobs that reached failed, by error code"),
	); err != nil {
		return nil, nil, err
	}
	if m.FinalizeTotal, err = meter.Int64Counter(
		"render_finalize_total",
		metric.WithDescription("Output finalization attempts by result"),
	); err != nil {
		return nil, nil, err
	}
	if m.ReaperMarked, err = meter.Int64Counter(
		"reaper_marked_stuck_total",
		metric.WithDescription("Jobs the reaper moved to failed"),
	); err != nil {
		return nil, nil, err
	}
	if m.ReaperSweepLength, err = meter.Float64Histogram(
		"reaper_sweep_duration_seconds",
		metric.WithDescription("Reaper sweep duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordStart(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.StartsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordDispatch(ctx context.Context, d time.Duration, code string) {
	if m == nil {
		return
	}
	result := "ok"
	if code != "" {
		result = "error"
		m.DispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
	m.DispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsCompleted.Add(ctx, 1)
}

func (m *Metrics) RecordFailed(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) RecordFinalize(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordSweep(ctx context.Context, lockMode string, marked int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("lock_mode", lockMode))
	m.ReaperMarked.Add(ctx, int64(marked), attrs)
	m.ReaperSweepLength.Record(ctx, d.Seconds(), attrs)
}
