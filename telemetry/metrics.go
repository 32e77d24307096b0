// Package telemetry provides OpenTelemetry metrics for the chat cache and
// request tagging for the local HTTP server.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/chat-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	cacheLookupsTotal      metric.Int64Counter
	mediaDownloadsTotal    metric.Int64Counter
	mediaDownloadBytes     metric.Int64Counter
	fetchDuration          metric.Float64Histogram
	fetchTotal             metric.Int64Counter
	reaperDeletedTotal     metric.Int64Counter
	reaperDuration         metric.Float64Histogram
	storageUsageBytes      metric.Int64Gauge
	quotaWarningsTotal     metric.Int64Counter
	labelOperationsTotal   metric.Int64Counter
	objectURLsCreatedTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chat-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.requestsTotal, err = meter.Int64Counter(
		"chat_cache_http_requests_total",
		metric.WithDescription("Total number of local HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"chat_cache_http_request_duration_seconds",
		metric.WithDescription("Local HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"chat_cache_lookups_total",
		metric.WithDescription("Cache lookups by cache tier and result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.mediaDownloadsTotal, err = meter.Int64Counter(
		"chat_cache_media_downloads_total",
		metric.WithDescription("Media download-and-cache operations by outcome"),
		metric.WithUnit("{download}"),
	); err != nil {
		return nil, err
	}

	if m.mediaDownloadBytes, err = meter.Int64Counter(
		"chat_cache_media_download_bytes_total",
		metric.WithDescription("Bytes written to the media cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"chat_cache_fetch_duration_seconds",
		metric.WithDescription("Duration of remote object fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.fetchTotal, err = meter.Int64Counter(
		"chat_cache_fetch_total",
		metric.WithDescription("Total remote object fetches by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"chat_cache_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"chat_cache_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.storageUsageBytes, err = meter.Int64Gauge(
		"chat_cache_storage_usage_bytes",
		metric.WithDescription("Estimated storage usage per store"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.quotaWarningsTotal, err = meter.Int64Counter(
		"chat_cache_quota_warnings_total",
		metric.WithDescription("Storage quota warnings raised"),
		metric.WithUnit("{warning}"),
	); err != nil {
		return nil, err
	}

	if m.labelOperationsTotal, err = meter.Int64Counter(
		"chat_cache_label_operations_total",
		metric.WithDescription("Label store operations by op and outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.objectURLsCreatedTotal, err = meter.Int64Counter(
		"chat_cache_object_urls_created_total",
		metric.WithDescription("Local object URLs materialized for cached blobs"),
		metric.WithUnit("{url}"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records local HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	cacheResult := string(CacheBypass)
	endpoint := "unknown"
	if tags := GetTags(r); tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a lookup against a cache tier ("kv", "media", "labels_lru").
func RecordCacheLookup(ctx context.Context, cache string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", string(result)),
	))
}

// RecordMediaDownload records one caller's download-and-cache outcome.
// shared is true when the outcome came from a de-duplicated in-flight download.
func RecordMediaDownload(ctx context.Context, outcome string, shared bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.mediaDownloadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("shared", strconv.FormatBool(shared)),
	))
}

// RecordMediaBytes records bytes written to the media cache.
func RecordMediaBytes(ctx context.Context, bytes int64) {
	if globalMetrics == nil || bytes <= 0 {
		return
	}
	globalMetrics.mediaDownloadBytes.Add(ctx, bytes)
}

// RecordFetch records a remote object fetch.
func RecordFetch(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// reaper is "labels" or "media". Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStorageUsage records the estimated usage of a store and whether it
// crossed the warning threshold.
func RecordStorageUsage(ctx context.Context, store string, bytes int64, exceeded bool) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", store))
	globalMetrics.storageUsageBytes.Record(ctx, bytes, attrs)
	if exceeded {
		globalMetrics.quotaWarningsTotal.Add(ctx, 1, attrs)
	}
}

// RecordLabelOp records a label store operation.
func RecordLabelOp(ctx context.Context, op string, err error) {
	if globalMetrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	globalMetrics.labelOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordObjectURLCreated records a materialized local object URL.
func RecordObjectURLCreated(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.objectURLsCreatedTotal.Add(ctx, 1)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
