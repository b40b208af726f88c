// Package telemetry wires up the Prometheus + OpenTelemetry exporters
// and the resolver's metric set.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"
)

const serviceName = "dnsgate"

// Telemetry holds the meter provider and the metrics HTTP endpoint.
type Telemetry struct {
	cfg           *config.TelemetryConfig
	meterProvider metric.MeterProvider
	server        *http.Server
	logger        *logging.Logger
}

// Metrics holds the resolver's instruments.
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueriesByType    metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	BlockedQueries   metric.Int64Counter
	Whitelisted      metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	ActiveQueries    metric.Int64UpDownCounter
}

// New creates a telemetry instance. Disabled telemetry still hands
// out working no-op instruments.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	t := &Telemetry{
		cfg:           cfg,
		meterProvider: provider,
		logger:        logger,
	}
	t.startServer()

	logger.Info("Telemetry initialized", "listen", cfg.ListenAddr)
	return t, nil
}

// startServer serves /metrics on the configured address.
func (t *Telemetry) startServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.server = &http.Server{
		Addr:              t.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// InitMetrics creates the instrument set.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(serviceName)

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesByType, err := meter.Int64Counter(
		"dns.queries.by_type",
		metric.WithDescription("DNS queries by record type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries by type counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("Query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"dns.cache.hits",
		metric.WithDescription("Responses served from cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"dns.cache.misses",
		metric.WithDescription("Queries that missed the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	blocked, err := meter.Int64Counter(
		"dns.queries.blocked",
		metric.WithDescription("Queries denied by policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked counter: %w", err)
	}

	whitelisted, err := meter.Int64Counter(
		"dns.queries.whitelisted",
		metric.WithDescription("Queries passed by the allowlist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create whitelisted counter: %w", err)
	}

	upstreamFailures, err := meter.Int64Counter(
		"dns.upstream.failures",
		metric.WithDescription("Failed upstream dispatches"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream failures counter: %w", err)
	}

	active, err := meter.Int64UpDownCounter(
		"dns.queries.active",
		metric.WithDescription("Queries currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active queries gauge: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		QueriesByType:    queriesByType,
		QueryDuration:    queryDuration,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		BlockedQueries:   blocked,
		Whitelisted:      whitelisted,
		UpstreamFailures: upstreamFailures,
		ActiveQueries:    active,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown stops the metrics endpoint and flushes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

// RecordQuery counts one received query, tagged with its type.
func (m *Metrics) RecordQuery(ctx context.Context, qtype string) {
	if m == nil {
		return
	}
	m.QueriesTotal.Add(ctx, 1)
	if qtype != "" {
		m.QueriesByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtype)))
	}
}

// RecordDuration records one query's processing time.
func (m *Metrics) RecordDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// AddActive adjusts the in-flight query gauge.
func (m *Metrics) AddActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveQueries.Add(ctx, delta)
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordBlocked counts one denied query.
func (m *Metrics) RecordBlocked(ctx context.Context, qtype string) {
	if m == nil {
		return
	}
	if qtype == "" {
		m.BlockedQueries.Add(ctx, 1)
		return
	}
	m.BlockedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtype)))
}

// RecordWhitelisted counts one allowlist pass.
func (m *Metrics) RecordWhitelisted(ctx context.Context, qtype string) {
	if m == nil {
		return
	}
	if qtype == "" {
		m.Whitelisted.Add(ctx, 1)
		return
	}
	m.Whitelisted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtype)))
}

// RecordUpstreamFailure counts one failed dispatch.
func (m *Metrics) RecordUpstreamFailure(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	if provider == "" {
		m.UpstreamFailures.Add(ctx, 1)
		return
	}
	m.UpstreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
