package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	workflows       metric.Int64Counter
	matches         metric.Int64Counter
	erpPosts        metric.Int64Counter
	extractions     metric.Int64Counter
	communications  metric.Int64Counter
	rateLimitDenied metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "cashup"
	}
	meter := provider.Meter(name)

	workflows, err := meter.Int64Counter("cashup_workflows_total")
	if err != nil {
		return nil, err
	}
	matches, err := meter.Int64Counter("cashup_matches_total")
	if err != nil {
		return nil, err
	}
	erpPosts, err := meter.Int64Counter("cashup_erp_posts_total")
	if err != nil {
		return nil, err
	}
	extractions, err := meter.Int64Counter("cashup_extractions_total")
	if err != nil {
		return nil, err
	}
	communications, err := meter.Int64Counter("cashup_communications_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("cashup_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		workflows:       workflows,
		matches:         matches,
		erpPosts:        erpPosts,
		extractions:     extractions,
		communications:  communications,
		rateLimitDenied: rateLimitDenied,
	}, nil
}

// RecordWorkflow increments completed workflow counts by terminal status.
func (m *Metrics) RecordWorkflow(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.workflows.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMatch increments match outcome counts.
func (m *Metrics) RecordMatch(ctx context.Context, status, discrepancy string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("discrepancy", strings.TrimSpace(discrepancy)),
	)
	m.matches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordERPPost increments ERP application posting counts.
func (m *Metrics) RecordERPPost(ctx context.Context, system, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("system", strings.TrimSpace(system)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.erpPosts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExtraction increments document extraction counts by tier.
func (m *Metrics) RecordExtraction(ctx context.Context, tier, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.extractions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommunication increments outbound communication counts.
func (m *Metrics) RecordCommunication(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.communications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"status":      {},
	"status_code": {},
	"discrepancy": {},
	"system":      {},
	"outcome":     {},
	"tier":        {},
	"kind":        {},
	"step":        {},
	"endpoint":    {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
