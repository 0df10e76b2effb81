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
	webhookEvents      metric.Int64Counter
	fraudChecks        metric.Int64Counter
	disputeTransitions metric.Int64Counter
	reconMatches       metric.Int64Counter
	discrepancies      metric.Int64Counter
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

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "reckon"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("reckon_webhook_events_total")
	if err != nil {
		return nil, err
	}
	fraudChecks, err := meter.Int64Counter("reckon_fraud_checks_total")
	if err != nil {
		return nil, err
	}
	disputeTransitions, err := meter.Int64Counter("reckon_dispute_transitions_total")
	if err != nil {
		return nil, err
	}
	reconMatches, err := meter.Int64Counter("reckon_recon_matches_total")
	if err != nil {
		return nil, err
	}
	discrepancies, err := meter.Int64Counter("reckon_recon_discrepancies_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:      webhookEvents,
		fraudChecks:        fraudChecks,
		disputeTransitions: disputeTransitions,
		reconMatches:       reconMatches,
		discrepancies:      discrepancies,
	}, nil
}

// RecordWebhookEvent increments webhook delivery counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFraudCheck increments fraud evaluation counts per resulting level.
func (m *Metrics) RecordFraudCheck(ctx context.Context, riskLevel string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("risk_level", strings.TrimSpace(riskLevel)))
	m.fraudChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDisputeTransition increments dispute transition counts.
func (m *Metrics) RecordDisputeTransition(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.disputeTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconMatch increments reconciliation match counts.
func (m *Metrics) RecordReconMatch(ctx context.Context, matchStatus string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("match_status", strings.TrimSpace(matchStatus)))
	m.reconMatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDiscrepancy increments discrepancy counts per severity.
func (m *Metrics) RecordDiscrepancy(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("severity", strings.TrimSpace(severity)))
	m.discrepancies.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"provider":     {},
	"event_type":   {},
	"outcome":      {},
	"risk_level":   {},
	"kind":         {},
	"match_status": {},
	"severity":     {},
	"status_code":  {},
	"endpoint":     {},
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
