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
	ledgerMutations   metric.Int64Counter
	insufficientFunds metric.Int64Counter
	documentsIntake   metric.Int64Counter
	documentOutcomes  metric.Int64Counter
	callbacksSkipped  metric.Int64Counter
	dispatchResults   metric.Int64Counter
	subscriptionEvent metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
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
		name = "fiscaldoc"
	}
	meter := provider.Meter(name)

	ledgerMutations, err := meter.Int64Counter("fiscaldoc_ledger_mutations_total")
	if err != nil {
		return nil, err
	}
	insufficientFunds, err := meter.Int64Counter("fiscaldoc_insufficient_funds_total")
	if err != nil {
		return nil, err
	}
	documentsIntake, err := meter.Int64Counter("fiscaldoc_documents_intake_total")
	if err != nil {
		return nil, err
	}
	documentOutcomes, err := meter.Int64Counter("fiscaldoc_document_outcomes_total")
	if err != nil {
		return nil, err
	}
	callbacksSkipped, err := meter.Int64Counter("fiscaldoc_callback_reports_skipped_total")
	if err != nil {
		return nil, err
	}
	dispatchResults, err := meter.Int64Counter("fiscaldoc_dispatch_results_total")
	if err != nil {
		return nil, err
	}
	subscriptionEvent, err := meter.Int64Counter("fiscaldoc_subscription_events_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("fiscaldoc_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerMutations:   ledgerMutations,
		insufficientFunds: insufficientFunds,
		documentsIntake:   documentsIntake,
		documentOutcomes:  documentOutcomes,
		callbacksSkipped:  callbacksSkipped,
		dispatchResults:   dispatchResults,
		subscriptionEvent: subscriptionEvent,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordLedgerMutation counts one wallet mutation by transaction kind.
func (m *Metrics) RecordLedgerMutation(ctx context.Context, kind, ownerType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("owner_type", strings.TrimSpace(ownerType)),
	)
	m.ledgerMutations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInsufficientFunds(ctx context.Context, ownerType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("owner_type", strings.TrimSpace(ownerType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.insufficientFunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDocumentsIntake(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.documentsIntake.Add(ctx, int64(count))
}

// RecordDocumentOutcome counts transitions into a terminal status.
func (m *Metrics) RecordDocumentOutcome(ctx context.Context, status, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("source", strings.TrimSpace(source)),
	)
	m.documentOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCallbackSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.callbacksSkipped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDispatch(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.dispatchResults.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSubscriptionEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.subscriptionEvent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

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
	"kind":        {},
	"owner_type":  {},
	"status":      {},
	"source":      {},
	"result":      {},
	"endpoint":    {},
	"status_code": {},
	"event_type":  {},
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
