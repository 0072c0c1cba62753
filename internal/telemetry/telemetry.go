// Package telemetry exposes the service's OpenTelemetry counters. With no
// OTLP endpoint configured the instruments still work but nothing is exported.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/CiscoSE/serverless-cmx/internal/model"
)

const meterName = "github.com/CiscoSE/serverless-cmx"

// Config configures metric export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
	// Reader, when set, is registered in addition to any OTLP exporter.
	Reader sdkmetric.Reader
}

// Provider owns the meter provider and the service's instruments.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	claims       metric.Int64Counter
	envelopes    metric.Int64Counter
	observations metric.Int64Counter
	lookups      metric.Int64Counter
	effects      metric.Int64Counter
}

// New builds the meter provider and registers it globally.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "serverless-cmx"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Interval),
		)))
	}
	if cfg.Reader != nil {
		opts = append(opts, sdkmetric.WithReader(cfg.Reader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	p := &Provider{meterProvider: mp, logger: logger}
	if err := p.initInstruments(mp.Meter(meterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	logger.Info("telemetry initialized", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error

	p.claims, err = meter.Int64Counter("cmx.ingress.claims",
		metric.WithDescription("Webhook posts checked against the shared secret"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return err
	}

	p.envelopes, err = meter.Int64Counter("cmx.pipeline.envelopes",
		metric.WithDescription("Scanning envelopes routed, by kind"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}

	p.observations, err = meter.Int64Counter("cmx.pipeline.observations",
		metric.WithDescription("Observations carried by routed envelopes"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		return err
	}

	p.lookups, err = meter.Int64Counter("cmx.matcher.lookups",
		metric.WithDescription("Customer lookups, by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	p.effects, err = meter.Int64Counter("cmx.effects.finished",
		metric.WithDescription("Side effects reaching a terminal state"),
		metric.WithUnit("{effect}"),
	)
	return err
}

// RecordClaim counts one inbound webhook claim.
func (p *Provider) RecordClaim(ctx context.Context, accepted bool) {
	p.claims.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}

// EnvelopeRouted counts a routed envelope and its observations.
func (p *Provider) EnvelopeRouted(ctx context.Context, kind model.Kind, observations int) {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	p.envelopes.Add(ctx, 1, attrs)
	p.observations.Add(ctx, int64(observations), attrs)
}

// CustomerMatched counts one lookup by whether it found a customer.
func (p *Provider) CustomerMatched(ctx context.Context, matches int) {
	outcome := "miss"
	switch {
	case matches == 1:
		outcome = "hit"
	case matches > 1:
		outcome = "multiple"
	}
	p.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// EffectFinished counts a finished side effect.
func (p *Provider) EffectFinished(ctx context.Context, name string, err error) {
	p.effects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("effect", name),
		attribute.Bool("failed", err != nil),
	))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.Error("failed to shutdown meter provider", "error", err)
		return err
	}
	return nil
}
