package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the presence service instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Connections      metric.Int64UpDownCounter
	Messages         metric.Int64Counter
	Broadcasts       metric.Int64Counter
	Evictions        metric.Int64Counter
	DroppedFrames    metric.Int64Counter
	HTTPRequestCount metric.Int64Counter
}

var (
	AttrMessageType = attribute.Key("presence.message_type")
	AttrReason      = attribute.Key("presence.reason")
)

// InitMetrics creates the instruments on the given provider.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("presenced")
	m := &Metrics{}

	var err error
	m.Connections, err = meter.Int64UpDownCounter(
		"presence.connections",
		metric.WithDescription("Live WebSocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.Messages, err = meter.Int64Counter(
		"presence.messages",
		metric.WithDescription("Inbound protocol messages by type"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	m.Broadcasts, err = meter.Int64Counter(
		"presence.broadcasts",
		metric.WithDescription("Channel snapshots fanned out"),
		metric.WithUnit("{broadcast}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcasts counter: %w", err)
	}

	m.Evictions, err = meter.Int64Counter(
		"presence.evictions",
		metric.WithDescription("Presence records removed by the reaper"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	m.DroppedFrames, err = meter.Int64Counter(
		"presence.dropped_frames",
		metric.WithDescription("Outbound frames skipped because the connection was full or closed"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped frames counter: %w", err)
	}

	m.HTTPRequestCount, err = meter.Int64Counter(
		"http.server.request_count",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) ConnOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, 1)
}

func (m *Metrics) ConnClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, -1)
}

func (m *Metrics) Message(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.Messages.Add(ctx, 1, metric.WithAttributes(AttrMessageType.String(msgType)))
}

func (m *Metrics) Broadcast(ctx context.Context) {
	if m == nil {
		return
	}
	m.Broadcasts.Add(ctx, 1)
}

func (m *Metrics) Evicted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.Add(ctx, int64(n))
}

func (m *Metrics) Dropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

// initMeterProvider builds a meter provider for the configured exporter.
func initMeterProvider(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "otlp":
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}
