package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds OTel providers and the presence instruments.
type Telemetry struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        *Metrics
	shutdownOnce   sync.Once
}

// Init initializes OpenTelemetry with the given configuration and returns
// the telemetry handle plus a cleanup function.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if !cfg.ShouldEnable() {
		return &Telemetry{config: cfg}, func() {}, nil
	}

	tel := &Telemetry{config: cfg}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := initMeterProvider(ctx, cfg)
		if err != nil {
			if tel.tracerProvider != nil {
				_ = tel.tracerProvider.Shutdown(ctx)
			}
			return nil, nil, err
		}
		tel.meterProvider = mp
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.metrics = metrics
	}

	return tel, tel.Cleanup, nil
}

// NewWithMeterProvider wraps an existing meter provider. Used by tests
// that collect through a manual reader.
func NewWithMeterProvider(mp *sdkmetric.MeterProvider) (*Telemetry, error) {
	metrics, err := InitMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Telemetry{config: NewConfig(), meterProvider: mp, metrics: metrics}, nil
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t != nil && t.tracerProvider != nil {
		return t.tracerProvider
	}
	return noop.NewTracerProvider()
}

// MeterProvider returns the meter provider (or the global one if disabled).
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t != nil && t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Metrics returns the metric instruments (or nil if disabled).
func (t *Telemetry) Metrics() *Metrics {
	if t == nil {
		return nil
	}
	return t.metrics
}

// Shutdown flushes and closes all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.shutdownOnce.Do(func() {
		if t.tracerProvider != nil {
			if err := t.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if t.meterProvider != nil {
			if err := t.meterProvider.ForceFlush(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := t.meterProvider.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

const shutdownTimeout = 5 * time.Second
