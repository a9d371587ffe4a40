// Package telemetry provides OpenTelemetry metrics for psyduckd.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	PSYDUCKD_OTEL_ENABLED=true   enable metrics (default: off)
//	PSYDUCKD_OTEL_STDOUT=true    write metrics to stdout (dev mode)
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/psyduckv2/psyduckd"

var shutdownFns []func(context.Context) error

// Counters must be usable before (or without) Init, e.g. in tests.
func init() {
	otel.SetMeterProvider(metricnoop.NewMeterProvider())
	_ = initInstruments()
}

// Enabled reports whether telemetry is active (PSYDUCKD_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("PSYDUCKD_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When PSYDUCKD_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return initInstruments()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if os.Getenv("PSYDUCKD_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return initInstruments()
}

// Shutdown flushes and stops all providers.
func Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range shutdownFns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	shutdownFns = nil
	return firstErr
}

// Instruments used across the pipeline. They are no-ops when telemetry is
// disabled, so call sites never gate on Enabled().
var (
	EventsAccepted    metric.Int64Counter
	EventsDropped     metric.Int64Counter
	RowsFlushed       metric.Int64Counter
	MalformedRows     metric.Int64Counter
	FlushRetries      metric.Int64Counter
	PartitionsCreated metric.Int64Counter
	PartitionsDropped metric.Int64Counter
)

func initInstruments() error {
	meter := otel.Meter(instrumentationScope)

	var err error
	if EventsAccepted, err = meter.Int64Counter("psyduckd.events.accepted"); err != nil {
		return err
	}
	if EventsDropped, err = meter.Int64Counter("psyduckd.events.dropped"); err != nil {
		return err
	}
	if RowsFlushed, err = meter.Int64Counter("psyduckd.rows.flushed"); err != nil {
		return err
	}
	if MalformedRows, err = meter.Int64Counter("psyduckd.rows.malformed"); err != nil {
		return err
	}
	if FlushRetries, err = meter.Int64Counter("psyduckd.flush.retries"); err != nil {
		return err
	}
	if PartitionsCreated, err = meter.Int64Counter("psyduckd.partitions.created"); err != nil {
		return err
	}
	if PartitionsDropped, err = meter.Int64Counter("psyduckd.partitions.dropped"); err != nil {
		return err
	}
	return nil
}
