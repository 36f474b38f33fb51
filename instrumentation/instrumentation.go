package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "bank-consent"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	instrumentationScopePrefix = "github.com/giantswarm/bank-consent/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "consentd")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used (zero overhead).
	Enabled bool

	// MeterProvider overrides the SDK meter provider created when Enabled is
	// true. Tests pass a provider backed by a ManualReader here.
	MeterProvider metric.MeterProvider

	// TracerProvider overrides the SDK tracer provider created when Enabled is true.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes.
	// If nil, a resource is created with service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders uses the configured providers or builds SDK providers
// bound to the service resource. SDK providers created here are shut down by
// Shutdown; caller-supplied providers are left to the caller.
func (i *Instrumentation) initializeProviders() {
	if i.config.MeterProvider != nil {
		i.meterProvider = i.config.MeterProvider
	} else {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(i.resource))
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
	} else {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	}
}

// Shutdown gracefully shuts down all instrumentation providers.
// This should be called when the application is terminating.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope.
// Scopes are layer names: "http", "server", "storage", "provider", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observers for the store gauges.
// Stores call this from SetInstrumentation:
//
//	func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
//	    s.instrumentation = inst
//	    _, _ = inst.RegisterStorageSizeCallbacks(
//	        func() int64 { return s.pendingRequests.Load() },
//	        func() int64 { return s.activeGrants.Load() },
//	        func() int64 { return s.retainedGrants.Load() },
//	    )
//	}
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	pendingRequests, activeGrants, retainedGrants StorageSizeCallback,
) (metric.Registration, error) {
	if i.meterProvider == nil {
		return nil, fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	return meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if pendingRequests != nil {
				observer.ObserveInt64(i.metrics.StoragePendingRequests, pendingRequests())
			}
			if activeGrants != nil {
				observer.ObserveInt64(i.metrics.StorageActiveGrants, activeGrants())
			}
			if retainedGrants != nil {
				observer.ObserveInt64(i.metrics.StorageRetainedGrants, retainedGrants())
			}
			return nil
		},
		i.metrics.StoragePendingRequests,
		i.metrics.StorageActiveGrants,
		i.metrics.StorageRetainedGrants,
	)
}
