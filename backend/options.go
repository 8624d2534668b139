package backend

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowstate-io/flowstate/backend/converter"
	"github.com/flowstate-io/flowstate/backend/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Converter is the converter used for serializing and deserializing task
	// payloads and results outside of the store, e.g. by the worker. If not
	// explicitly set, converter.DefaultConverter is used.
	Converter converter.Converter

	// Clock is the time source for lease expiry checks and all timestamps
	// the backend writes. Swap in a mock clock to test lease behavior
	// without sleeping.
	Clock clock.Clock

	// LockTimeout is the default lease duration for external tasks claimed
	// without an explicit expiry, e.g. through the worker. If a task is not
	// finished or its lease extended within this timeframe, it is considered
	// abandoned and another worker may claim it.
	LockTimeout time.Duration
}

var DefaultOptions Options = Options{
	LockTimeout: time.Minute * 2,

	Logger:         slog.Default(),
	Metrics:        metrics.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
	Converter:      converter.DefaultConverter,
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithConverter(converter converter.Converter) BackendOption {
	return func(o *Options) {
		o.Converter = converter
	}
}

func WithClock(clock clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = clock
	}
}

func WithLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.LockTimeout = timeout
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return options
}
