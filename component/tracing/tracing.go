// Package tracing wires up the OpenTelemetry SDK: trace and log exporters
// over OTLP/HTTP, and the http.RoundTripper wrapper every outbound FHIR
// client transport is built on, so every component's calls carry spans
// and its logs carry trace correlation without each component repeating
// the setup.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuts-foundation/mcsd-federation/component"
)

var _ component.Lifecycle = &Component{}

// Config controls whether tracing/log export is enabled and where it is
// sent. ServiceVersion is filled in by cmd.Start from status.Version()
// rather than configured, since it must always match the running binary.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	ServiceName    string `koanf:"servicename"`
	ServiceVersion string `koanf:"-"`
	OTLPEndpoint   string `koanf:"otlpendpoint"`
	Insecure       bool   `koanf:"insecure"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "mcsd-federation",
		Insecure:    true,
	}
}

// Component starts and stops the OTel SDK's trace and log providers.
type Component struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	defaultLogger  *slog.Logger
}

func New(config Config) *Component {
	return &Component{config: config}
}

func (c *Component) RegisterHttpHandlers(publicMux, internalMux *http.ServeMux) {
}

func (c *Component) Start() error {
	if !c.config.Enabled {
		return nil
	}

	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(c.config.ServiceName),
			semconv.ServiceVersion(c.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("build OTel resource: %w", err)
	}

	traceExporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.config.OTLPEndpoint)}
	logExporterOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(c.config.OTLPEndpoint)}
	if c.config.Insecure {
		traceExporterOpts = append(traceExporterOpts, otlptracehttp.WithInsecure())
		logExporterOpts = append(logExporterOpts, otlploghttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceExporterOpts...)
	if err != nil {
		return fmt.Errorf("build OTLP trace exporter: %w", err)
	}
	c.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(c.tracerProvider)

	logExporter, err := otlploghttp.New(ctx, logExporterOpts...)
	if err != nil {
		return fmt.Errorf("build OTLP log exporter: %w", err)
	}
	c.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	c.defaultLogger = slog.Default()
	slog.SetDefault(slog.New(otelslog.NewHandler(c.config.ServiceName, otelslog.WithLoggerProvider(c.loggerProvider))))

	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if c.defaultLogger != nil {
		slog.SetDefault(c.defaultLogger)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var firstErr error
	if c.loggerProvider != nil {
		if err := c.loggerProvider.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown OTel log provider: %w", err)
		}
	}
	if c.tracerProvider != nil {
		if err := c.tracerProvider.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown OTel trace provider: %w", err)
		}
	}
	return firstErr
}

// WrapTransport wraps base (http.DefaultTransport when nil) with OTel
// HTTP client instrumentation, so every outbound FHIR call produces a
// span. Every directory-facing http.Client in this system is built on
// top of this wrapper.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// NewHTTPClient returns a plain (no OAuth2, no mTLS) *http.Client with
// tracing instrumentation, used for directories that require neither.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: WrapTransport(nil)}
}

// Tracer returns a named tracer from the global trace provider, for
// components that want to start their own spans.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
