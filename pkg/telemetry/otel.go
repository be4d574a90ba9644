package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServiceName is the service.name reported on every span.
const ServiceName = "polis-token"

// Resource attribute keys describing what this sidecar instance mutates.
const (
	AttrProxyTool  = attribute.Key("polis_token.proxy.tool")
	AttrScopeTools = attribute.Key("polis_token.scope.tools")
	AttrFormHost   = attribute.Key("polis_token.form.host")
)

const (
	exportDialTimeout = 10 * time.Second
	exportBatchSize   = 100
	exportBatchDelay  = 5 * time.Second
)

// Config selects the trace exporter and the identity attached to it.
type Config struct {
	Endpoint string
	Insecure bool

	Version    string
	InstanceID string
	// ProxyTool is the tool proxy traffic is attributed to. Empty when the
	// proxy is disabled.
	ProxyTool  string
	ScopeTools []string
	FormURL    string
}

// ResourceAttributes returns the resource attributes for cfg. A missing
// InstanceID is replaced with a random one. Only the host of FormURL is
// reported since its query may carry session data.
func ResourceAttributes(cfg Config) []attribute.KeyValue {
	id := cfg.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(ServiceName),
		semconv.ServiceInstanceID(id),
	}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.ProxyTool != "" {
		attrs = append(attrs, AttrProxyTool.String(cfg.ProxyTool))
	}
	if len(cfg.ScopeTools) > 0 {
		tools := slices.Clone(cfg.ScopeTools)
		slices.Sort(tools)
		attrs = append(attrs, AttrScopeTools.StringSlice(slices.Compact(tools)))
	}
	if u, err := url.Parse(cfg.FormURL); err == nil && u.Host != "" {
		attrs = append(attrs, AttrFormHost.String(u.Host))
	}
	return attrs
}

// SetupProvider installs the global tracer provider when an endpoint is
// configured. The returned function flushes pending spans and must be called
// on shutdown.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(
			grpc.WithReturnConnectionError(), //nolint:staticcheck // surfaces dial errors without grpc.WithBlock
		),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	dialCtx, cancel := context.WithTimeout(ctx, exportDialTimeout)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(ResourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(exportBatchSize),
			sdktrace.WithBatchTimeout(exportBatchDelay),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
