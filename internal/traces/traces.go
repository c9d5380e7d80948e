// Package traces configures OpenTelemetry tracing for the license service.
package traces

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iliyamo/club-license-service"

// Init installs an OTLP/gRPC tracer provider.  With an empty endpoint the
// global no-op provider stays in place.  The returned function flushes and
// shuts the provider down.
func Init(ctx context.Context, otlpEndpoint string, log logrus.FieldLogger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		log.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("club-license-service")))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.WithField("endpoint", otlpEndpoint).Info("tracing enabled")
	return tp.Shutdown, nil
}

// StartSpan starts a span named name on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func ClubID(id string) attribute.KeyValue        { return attribute.String("club.id", id) }
func SellerID(id string) attribute.KeyValue      { return attribute.String("seller.id", id) }
func ReservationID(id string) attribute.KeyValue { return attribute.String("reservation.id", id) }
func SaleID(id string) attribute.KeyValue        { return attribute.String("sale.id", id) }
func EventID(id string) attribute.KeyValue       { return attribute.String("event.id", id) }
func Provider(name string) attribute.KeyValue    { return attribute.String("payment.provider", name) }
