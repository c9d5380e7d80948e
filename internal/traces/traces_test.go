package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/iliyamo/club-license-service/internal/logging"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "reservation.start", ClubID("club-1"))
	End(span, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "reservation.start", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)
}
