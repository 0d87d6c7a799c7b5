package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "order-api"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	require.False(t, span.SpanContext().IsValid())
}

func TestInit_WithEndpoint(t *testing.T) {
	// the exporter connects lazily, so no collector is needed to build it
	shutdown, err := Init(context.Background(), Config{ServiceName: "order-api", Endpoint: "http://127.0.0.1:4318"})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
