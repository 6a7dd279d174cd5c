package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, "fim-server", "test", Config{}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupLogSpans(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, "fim-server", "test", Config{LogSpans: true, SampleRatio: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(ctx, "startup")
	span.End()
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupRejectsEmptyEndpointScheme(t *testing.T) {
	ctx := context.Background()
	_, err := Setup(ctx, "fim-server", "test", Config{Endpoint: "http://"}, zerolog.Nop())
	require.Error(t, err)
}
