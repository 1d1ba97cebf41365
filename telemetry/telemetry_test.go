package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kolayfit/nativeauth/events"
	"github.com/kolayfit/nativeauth/handshake"
)

func TestInitWithoutEndpoint(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}, "test"))
	assert.Nil(t, shutdownOTEL)
	assert.NoError(t, Close(context.Background()))
}

func TestInitWithEndpoint(t *testing.T) {
	// exporters connect lazily, so no collector is needed
	cfg := Config{Endpoint: "127.0.0.1:4317", Insecure: true, TracesSampleRate: 1, MetricsInterval: time.Hour}
	require.NoError(t, Init(context.Background(), cfg, "test"))
	assert.NotNil(t, shutdownOTEL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = Close(ctx)
	assert.Nil(t, shutdownOTEL)
}

func TestRecordOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	defer otel.SetMeterProvider(prev)

	stop := RecordOutcomes()
	defer stop()

	events.Emit(handshake.SignInCompleted{Success: true})
	events.Emit(handshake.SignInCompleted{Status: handshake.StatusCanceled})
	events.Emit(handshake.SignedOut{})

	counts := func() map[string]int64 {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		out := make(map[string]int64)
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						out[m.Name] += dp.Value
					}
				}
			}
		}
		return out
	}
	require.Eventually(t, func() bool {
		c := counts()
		return c["nativeauth.sign_in.completed"] == 2 && c["nativeauth.sign_out"] == 1
	}, time.Second, 10*time.Millisecond)
}
