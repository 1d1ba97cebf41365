package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kolayfit/nativeauth/events"
	"github.com/kolayfit/nativeauth/handshake"
)

const meterName = "github.com/kolayfit/nativeauth/telemetry"

// RecordOutcomes counts sign-in outcomes and sign-outs on the global meter provider until the
// returned function is called.
func RecordOutcomes() (stop func()) {
	meter := otel.Meter(meterName)
	completed, err := meter.Int64Counter("nativeauth.sign_in.completed",
		metric.WithDescription("Sign-in attempts that reached a terminal outcome"))
	if err != nil {
		slog.Warn("failed to create nativeauth.sign_in.completed metric", slog.Any("error", err))
		completed = noop.Int64Counter{}
	}
	signedOut, err := meter.Int64Counter("nativeauth.sign_out",
		metric.WithDescription("Successful sign-outs"))
	if err != nil {
		slog.Warn("failed to create nativeauth.sign_out metric", slog.Any("error", err))
		signedOut = noop.Int64Counter{}
	}

	completedSub := events.Subscribe(func(evt handshake.SignInCompleted) {
		completed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.Bool("success", evt.Success),
			attribute.Int("status", evt.Status),
		))
	})
	signedOutSub := events.Subscribe(func(evt handshake.SignedOut) {
		signedOut.Add(context.Background(), 1)
	})
	return func() {
		events.Unsubscribe(completedSub)
		events.Unsubscribe(signedOutSub)
	}
}
