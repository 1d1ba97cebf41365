// Package handshake mediates between a caller and an out-of-process sign-in flow. It launches
// the external flow, correlates its asynchronous completion back to the caller that started it
// and normalizes the provider's result into an Outcome.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kolayfit/nativeauth/common/reporting"
	"github.com/kolayfit/nativeauth/config"
	"github.com/kolayfit/nativeauth/events"
	"github.com/kolayfit/nativeauth/provider"
	"github.com/kolayfit/nativeauth/traces"
)

const tracerName = "github.com/kolayfit/nativeauth/handshake"

// Options configures an Adapter.
type Options struct {
	// ClientID is the identity provider client identifier. Required.
	ClientID string
	// RequestCode is the correlation token attached to launched flows. Defaults to
	// DefaultRequestCode.
	RequestCode int
	Policy      Policy
	Logger      *slog.Logger
}

// Adapter runs sign-in handshakes against a provider SDK. It is safe for concurrent use.
type Adapter struct {
	sdk        provider.SDK
	launcher   provider.Launcher
	correlator *Correlator
	log        *slog.Logger
}

var _ provider.CompletionSink = (*Adapter)(nil)

// New creates an Adapter. It fails with an INVALID_CONFIG error if the client id is missing or
// malformed.
func New(opts Options, sdk provider.SDK, launcher provider.Launcher) (*Adapter, error) {
	if err := config.ValidateClientID(opts.ClientID); err != nil {
		return nil, &Error{Code: CodeInvalidConfig, Message: err.Error(), Err: err}
	}
	if sdk == nil || launcher == nil {
		return nil, &Error{Code: CodeInvalidConfig, Message: "provider SDK and launcher are required"}
	}
	if opts.RequestCode == 0 {
		opts.RequestCode = DefaultRequestCode
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Adapter{
		sdk:        sdk,
		launcher:   launcher,
		correlator: NewCorrelator(opts.RequestCode, opts.Policy),
		log:        opts.Logger,
	}, nil
}

// RequestCode returns the correlation token this adapter tags its flows with.
func (a *Adapter) RequestCode() int {
	return a.correlator.Token()
}

// Pending reports whether a sign-in is outstanding.
func (a *Adapter) Pending() bool {
	return a.correlator.Pending()
}

// SignIn starts the external sign-in flow. It returns once the flow has been handed off; the
// outcome is delivered to caller later, when the host reports the completion through
// OnExternalCompletion. If SignIn returns an error nothing is delivered to caller.
func (a *Adapter) SignIn(ctx context.Context, caller Caller) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sign_in")
	defer span.End()

	gen, displaced, err := a.correlator.begin(caller)
	if err != nil {
		a.log.Debug("Rejecting sign-in, another request is pending")
		return traces.RecordError(ctx, err)
	}
	if displaced {
		a.log.Debug("Pending sign-in superseded")
		events.Emit(SignInCompleted{Status: StatusSuperseded})
	}

	intent, err := a.sdk.StartFlow(ctx)
	if err == nil {
		err = a.launcher.Launch(ctx, intent, a.correlator.Token())
	}
	if err != nil {
		a.correlator.release(gen)
		a.log.Error("Failed to launch sign-in flow", "error", err)
		return traces.RecordError(ctx, providerUnavailable(err))
	}
	a.log.Debug("Sign-in flow launched", "requestCode", a.correlator.Token())
	return nil
}

// OnExternalCompletion handles a completion signal from the host. Signals whose request code
// does not match the pending request are dropped without consulting the provider. It reports
// whether an outcome was delivered.
func (a *Adapter) OnExternalCompletion(ctx context.Context, requestCode int, c provider.Completion) bool {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "on_external_completion")
	defer span.End()
	span.SetAttributes(attribute.Int("request_code", requestCode), attribute.Int("result_code", c.ResultCode))

	gen, ok := a.correlator.match(requestCode)
	if !ok {
		a.log.Debug("Dropping unroutable completion", "requestCode", requestCode)
		return false
	}

	outcome := Normalize(a.extract(ctx, c))
	// the outcome belongs to the request pending when the signal arrived, not to one begun
	// while the provider was extracting
	if !a.correlator.completeGen(gen, outcome) {
		a.log.Debug("Dropping completion, request no longer pending", "requestCode", requestCode)
		return false
	}

	evt := SignInCompleted{}
	switch o := outcome.(type) {
	case Success:
		evt.Success = true
		a.log.Info("Sign-in succeeded")
	case Failure:
		evt.Status = o.Code
		span.SetAttributes(attribute.Int("failure_code", o.Code))
		a.log.Info("Sign-in failed", "code", o.Code, "message", o.Message)
	}
	events.Emit(evt)
	return true
}

// extract calls the provider, converting a panic into an error so the completion path always
// produces an outcome.
func (a *Adapter) extract(ctx context.Context, c provider.Completion) (raw RawResult) {
	defer func() {
		if r := recover(); r != nil {
			raw = RawResult{Err: Failure{Code: StatusInternal, Message: reporting.Recovered(r)}}
		}
	}()
	account, err := a.sdk.ExtractResult(ctx, c)
	return RawResult{Account: account, Err: err}
}

// Cancel abandons the pending sign-in, delivering Failure{Code: StatusCanceled}. A completion
// that arrives later is dropped.
func (a *Adapter) Cancel() bool {
	canceled := a.correlator.Cancel()
	if canceled {
		a.log.Debug("Pending sign-in canceled")
		events.Emit(SignInCompleted{Status: StatusCanceled})
	}
	return canceled
}

// SignOut asks the provider to forget its cached identity. It does not affect a pending
// sign-in.
func (a *Adapter) SignOut(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sign_out")
	defer span.End()

	if err := a.sdk.SignOut(ctx); err != nil {
		a.log.Error("Sign-out failed", "error", err)
		e := &Error{Code: CodeProviderError, Message: err.Error(), Err: err}
		var pe *provider.Error
		if errors.As(err, &pe) {
			e.Status = pe.Code
		}
		return traces.RecordError(ctx, e)
	}
	events.Emit(SignedOut{})
	return nil
}

// IsSignedIn reports whether the provider currently caches an identity.
func (a *Adapter) IsSignedIn(ctx context.Context) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "is_signed_in")
	defer span.End()

	account, err := a.sdk.CachedAccount(ctx)
	if err != nil {
		return false, traces.RecordError(ctx, providerUnavailable(fmt.Errorf("query cached account: %w", err)))
	}
	return account != nil, nil
}
