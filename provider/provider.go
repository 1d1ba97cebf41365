// Package provider defines the boundary between the handshake adapter and an external identity
// provider. Nothing in this package knows which vendor sits behind the interfaces.
package provider

import (
	"context"
	"fmt"
)

// Status codes reported by identity providers. The values follow the Google Sign-In status codes
// so native SDK errors pass through unchanged; other providers map onto the closest one.
const (
	StatusNetworkError   = 7
	StatusInternalError  = 8
	StatusDeveloperError = 10
	StatusSignInFailed   = 12500
	StatusSignInCanceled = 12501
)

// Activity result codes as delivered by Android hosts.
const (
	ResultOK       = -1
	ResultCanceled = 0
)

// Intent is an opaque handle for the external flow: a platform intent reference or an
// authorization URL. Only the Launcher interprets it.
type Intent string

// Completion is a raw completion signal delivered by the host when an external flow finishes.
type Completion struct {
	ResultCode int
	// Data is opaque to everything except the SDK that started the flow.
	Data string
}

// Account is a provider-specific success payload, JSON encoded.
type Account struct {
	Payload []byte
}

// Error is a provider failure carrying the provider's status code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error %d", e.Code)
	}
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// SDK is the shape of an identity provider SDK.
type SDK interface {
	// StartFlow prepares the external sign-in flow and returns the intent that launches it.
	StartFlow(ctx context.Context) (Intent, error)
	// ExtractResult turns a completion signal into an account, or an error (usually *Error).
	ExtractResult(ctx context.Context, c Completion) (*Account, error)
	// SignOut clears the identity cached by the provider.
	SignOut(ctx context.Context) error
	// CachedAccount returns the identity currently cached by the provider, or nil.
	CachedAccount(ctx context.Context) (*Account, error)
}

// Launcher hands an intent to the surface that runs the external flow (an activity, a
// browser). The completion comes back later through a CompletionSink tagged with requestCode.
type Launcher interface {
	Launch(ctx context.Context, intent Intent, requestCode int) error
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, intent Intent, requestCode int) error

func (f LauncherFunc) Launch(ctx context.Context, intent Intent, requestCode int) error {
	return f(ctx, intent, requestCode)
}

// CompletionSink receives completion signals. It reports whether the signal was routed to a
// pending request.
type CompletionSink interface {
	OnExternalCompletion(ctx context.Context, requestCode int, c Completion) bool
}
