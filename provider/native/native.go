// Package native implements provider.SDK on top of a platform sign-in SDK exposed by the host
// application through a gomobile binding.
package native

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/kolayfit/nativeauth/provider"
)

// SDK is implemented by the host application. It wraps the platform sign-in client and only
// uses types gomobile can bind. Account values are JSON documents in whatever shape the
// platform produces.
type SDK interface {
	// Configure requests an ID token for the given web client id.
	Configure(clientID string) error
	// SignInIntent returns a reference to the platform intent that starts the sign-in UI.
	SignInIntent() (string, error)
	// AccountFromIntent resolves the data returned by the sign-in activity into an account.
	// Provider failures are reported as {"error":{"statusCode":N,"message":"..."}}.
	AccountFromIntent(data string) (string, error)
	SignOut() error
	// LastSignedInAccount returns the cached account, or an empty string.
	LastSignedInAccount() (string, error)
}

// Provider adapts a host SDK to provider.SDK.
type Provider struct {
	sdk SDK

	// host SDKs are not guaranteed to be thread safe
	mu sync.Mutex
}

var _ provider.SDK = (*Provider)(nil)

// New configures sdk for clientID and returns a Provider wrapping it.
func New(sdk SDK, clientID string) (*Provider, error) {
	if sdk == nil {
		return nil, errors.New("host SDK is nil")
	}
	if err := sdk.Configure(clientID); err != nil {
		return nil, fmt.Errorf("configure host SDK: %w", err)
	}
	return &Provider{sdk: sdk}, nil
}

func (p *Provider) StartFlow(ctx context.Context) (provider.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, err := p.sdk.SignInIntent()
	if err != nil {
		return "", fmt.Errorf("get sign-in intent: %w", err)
	}
	if intent == "" {
		return "", errors.New("host SDK returned an empty sign-in intent")
	}
	return provider.Intent(intent), nil
}

func (p *Provider) ExtractResult(ctx context.Context, c provider.Completion) (*provider.Account, error) {
	if c.Data == "" {
		if c.ResultCode == provider.ResultCanceled {
			return nil, &provider.Error{Code: provider.StatusSignInCanceled, Message: "sign-in canceled"}
		}
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "sign-in returned no data"}
	}

	p.mu.Lock()
	payload, err := p.sdk.AccountFromIntent(c.Data)
	p.mu.Unlock()
	if err != nil {
		return nil, &provider.Error{Code: provider.StatusInternalError, Message: err.Error()}
	}
	if perr := statusError(payload); perr != nil {
		return nil, perr
	}
	return &provider.Account{Payload: []byte(payload)}, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.sdk.SignOut(); err != nil {
		return &provider.Error{Code: provider.StatusInternalError, Message: err.Error()}
	}
	return nil
}

func (p *Provider) CachedAccount(ctx context.Context) (*provider.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload, err := p.sdk.LastSignedInAccount()
	if err != nil {
		return nil, fmt.Errorf("get last signed-in account: %w", err)
	}
	if payload == "" || gjson.Get(payload, "error").Exists() {
		return nil, nil
	}
	return &provider.Account{Payload: []byte(payload)}, nil
}

// statusError returns the provider error encoded in payload, if any.
func statusError(payload string) *provider.Error {
	if !gjson.Valid(payload) {
		return nil
	}
	e := gjson.Get(payload, "error")
	if !e.Exists() {
		return nil
	}
	code := e.Get("statusCode")
	if code.Type != gjson.Number {
		return &provider.Error{Code: provider.StatusInternalError, Message: "unrecognized error payload: " + e.Raw}
	}
	return &provider.Error{Code: int(code.Int()), Message: e.Get("message").String()}
}
