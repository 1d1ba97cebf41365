package native

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolayfit/nativeauth/provider"
)

type fakeHost struct {
	clientID     string
	configureErr error
	intent       string
	intentErr    error
	accounts     map[string]string
	accountErr   error
	signOutErr   error
	last         string
	lastErr      error
}

func (f *fakeHost) Configure(clientID string) error {
	f.clientID = clientID
	return f.configureErr
}

func (f *fakeHost) SignInIntent() (string, error) { return f.intent, f.intentErr }

func (f *fakeHost) AccountFromIntent(data string) (string, error) {
	return f.accounts[data], f.accountErr
}

func (f *fakeHost) SignOut() error {
	if f.signOutErr == nil {
		f.last = ""
	}
	return f.signOutErr
}

func (f *fakeHost) LastSignedInAccount() (string, error) { return f.last, f.lastErr }

func TestNew(t *testing.T) {
	host := &fakeHost{}
	_, err := New(host, "web-client")
	require.NoError(t, err)
	assert.Equal(t, "web-client", host.clientID)

	_, err = New(&fakeHost{configureErr: errors.New("bad")}, "web-client")
	assert.Error(t, err)

	_, err = New(nil, "web-client")
	assert.Error(t, err)
}

func TestStartFlow(t *testing.T) {
	p, err := New(&fakeHost{intent: "intent://signin"}, "id")
	require.NoError(t, err)
	intent, err := p.StartFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provider.Intent("intent://signin"), intent)

	p, _ = New(&fakeHost{}, "id")
	_, err = p.StartFlow(context.Background())
	assert.Error(t, err, "empty intent")

	p, _ = New(&fakeHost{intentErr: errors.New("no play services")}, "id")
	_, err = p.StartFlow(context.Background())
	assert.Error(t, err)
}

func TestExtractResult(t *testing.T) {
	host := &fakeHost{accounts: map[string]string{
		"ok":       `{"idToken":"abc","email":"a@b.com"}`,
		"canceled": `{"error":{"statusCode":12501,"message":"user canceled"}}`,
		"dev":      `{"error":{"statusCode":10}}`,
		"weird":    `{"error":"boom"}`,
	}}
	p, err := New(host, "id")
	require.NoError(t, err)
	ctx := context.Background()

	account, err := p.ExtractResult(ctx, provider.Completion{ResultCode: provider.ResultOK, Data: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"idToken":"abc","email":"a@b.com"}`, string(account.Payload))

	tests := []struct {
		name string
		c    provider.Completion
		want *provider.Error
	}{
		{"canceled without data", provider.Completion{ResultCode: provider.ResultCanceled}, &provider.Error{Code: provider.StatusSignInCanceled, Message: "sign-in canceled"}},
		{"ok without data", provider.Completion{ResultCode: provider.ResultOK}, &provider.Error{Code: provider.StatusSignInFailed, Message: "sign-in returned no data"}},
		{"status error", provider.Completion{ResultCode: provider.ResultCanceled, Data: "canceled"}, &provider.Error{Code: provider.StatusSignInCanceled, Message: "user canceled"}},
		{"status without message", provider.Completion{Data: "dev"}, &provider.Error{Code: provider.StatusDeveloperError}},
		{"unrecognized error", provider.Completion{Data: "weird"}, &provider.Error{Code: provider.StatusInternalError, Message: `unrecognized error payload: "boom"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ExtractResult(ctx, tt.c)
			var pe *provider.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe)
		})
	}

	host.accountErr = errors.New("binder died")
	_, err = p.ExtractResult(ctx, provider.Completion{Data: "ok"})
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.StatusInternalError, pe.Code)
}

func TestSignOutAndCachedAccount(t *testing.T) {
	host := &fakeHost{last: `{"idToken":"abc"}`}
	p, err := New(host, "id")
	require.NoError(t, err)
	ctx := context.Background()

	account, err := p.CachedAccount(ctx)
	require.NoError(t, err)
	require.NotNil(t, account)

	require.NoError(t, p.SignOut(ctx))
	account, err = p.CachedAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, account)

	host.signOutErr = errors.New("offline")
	var pe *provider.Error
	require.ErrorAs(t, p.SignOut(ctx), &pe)

	host.lastErr = errors.New("binder died")
	_, err = p.CachedAccount(ctx)
	assert.Error(t, err)
}
