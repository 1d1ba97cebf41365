package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/kolayfit/nativeauth/internal"
	"github.com/kolayfit/nativeauth/provider"
)

const testRequestCode = 9001

// fakeIdP serves the token and revoke endpoints.
type fakeIdP struct {
	*httptest.Server

	mu        sync.Mutex
	challenge string
	revoked   []string
	revokeErr bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	idp := &fakeIdP{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		idp.mu.Lock()
		challenge := idp.challenge
		idp.mu.Unlock()
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if r.PostForm.Get("code") != "good-code" || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-token","refresh_token":"refresh-token","token_type":"Bearer","expires_in":3600,"id_token":"id-token"}`))
	})
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		idp.mu.Lock()
		defer idp.mu.Unlock()
		idp.revoked = append(idp.revoked, r.PostForm.Get("token"))
		if idp.revokeErr {
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)
	return idp
}

func (idp *fakeIdP) revokedTokens() []string {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return append([]string(nil), idp.revoked...)
}

func (idp *fakeIdP) config() Config {
	return Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{
			AuthURL:   idp.URL + "/auth",
			TokenURL:  idp.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RevokeURL: idp.URL + "/revoke",
		Logger:    internal.NoOpLogger(),
	}
}

type chanSink struct {
	completions chan provider.Completion
}

func newChanSink() *chanSink {
	return &chanSink{completions: make(chan provider.Completion, 4)}
}

func (s *chanSink) OnExternalCompletion(ctx context.Context, requestCode int, c provider.Completion) bool {
	if requestCode != testRequestCode {
		return false
	}
	s.completions <- c
	return true
}

func (s *chanSink) next(t *testing.T) provider.Completion {
	t.Helper()
	select {
	case c := <-s.completions:
		return c
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no completion delivered")
		return provider.Completion{}
	}
}

// startFlow starts a flow and returns the parsed authorization URL parameters.
func startFlow(t *testing.T, p *Provider, idp *fakeIdP) url.Values {
	t.Helper()
	intent, err := p.StartFlow(context.Background())
	require.NoError(t, err)
	u, err := url.Parse(string(intent))
	require.NoError(t, err)
	q := u.Query()
	idp.mu.Lock()
	idp.challenge = q.Get("code_challenge")
	idp.mu.Unlock()
	return q
}

func redirect(t *testing.T, q url.Values, params url.Values) *http.Response {
	t.Helper()
	resp, err := http.Get(q.Get("redirect_uri") + "?" + params.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestNewDefaults(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	p, err := New(Config{ClientID: "client-id"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRevokeURL, p.cfg.RevokeURL)
	assert.Equal(t, DefaultListenAddr, p.cfg.ListenAddr)
	assert.Equal(t, DefaultFlowTimeout, p.cfg.FlowTimeout)
	assert.Equal(t, DefaultScopes, p.cfg.Scopes)
	assert.NotEmpty(t, p.cfg.Endpoint.TokenURL)
}

func TestLoopbackFlow(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(idp.config())
	require.NoError(t, err)
	defer p.Close()
	sink := newChanSink()
	p.SetCompletionSink(sink, testRequestCode)

	q := startFlow(t, p, idp)
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.False(t, q.Has("hl"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.NotEmpty(t, q.Get("state"))

	resp := redirect(t, q, url.Values{"code": {"good-code"}, "state": {q.Get("state")}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c := sink.next(t)
	assert.Equal(t, provider.ResultOK, c.ResultCode)
	account, err := p.ExtractResult(context.Background(), c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"idToken":"id-token","accessToken":"access-token"}`, string(account.Payload))

	cached, err := p.CachedAccount(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, account.Payload, cached.Payload)

	_, err = p.ExtractResult(context.Background(), c)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe, "a redirect is extracted once")

	p.mu.Lock()
	f := p.flow
	p.mu.Unlock()
	rec := httptest.NewRecorder()
	p.handleRedirect(f, rec, httptest.NewRequest(http.MethodGet, "/?code=good-code&state="+f.state, nil))
	assert.Equal(t, http.StatusConflict, rec.Code, "only the first redirect is accepted")
}

func TestLocale(t *testing.T) {
	idp := newFakeIdP(t)
	cfg := idp.config()
	cfg.Locale = "tr-TR"
	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close()

	q := startFlow(t, p, idp)
	assert.Equal(t, "tr-TR", q.Get("hl"))
}

func TestRedirectErrors(t *testing.T) {
	tests := []struct {
		name       string
		params     func(state string) url.Values
		wantStatus int
		wantCode   int
	}{
		{
			name:       "access denied",
			params:     func(state string) url.Values { return url.Values{"error": {"access_denied"}, "state": {state}} },
			wantStatus: http.StatusForbidden,
			wantCode:   provider.StatusSignInCanceled,
		},
		{
			name: "provider error",
			params: func(state string) url.Values {
				return url.Values{"error": {"server_error"}, "error_description": {"try later"}, "state": {state}}
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   provider.StatusSignInFailed,
		},
		{
			name:       "missing code",
			params:     func(state string) url.Values { return url.Values{"state": {state}} },
			wantStatus: http.StatusOK,
			wantCode:   provider.StatusSignInFailed,
		},
		{
			name:       "rejected code",
			params:     func(state string) url.Values { return url.Values{"code": {"bad-code"}, "state": {state}} },
			wantStatus: http.StatusOK,
			wantCode:   provider.StatusSignInFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := newFakeIdP(t)
			p, err := New(idp.config())
			require.NoError(t, err)
			defer p.Close()
			sink := newChanSink()
			p.SetCompletionSink(sink, testRequestCode)

			q := startFlow(t, p, idp)
			resp := redirect(t, q, tt.params(q.Get("state")))
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			_, err = p.ExtractResult(context.Background(), sink.next(t))
			var pe *provider.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)

			cached, err := p.CachedAccount(context.Background())
			require.NoError(t, err)
			assert.Nil(t, cached)
		})
	}
}

func TestForgedStateDoesNotClaimFlow(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(idp.config())
	require.NoError(t, err)
	defer p.Close()
	sink := newChanSink()
	p.SetCompletionSink(sink, testRequestCode)

	q := startFlow(t, p, idp)
	resp := redirect(t, q, url.Values{"error": {"access_denied"}, "state": {"forged"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = redirect(t, q, url.Values{"code": {"good-code"}, "state": {"forged"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	select {
	case c := <-sink.completions:
		require.FailNow(t, "forged redirect delivered a completion", "%+v", c)
	default:
	}

	resp = redirect(t, q, url.Values{"code": {"good-code"}, "state": {q.Get("state")}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	acct, err := p.ExtractResult(context.Background(), sink.next(t))
	require.NoError(t, err)
	assert.NotNil(t, acct)
}

func TestExtractStateMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(idp.config())
	require.NoError(t, err)
	defer p.Close()
	startFlow(t, p, idp)

	data := url.Values{"code": {"good-code"}, "state": {"forged"}}.Encode()
	_, err = p.ExtractResult(context.Background(), provider.Completion{ResultCode: provider.ResultOK, Data: data})
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.StatusSignInFailed, pe.Code)
}

func TestExchangeNetworkError(t *testing.T) {
	idp := newFakeIdP(t)
	cfg := idp.config()
	dead := httptest.NewServer(http.NotFoundHandler())
	cfg.Endpoint.TokenURL = dead.URL + "/token"
	dead.Close()

	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close()
	q := startFlow(t, p, idp)

	data := url.Values{"code": {"good-code"}, "state": {q.Get("state")}}.Encode()
	_, err = p.ExtractResult(context.Background(), provider.Completion{ResultCode: provider.ResultOK, Data: data})
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.StatusNetworkError, pe.Code)
}

func TestExtractWithoutFlow(t *testing.T) {
	p, err := New(Config{ClientID: "client-id", Logger: internal.NoOpLogger()})
	require.NoError(t, err)
	_, err = p.ExtractResult(context.Background(), provider.Completion{Data: "code=x&state=y"})
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.StatusSignInFailed, pe.Code)
}

func TestFlowTimeout(t *testing.T) {
	idp := newFakeIdP(t)
	cfg := idp.config()
	cfg.FlowTimeout = 50 * time.Millisecond
	p, err := New(cfg)
	require.NoError(t, err)
	defer p.Close()
	sink := newChanSink()
	p.SetCompletionSink(sink, testRequestCode)

	startFlow(t, p, idp)
	c := sink.next(t)
	assert.Equal(t, provider.ResultCanceled, c.ResultCode)

	_, err = p.ExtractResult(context.Background(), c)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.StatusSignInFailed, pe.Code)
	assert.Contains(t, pe.Message, "timed out")
}

func TestNewFlowClosesPrevious(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(idp.config())
	require.NoError(t, err)
	defer p.Close()

	startFlow(t, p, idp)
	p.mu.Lock()
	first := p.flow
	p.mu.Unlock()

	q := startFlow(t, p, idp)
	select {
	case <-first.done:
	default:
		assert.Fail(t, "previous flow still running")
	}

	data := url.Values{"code": {"good-code"}, "state": {first.state}}.Encode()
	_, err = p.ExtractResult(context.Background(), provider.Completion{Data: data})
	var pe *provider.Error
	require.ErrorAs(t, err, &pe, "the previous flow's state is no longer accepted")
	assert.NotEqual(t, first.state, q.Get("state"))
}

func TestSignOut(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(idp.config())
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.SignOut(ctx), "nothing to revoke")
	assert.Empty(t, idp.revokedTokens())

	q := startFlow(t, p, idp)
	data := url.Values{"code": {"good-code"}, "state": {q.Get("state")}}.Encode()
	_, err = p.ExtractResult(ctx, provider.Completion{ResultCode: provider.ResultOK, Data: data})
	require.NoError(t, err)

	require.NoError(t, p.SignOut(ctx))
	assert.Equal(t, []string{"refresh-token"}, idp.revokedTokens())
	cached, err := p.CachedAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSignOutRevokeFailure(t *testing.T) {
	idp := newFakeIdP(t)
	idp.mu.Lock()
	idp.revokeErr = true
	idp.mu.Unlock()
	p, err := New(idp.config())
	require.NoError(t, err)
	p.token = &oauth2.Token{AccessToken: "access-token", Expiry: time.Now().Add(time.Hour)}

	var pe *provider.Error
	require.ErrorAs(t, p.SignOut(context.Background()), &pe)
	assert.Equal(t, provider.StatusInternalError, pe.Code)
	assert.Equal(t, []string{"access-token"}, idp.revokedTokens())

	cached, err := p.CachedAccount(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cached, "token is forgotten even when revocation fails")
}

func TestBrowserLauncher(t *testing.T) {
	var opened []string
	launcher := BrowserLauncher(func(u string) error {
		opened = append(opened, u)
		return errors.New("no display")
	}, internal.NoOpLogger())

	err := launcher.Launch(context.Background(), "https://accounts.example.com/auth", testRequestCode)
	assert.NoError(t, err, "the URL is logged for manual use instead")
	assert.Equal(t, []string{"https://accounts.example.com/auth"}, opened)
}
