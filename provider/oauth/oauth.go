// Package oauth implements provider.SDK with an OAuth 2.0 authorization code flow (PKCE) whose
// redirect lands on a loopback listener. It is used by hosts without a native sign-in SDK.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/kolayfit/nativeauth/provider"
	"github.com/kolayfit/nativeauth/traces"
)

const (
	DefaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
	DefaultListenAddr  = "127.0.0.1:0"
	DefaultFlowTimeout = 5 * time.Minute

	callbackServerShutdownTimeout = 5 * time.Second
	errFlowTimeout                = "flow_timeout"
)

var DefaultScopes = []string{"openid", "email", "profile"}

// Config configures a Provider. Only ClientID is required.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Endpoint defaults to google.Endpoint.
	Endpoint  oauth2.Endpoint
	RevokeURL string
	// Locale is passed to the consent screen as the hl parameter, e.g. "tr-TR".
	Locale string
	// ListenAddr is the loopback address the redirect listener binds to.
	ListenAddr  string
	FlowTimeout time.Duration
	// HTTPClient is the base client for token requests. It is wrapped with retries and tracing.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider runs one loopback authorization flow at a time and keeps the resulting token in
// memory.
type Provider struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	mu          sync.Mutex
	sink        provider.CompletionSink
	requestCode int
	flow        *flow
	token       *oauth2.Token
	idToken     string
}

var _ provider.SDK = (*Provider)(nil)

// New creates a Provider, filling defaults for unset fields of cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth client id is required")
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = google.Endpoint
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = DefaultRevokeURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = DefaultFlowTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		client: newHTTPClient(cfg.HTTPClient, cfg.Logger),
		log:    cfg.Logger,
	}, nil
}

func newHTTPClient(base *http.Client, log *slog.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = log
	if base != nil {
		hc := *base
		rc.HTTPClient = &hc
	}
	rc.HTTPClient.Transport = traces.NewRoundTripper(rc.HTTPClient.Transport)
	return rc.StandardClient()
}

// SetCompletionSink attaches the sink that receives redirect completions, tagged with
// requestCode.
func (p *Provider) SetCompletionSink(sink provider.CompletionSink, requestCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
	p.requestCode = requestCode
}

// StartFlow starts a redirect listener and returns the authorization URL to open. A flow that
// is still running is closed first.
func (p *Provider) StartFlow(ctx context.Context) (provider.Intent, error) {
	listener, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to listen for oauth redirect: %w", err)
	}
	f := &flow{
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		conf: &oauth2.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			RedirectURL:  "http://" + listener.Addr().String() + "/",
			Scopes:       p.cfg.Scopes,
			Endpoint:     p.cfg.Endpoint,
		},
		done: make(chan struct{}),
		log:  p.log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		p.handleRedirect(f, w, r)
	})
	f.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.mu.Lock()
	prev := p.flow
	p.flow = f
	p.mu.Unlock()
	if prev != nil {
		p.log.Debug("Closing previous oauth flow")
		prev.close()
	}

	go func() {
		p.log.Debug("Starting OAuth callback server", "addr", listener.Addr().String())
		if err := f.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Debug("OAuth callback server error", "error", err)
		}
		p.log.Debug("OAuth callback server stopped")
	}()
	go p.expire(f)

	authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(f.verifier)}
	if p.cfg.Locale != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("hl", p.cfg.Locale))
	}
	return provider.Intent(f.conf.AuthCodeURL(f.state, authOpts...)), nil
}

func (p *Provider) handleRedirect(f *flow, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// a redirect without this flow's state must not use up the flow
	if q.Get("state") != f.state {
		p.log.Warn("Ignoring OAuth redirect with unexpected state")
		http.Error(w, closeWindowHTML("Sign-in failed"), http.StatusBadRequest)
		return
	}
	if !f.claim() {
		http.Error(w, closeWindowHTML("Sign-in already handled"), http.StatusConflict)
		return
	}
	c := provider.Completion{ResultCode: provider.ResultOK, Data: r.URL.RawQuery}
	w.Header().Set("Content-Type", "text/html")
	switch {
	case q.Get("error") == "access_denied":
		c.ResultCode = provider.ResultCanceled
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, closeWindowHTML("Sign-in cancelled"))
	case q.Has("error"):
		c.ResultCode = provider.ResultCanceled
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, closeWindowHTML("Sign-in failed"))
	default:
		_, _ = fmt.Fprint(w, closeWindowHTML("Sign-in received"))
	}
	// the exchange happens in the sink, after the browser got its response
	go func() {
		p.deliver(f, c)
		f.close()
	}()
}

// expire ends f after the flow timeout, reporting the timeout if no redirect arrived.
func (p *Provider) expire(f *flow) {
	t := time.NewTimer(p.cfg.FlowTimeout)
	defer t.Stop()
	select {
	case <-f.done:
		return
	case <-t.C:
	}
	if f.claim() {
		p.log.Info("OAuth flow timed out")
		data := url.Values{"error": {errFlowTimeout}, "state": {f.state}}.Encode()
		p.deliver(f, provider.Completion{ResultCode: provider.ResultCanceled, Data: data})
	}
	f.close()
}

func (p *Provider) deliver(f *flow, c provider.Completion) {
	p.mu.Lock()
	sink, requestCode, current := p.sink, p.requestCode, p.flow == f
	p.mu.Unlock()
	if sink == nil || !current {
		p.log.Debug("Dropping oauth redirect", "current", current)
		return
	}
	sink.OnExternalCompletion(context.Background(), requestCode, c)
}

// ExtractResult validates the redirect parameters in c and exchanges the authorization code.
// The payload carries idToken and accessToken.
func (p *Provider) ExtractResult(ctx context.Context, c provider.Completion) (*provider.Account, error) {
	q, err := url.ParseQuery(c.Data)
	if err != nil {
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "malformed redirect: " + err.Error()}
	}

	p.mu.Lock()
	f := p.flow
	p.mu.Unlock()
	if f == nil {
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "no sign-in flow in progress"}
	}
	if !f.consume() {
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "sign-in flow already used"}
	}

	switch e := q.Get("error"); e {
	case "":
	case "access_denied":
		return nil, &provider.Error{Code: provider.StatusSignInCanceled, Message: "access denied"}
	case errFlowTimeout:
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "sign-in flow timed out"}
	default:
		msg := e
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: msg}
	}
	if q.Get("state") != f.state {
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "state mismatch"}
	}
	code := q.Get("code")
	if code == "" {
		return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "missing authorization code"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := f.conf.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, &provider.Error{Code: provider.StatusSignInFailed, Message: "failed to exchange code: " + err.Error()}
		}
		return nil, &provider.Error{Code: provider.StatusNetworkError, Message: "failed to exchange code: " + err.Error()}
	}
	idToken, _ := token.Extra("id_token").(string)

	p.mu.Lock()
	p.token = token
	p.idToken = idToken
	p.mu.Unlock()
	return account(idToken, token.AccessToken)
}

// SignOut forgets the cached token and revokes it.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.token, p.idToken = nil, ""
	p.mu.Unlock()
	if token == nil {
		return nil
	}
	revoke := token.RefreshToken
	if revoke == "" {
		revoke = token.AccessToken
	}
	form := url.Values{"token": {revoke}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return &provider.Error{Code: provider.StatusNetworkError, Message: "revoke token: " + err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &provider.Error{Code: provider.StatusInternalError, Message: "revoke token: " + resp.Status}
	}
	return nil
}

// CachedAccount returns the signed-in account while its access token is valid.
func (p *Provider) CachedAccount(ctx context.Context) (*provider.Account, error) {
	p.mu.Lock()
	token, idToken := p.token, p.idToken
	p.mu.Unlock()
	if !token.Valid() {
		return nil, nil
	}
	return account(idToken, token.AccessToken)
}

// Close stops the running flow, if any.
func (p *Provider) Close() error {
	p.mu.Lock()
	f := p.flow
	p.flow = nil
	p.mu.Unlock()
	if f != nil {
		f.close()
	}
	return nil
}

func account(idToken, accessToken string) (*provider.Account, error) {
	payload, err := json.Marshal(struct {
		IDToken     string `json:"idToken,omitempty"`
		AccessToken string `json:"accessToken,omitempty"`
	}{idToken, accessToken})
	if err != nil {
		return nil, err
	}
	return &provider.Account{Payload: payload}, nil
}

// flow is one loopback authorization attempt.
type flow struct {
	state    string
	verifier string
	conf     *oauth2.Config
	server   *http.Server
	log      *slog.Logger

	claimed   atomic.Bool
	consumed  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// claim reports whether the caller is the first to finish the flow.
func (f *flow) claim() bool {
	return f.claimed.CompareAndSwap(false, true)
}

// consume reports whether the flow's redirect has not been extracted yet.
func (f *flow) consume() bool {
	return f.consumed.CompareAndSwap(false, true)
}

func (f *flow) close() {
	f.closeOnce.Do(func() {
		close(f.done)
		// Shutdown waits for active handlers, so it must not run on a handler goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), callbackServerShutdownTimeout)
			defer cancel()
			if err := f.server.Shutdown(ctx); err != nil {
				f.log.Debug("Error during OAuth server graceful shutdown", "error", err)
				_ = f.server.Close()
			}
		}()
	})
}

// closeWindowHTML generates simple HTML to close the browser window.
func closeWindowHTML(message string) string {
	return fmt.Sprintf(`<html><script>window.close()</script><body>%s. You can close this window.</body></html>`, message)
}
