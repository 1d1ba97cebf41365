// Package bridge exposes the handshake adapter to a host application as a plugin with
// string-payload resolve/reject calls, the shape Capacitor style hosts use.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/kolayfit/nativeauth/handshake"
	"github.com/kolayfit/nativeauth/provider"
)

// Plugin method names.
const (
	MethodSignIn     = "signIn"
	MethodSignOut    = "signOut"
	MethodIsSignedIn = "isSignedIn"
	MethodCancel     = "cancel"
)

// CodeUnimplemented rejects calls to unknown methods.
const CodeUnimplemented = "UNIMPLEMENTED"

// Call is one invocation from the host. Exactly one of Resolve or Reject is called per Call.
type Call interface {
	// Resolve completes the call with a JSON object.
	Resolve(data string)
	Reject(code, message string)
}

// Host runs platform activities on behalf of the plugin. The result is reported back through
// Plugin.HandleOnActivityResult.
type Host interface {
	StartActivityForResult(intent string, requestCode int) error
}

// HostLauncher adapts host to a provider.Launcher.
func HostLauncher(host Host) provider.Launcher {
	return provider.LauncherFunc(func(ctx context.Context, intent provider.Intent, requestCode int) error {
		return host.StartActivityForResult(string(intent), requestCode)
	})
}

// Plugin routes host calls to a handshake.Adapter.
type Plugin struct {
	adapter *handshake.Adapter
	log     *slog.Logger
}

func NewPlugin(adapter *handshake.Adapter, log *slog.Logger) *Plugin {
	if log == nil {
		log = slog.Default()
	}
	return &Plugin{adapter: adapter, log: log}
}

// Invoke dispatches call to the plugin method named method.
func (p *Plugin) Invoke(method string, call Call) {
	switch method {
	case MethodSignIn:
		p.SignIn(call)
	case MethodSignOut:
		p.SignOut(call)
	case MethodIsSignedIn:
		p.IsSignedIn(call)
	case MethodCancel:
		p.Cancel(call)
	default:
		p.log.Warn("Unknown plugin method", "method", method)
		call.Reject(CodeUnimplemented, "method not implemented: "+method)
	}
}

// SignIn launches the sign-in flow. call stays open until the flow completes; it resolves with
// the signed-in identity or rejects with the failure code.
func (p *Plugin) SignIn(call Call) {
	caller := handshake.CallerFunc(func(o handshake.Outcome) {
		switch o := o.(type) {
		case handshake.Success:
			p.resolve(call, o)
		case handshake.Failure:
			call.Reject(strconv.Itoa(o.Code), o.Message)
		}
	})
	if err := p.adapter.SignIn(context.Background(), caller); err != nil {
		call.Reject(string(handshake.CodeOf(err)), err.Error())
	}
}

// SignOut clears the provider's cached identity in the background.
func (p *Plugin) SignOut(call Call) {
	go func() {
		if err := p.adapter.SignOut(context.Background()); err != nil {
			call.Reject(string(handshake.CodeOf(err)), err.Error())
			return
		}
		p.resolve(call, struct {
			Success bool `json:"success"`
		}{true})
	}()
}

func (p *Plugin) IsSignedIn(call Call) {
	signedIn, err := p.adapter.IsSignedIn(context.Background())
	if err != nil {
		call.Reject(string(handshake.CodeOf(err)), err.Error())
		return
	}
	p.resolve(call, struct {
		IsSignedIn bool `json:"isSignedIn"`
	}{signedIn})
}

// Cancel abandons a pending sign-in. The pending signIn call rejects with the canceled code.
func (p *Plugin) Cancel(call Call) {
	p.resolve(call, struct {
		Canceled bool `json:"canceled"`
	}{p.adapter.Cancel()})
}

// HandleOnActivityResult is called by the host for every finished activity. Results for other
// request codes are ignored. It reports whether the result completed a pending sign-in.
func (p *Plugin) HandleOnActivityResult(requestCode, resultCode int, data string) bool {
	if requestCode != p.adapter.RequestCode() {
		return false
	}
	return p.adapter.OnExternalCompletion(context.Background(), requestCode, provider.Completion{
		ResultCode: resultCode,
		Data:       data,
	})
}

func (p *Plugin) resolve(call Call, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("Failed to encode plugin result", "error", err)
		call.Reject(string(handshake.CodeUnknown), err.Error())
		return
	}
	call.Resolve(string(data))
}
