// Command signin runs a browser sign-in with a loopback redirect and prints the resulting
// identity as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"golang.org/x/term"

	"github.com/kolayfit/nativeauth"
	"github.com/kolayfit/nativeauth/config"
	"github.com/kolayfit/nativeauth/handshake"
)

type args struct {
	Config       string        `arg:"--config,env:NATIVEAUTH_CONFIG" help:"path to a JSON or YAML config file; other flags are ignored when set"`
	ClientID     string        `arg:"--client-id,env:NATIVEAUTH_CLIENT_ID" help:"OAuth client id"`
	ClientSecret string        `arg:"--client-secret,env:NATIVEAUTH_CLIENT_SECRET" help:"OAuth client secret, if the client has one"`
	Locale       string        `arg:"--locale" help:"consent screen language, defaults to the system locale"`
	LogLevel     string        `arg:"--log-level" default:"info" help:"trace, debug, info, warn, error or off"`
	Timeout      time.Duration `arg:"--timeout" default:"2m" help:"how long to wait for the browser flow"`
	SignOut      bool          `arg:"--sign-out" help:"revoke the token after printing it"`
}

func (args) Description() string {
	return "signin opens the identity provider in a browser and prints the signed-in identity."
}

func main() {
	var a args
	arg.MustParse(&a)

	opts := nativeauth.Options{ConfigPath: a.Config, Locale: a.Locale, LogWriter: os.Stderr}
	if a.Config == "" {
		cfg := config.Default()
		cfg.ClientID = a.ClientID
		cfg.ClientSecret = a.ClientSecret
		cfg.LogLevel = a.LogLevel
		cfg.FlowTimeout = a.Timeout
		opts.Config = cfg
	}
	n, err := nativeauth.NewLoopback(opts, nil)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := signIn(ctx, n.Adapter(), a.Timeout)
	if err != nil {
		n.Close()
		log.Fatalf("Sign-in did not complete: %v", err)
	}
	if err := printOutcome(outcome); err != nil {
		log.Fatalf("Failed to encode outcome: %v", err)
	}

	if _, ok := outcome.(handshake.Failure); ok {
		n.Close()
		os.Exit(1)
	}
	if a.SignOut {
		if err := n.Adapter().SignOut(ctx); err != nil {
			n.Logger().Error("Sign-out failed", "error", err)
		}
	}
}

// signIn starts the flow and waits for its outcome. When ctx ends or timeout passes first, the
// pending request is canceled.
func signIn(ctx context.Context, adapter *handshake.Adapter, timeout time.Duration) (handshake.Outcome, error) {
	promise := handshake.NewPromise()
	if err := adapter.SignIn(ctx, promise); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	outcome, err := promise.Wait(waitCtx)
	if err != nil {
		adapter.Cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no response after %s", timeout)
		}
		return nil, err
	}
	return outcome, nil
}

// printOutcome writes outcome as JSON, indented when stdout is a terminal.
func printOutcome(outcome handshake.Outcome) error {
	var (
		out []byte
		err error
	)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out, err = json.MarshalIndent(outcome, "", "  ")
	} else {
		out, err = json.Marshal(outcome)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
