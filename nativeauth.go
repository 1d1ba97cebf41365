// Package nativeauth wires the sign-in handshake for a host application: it loads the
// configuration, sets up logging and crash reporting, and builds the provider, the handshake
// adapter and the host plugin.
package nativeauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Xuanwo/go-locale"

	"github.com/kolayfit/nativeauth/bridge"
	"github.com/kolayfit/nativeauth/common/reporting"
	"github.com/kolayfit/nativeauth/config"
	"github.com/kolayfit/nativeauth/events"
	"github.com/kolayfit/nativeauth/handshake"
	"github.com/kolayfit/nativeauth/internal"
	"github.com/kolayfit/nativeauth/provider"
	"github.com/kolayfit/nativeauth/provider/native"
	"github.com/kolayfit/nativeauth/provider/oauth"
	"github.com/kolayfit/nativeauth/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// Version is reported to crash reporting and telemetry. Set at build time.
var Version = "dev"

type Options struct {
	// ConfigPath is a JSON or YAML config file. When set, the file is watched and log level
	// changes are applied without a restart.
	ConfigPath string
	// Config is used when ConfigPath is empty.
	Config *config.Config
	// Locale is the user's locale for provider UI. Defaults to the system locale.
	Locale string
	// LogWriter receives log output in addition to the configured log file. Defaults to
	// os.Stdout.
	LogWriter io.Writer
}

// NativeAuth holds a wired sign-in stack.
type NativeAuth struct {
	cfg      *config.Config
	logLevel *slog.LevelVar
	log      *slog.Logger
	adapter  *handshake.Adapter
	plugin   *bridge.Plugin

	closers   []io.Closer
	closeOnce sync.Once
}

// NewNative builds a NativeAuth backed by the platform sign-in SDK. Sign-in activities are
// started through host, which reports their results to Plugin().HandleOnActivityResult.
func NewNative(opts Options, sdk native.SDK, host bridge.Host) (*NativeAuth, error) {
	if host == nil {
		return nil, errors.New("host is required")
	}
	n, err := newNativeAuth(opts)
	if err != nil {
		return nil, err
	}
	p, err := native.New(sdk, n.cfg.ClientID)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to create native provider: %w", err)
	}
	if err := n.init(p, bridge.HostLauncher(host)); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// NewLoopback builds a NativeAuth backed by a browser OAuth flow with a loopback redirect.
// open opens the authorization URL; nil uses the system browser.
func NewLoopback(opts Options, open func(string) error) (*NativeAuth, error) {
	n, err := newNativeAuth(opts)
	if err != nil {
		return nil, err
	}
	if opts.Locale == "" {
		// the frontend locale is preferred; fall back to the system locale
		if tag, err := locale.Detect(); err == nil {
			opts.Locale = tag.String()
		}
	}
	p, err := oauth.New(oauth.Config{
		Locale:       opts.Locale,
		ClientID:     n.cfg.ClientID,
		ClientSecret: n.cfg.ClientSecret,
		Scopes:       n.cfg.Scopes,
		FlowTimeout:  n.cfg.FlowTimeout,
		Logger:       n.log,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to create oauth provider: %w", err)
	}
	n.closers = append(n.closers, p)
	if err := n.init(p, oauth.BrowserLauncher(open, n.log)); err != nil {
		n.Close()
		return nil, err
	}
	p.SetCompletionSink(n.adapter, n.adapter.RequestCode())
	return n, nil
}

func newNativeAuth(opts Options) (*NativeAuth, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	n := &NativeAuth{cfg: cfg, logLevel: new(slog.LevelVar)}

	level, err := internal.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	n.logLevel.Set(level)
	w := opts.LogWriter
	if w == nil {
		w = os.Stdout
	}
	if cfg.LogPath != "" {
		logFile := internal.NewLogWriter(cfg.LogPath)
		n.closers = append(n.closers, logFile)
		w = io.MultiWriter(w, logFile)
	}
	n.log = internal.NewLogger(w, n.logLevel)

	if err := reporting.Init(cfg.SentryDSN, Version); err != nil {
		// reporting is optional
		n.log.Warn("Failed to initialize crash reporting", "error", err)
	}

	if err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:         cfg.OTEL.Endpoint,
		Headers:          cfg.OTEL.Headers,
		Insecure:         cfg.OTEL.Insecure,
		TracesSampleRate: cfg.OTEL.TracesSampleRate,
		MetricsInterval:  cfg.OTEL.MetricsInterval,
	}, Version); err != nil {
		n.log.Warn("Failed to initialize telemetry", "error", err)
	} else if cfg.OTEL.Endpoint != "" {
		n.closers = append(n.closers, closerFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer cancel()
			return telemetry.Close(ctx)
		}))
	}
	stopRecording := telemetry.RecordOutcomes()
	n.closers = append(n.closers, closerFunc(func() error {
		stopRecording()
		return nil
	}))

	if opts.ConfigPath != "" {
		watcher, err := config.Watch(opts.ConfigPath, n.onConfigChange, n.log)
		if err != nil {
			n.log.Warn("Failed to watch config file", "path", opts.ConfigPath, "error", err)
		} else {
			n.closers = append(n.closers, watcher)
		}
	}
	return n, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	switch {
	case opts.ConfigPath != "":
		cfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	case opts.Config != nil:
		if err := opts.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return opts.Config, nil
	default:
		return nil, errors.New("either a config path or a config is required")
	}
}

func (n *NativeAuth) init(sdk provider.SDK, launcher provider.Launcher) error {
	policy, err := handshake.ParsePolicy(n.cfg.Policy)
	if err != nil {
		return err
	}
	n.adapter, err = handshake.New(handshake.Options{
		ClientID:    n.cfg.ClientID,
		RequestCode: n.cfg.RequestCode,
		Policy:      policy,
		Logger:      n.log,
	}, sdk, launcher)
	if err != nil {
		return err
	}
	n.plugin = bridge.NewPlugin(n.adapter, n.log)
	n.subscribe()
	n.log.Info("Sign-in adapter ready", "policy", policy, "requestCode", n.adapter.RequestCode(), "version", Version)
	return nil
}

// subscribe logs lifecycle events until Close.
func (n *NativeAuth) subscribe() {
	completed := events.Subscribe(func(evt handshake.SignInCompleted) {
		n.log.Debug("Sign-in completed", "success", evt.Success, "status", evt.Status)
	})
	signedOut := events.Subscribe(func(evt handshake.SignedOut) {
		n.log.Debug("Signed out")
	})
	n.closers = append(n.closers, closerFunc(func() error {
		events.Unsubscribe(completed)
		events.Unsubscribe(signedOut)
		return nil
	}))
}

func (n *NativeAuth) onConfigChange(cfg *config.Config) {
	level, err := internal.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		n.log.Warn("Ignoring invalid log level", "level", cfg.LogLevel, "error", err)
	} else if level != n.logLevel.Level() {
		n.log.Info("Changing log level", "from", internal.FormatLogLevel(n.logLevel.Level()), "to", internal.FormatLogLevel(level))
		n.logLevel.Set(level)
	}
	if cfg.ClientID != n.cfg.ClientID || cfg.Policy != n.cfg.Policy || cfg.RequestCode != n.cfg.RequestCode {
		n.log.Warn("Client id, policy and request code changes take effect after a restart")
	}
}

// Adapter returns the handshake adapter.
func (n *NativeAuth) Adapter() *handshake.Adapter {
	return n.adapter
}

// Plugin returns the host plugin.
func (n *NativeAuth) Plugin() *bridge.Plugin {
	return n.plugin
}

// Logger returns the logger used by every component.
func (n *NativeAuth) Logger() *slog.Logger {
	return n.log
}

// Close releases the config watcher, the log file and any running flow. A pending sign-in is
// canceled.
func (n *NativeAuth) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		if n.adapter != nil {
			n.adapter.Cancel()
		}
		for i := len(n.closers) - 1; i >= 0; i-- {
			if err := n.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
