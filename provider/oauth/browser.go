package oauth

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/kolayfit/nativeauth/provider"
)

// OpenBrowser tries to open url in the default browser.
func OpenBrowser(url string) error {
	var args []string
	switch runtime.GOOS {
	case "darwin":
		args = []string{"open"}
	case "windows":
		args = []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		args = []string{"xdg-open"}
	}
	cmd := exec.Command(args[0], append(args[1:], url)...)
	return cmd.Start()
}

// BrowserLauncher returns a provider.Launcher that opens authorization URLs with open. A
// failure to open the browser is not fatal: the URL is logged so the user can open it by hand.
func BrowserLauncher(open func(string) error, log *slog.Logger) provider.Launcher {
	if open == nil {
		open = OpenBrowser
	}
	if log == nil {
		log = slog.Default()
	}
	return provider.LauncherFunc(func(ctx context.Context, intent provider.Intent, requestCode int) error {
		url := string(intent)
		log.Debug("Opening browser", "url", url)
		if err := open(url); err != nil {
			log.Info("Failed to automatically open browser", "error", err)
			log.Info("Please manually open the following URL in your browser", "url", url)
		}
		return nil
	})
}
