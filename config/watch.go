package config

import (
	"io"
	"log/slog"

	"github.com/kolayfit/nativeauth/internal"
)

// Watch calls onChange with the reloaded configuration whenever the file at path changes.
// Files that fail to load are logged and skipped. Close the returned watcher to stop.
func Watch(path string, onChange func(*Config), log *slog.Logger) (io.Closer, error) {
	if log == nil {
		log = slog.Default()
	}
	watcher := internal.NewFileWatcher(path, func() {
		cfg, err := Load(path)
		if err != nil {
			log.Error("Reloading config", "path", path, "error", err)
			return
		}
		onChange(cfg)
	}, log)
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	return watcher, nil
}
