package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long the watcher waits for writes to stop before firing. Editors and
// atomic renames produce bursts of events for a single logical change.
const settleDelay = 100 * time.Millisecond

// FileWatcher calls a callback after the watched file has been created or written.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	filename string
	callback func()
	log      *slog.Logger
	closeC   chan struct{}
	started  atomic.Bool
}

// NewFileWatcher creates a watcher for path. The parent directory is watched so the file can be
// replaced by rename.
func NewFileWatcher(path string, callback func(), log *slog.Logger) *FileWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &FileWatcher{
		dir:      filepath.Dir(path),
		filename: filepath.Base(path),
		callback: callback,
		log:      log,
	}
}

func (fw *FileWatcher) Start() error {
	if !fw.started.CompareAndSwap(false, true) {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fw.started.Store(false)
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(fw.dir); err != nil {
		watcher.Close()
		fw.started.Store(false)
		return fmt.Errorf("watch %s: %w", fw.dir, err)
	}
	fw.watcher = watcher
	fw.closeC = make(chan struct{})
	fw.log.Debug("Watching file", "dir", fw.dir, "file", fw.filename)
	go fw.watchLoop()
	return nil
}

func (fw *FileWatcher) Close() error {
	if !fw.started.CompareAndSwap(true, false) {
		return nil
	}
	close(fw.closeC)
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop() {
	var (
		timer       *time.Timer
		timerAccess sync.Mutex
	)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fw.filename {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			timerAccess.Lock()
			if timer == nil {
				timer = time.AfterFunc(settleDelay, func() {
					fw.callback()
					timerAccess.Lock()
					timer = nil
					timerAccess.Unlock()
				})
			} else {
				timer.Reset(settleDelay)
			}
			timerAccess.Unlock()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error("Error watching file", "file", fw.filename, "error", err)
		case <-fw.closeC:
			return
		}
	}
}
