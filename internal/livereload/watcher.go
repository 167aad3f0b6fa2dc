package livereload

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes below a directory tree to a Hub.
type Watcher struct {
	root     string
	hub      *Hub
	logger   *slog.Logger
	debounce time.Duration
}

func NewWatcher(root string, hub *Hub, debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:     root,
		hub:      hub,
		logger:   logger,
		debounce: debounce,
	}
}

// Run watches root and every directory below it, broadcasting one reload
// per burst of changes. It blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	reloadCh := make(chan string, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory",
							slog.String("dir", event.Name),
							slog.String("error", err.Error()))
					}
				}
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			changed := event.Name
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case reloadCh <- changed:
				default:
				}
			})

		case changed := <-reloadCh:
			rel, err := filepath.Rel(w.root, changed)
			if err != nil {
				rel = changed
			}
			rel = "/" + filepath.ToSlash(rel)

			w.logger.Info("page reload", slog.String("path", rel), slog.Int("clients", w.hub.Clients()))
			w.hub.Broadcast(Message{Type: "reload", Path: rel})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignored(path) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// ignored skips editor swap files and hidden entries such as .git.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp")
}
