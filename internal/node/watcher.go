package node

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/database"
)

// settleDelay lets a copied file finish landing before we open it.
const settleDelay = 500 * time.Millisecond

// dirWatcher hot-loads database files dropped into the data directory.
// Dev mode only; production nodes receive databases through the API.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	manager *database.Manager
	done    chan struct{}
}

func newDirWatcher(dataDir string, manager *database.Manager) (*dirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &dirWatcher{watcher: watcher, manager: manager, done: make(chan struct{})}, nil
}

func (w *dirWatcher) start(ctx context.Context) {
	go func() {
		defer close(w.done)

		// One debounce timer per file. A burst of writes collapses into
		// a single load once the file settles, and the event loop never
		// blocks, so shutdown stays prompt.
		timers := make(map[string]*time.Timer)
		defer func() {
			for _, timer := range timers {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				id, ok := databaseIDFromPath(event.Name)
				if !ok {
					continue
				}
				if timer, ok := timers[id]; ok {
					timer.Reset(settleDelay)
					continue
				}
				timers[id] = time.AfterFunc(settleDelay, func() {
					if ctx.Err() != nil {
						return
					}
					if _, err := w.manager.Load(ctx, id); err != nil {
						log.WithFields(log.Fields{"database": id, "err": err}).Warn("node: hot-load failed")
					} else {
						log.WithFields(log.Fields{"database": id}).Info("node: hot-loaded database")
					}
				})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.WithFields(log.Fields{"err": err}).Warn("node: watcher error")
			}
		}
	}()
}

func (w *dirWatcher) stop() {
	w.watcher.Close()
	<-w.done
}

// databaseIDFromPath extracts the database id from a data-dir file
// name, rejecting sidecar and reserved files.
func databaseIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".db") || strings.HasPrefix(base, "__") {
		return "", false
	}
	return strings.TrimSuffix(base, ".db"), true
}
