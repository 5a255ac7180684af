package detect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"qharbor/sync-agent/manifest"
)

// Watcher detects new and modified datasets on a local filesystem through
// change events. Events inside a dataset folder collapse into one update
// for the dataset after a debounce window.
type Watcher struct {
	watcher      *fsnotify.Watcher
	rootPath     string
	registry     *Registry
	updates      chan<- Update
	logger       zerolog.Logger
	debounceTime time.Duration

	pending   map[string]*time.Timer
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over root with the given known-dataset
// state. Updates go out on the provided channel.
func NewWatcher(root string, reg *Registry, updates chan<- Update, logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher:      fsWatcher,
		rootPath:     root,
		registry:     reg,
		updates:      updates,
		logger:       logger.With().Str("component", "watcher").Str("root", root).Logger(),
		debounceTime: 500 * time.Millisecond,
		pending:      make(map[string]*time.Timer),
		ctx:          ctx,
		cancel:       cancel,
	}
	return w, nil
}

// Start begins watching. An initial full scan catches datasets that changed
// while the agent was down; change events take over from there.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := Scan(w.ctx, w.rootPath, func(found Found) error {
			if w.registry.Observe(found.Identifier, found.ModTime) {
				select {
				case w.updates <- Update{Identifier: found.Identifier, Priority: found.ModTime}:
				case <-w.ctx.Done():
					return w.ctx.Err()
				}
			}
			return nil
		})
		if err != nil && w.ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("initial scan failed")
		}
	}()

	w.logger.Info().Msg("dataset watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

// addRecursive adds a directory and all subdirectories to the watcher.
func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				w.logger.Warn().Str("path", walkPath).Msg("permission denied, skipping")
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") && walkPath != path {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().Err(err).Str("path", walkPath).Msg("failed to add path to watcher")
		}
		return nil
	})
}

// processEvents consumes raw fsnotify events.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.pendingMu.Lock()
			for _, timer := range w.pending {
				timer.Stop()
			}
			w.pending = nil
			w.pendingMu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// handleEvent maps a filesystem event onto the dataset folder it touched.
func (w *Watcher) handleEvent(fsEvent fsnotify.Event) {
	if fsEvent.Has(fsnotify.Chmod) {
		return
	}
	name := filepath.Base(fsEvent.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	if fsEvent.Has(fsnotify.Create) {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			w.watcher.Add(fsEvent.Name)
		}
	}
	if fsEvent.Has(fsnotify.Remove) {
		w.watcher.Remove(fsEvent.Name)
		return
	}

	datasetDir, ok := w.datasetDirOf(fsEvent.Name)
	if !ok {
		return
	}
	rel, err := filepath.Rel(w.rootPath, datasetDir)
	if err != nil {
		return
	}
	w.debounce(filepath.ToSlash(rel), datasetDir)
}

// datasetDirOf walks up from a changed path to the enclosing dataset
// folder, stopping at the watch root.
func (w *Watcher) datasetDirOf(path string) (string, bool) {
	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, manifest.DatasetInfoFile)); err == nil {
			return dir, true
		}
		if dir == w.rootPath || dir == filepath.Dir(dir) {
			return "", false
		}
		dir = filepath.Dir(dir)
	}
}

// debounce coalesces bursts of events for one dataset into a single update.
func (w *Watcher) debounce(identifier, datasetDir string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if w.pending == nil {
		return
	}
	if timer, exists := w.pending[identifier]; exists {
		timer.Stop()
	}
	w.pending[identifier] = time.AfterFunc(w.debounceTime, func() {
		w.pendingMu.Lock()
		delete(w.pending, identifier)
		w.pendingMu.Unlock()

		modTime := DatasetModTime(datasetDir)
		if !w.registry.Observe(identifier, modTime) {
			return
		}
		select {
		case w.updates <- Update{Identifier: identifier, Priority: modTime}:
		case <-w.ctx.Done():
		}
	})
}
