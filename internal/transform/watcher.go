package transform

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// LoadScriptFile reads and compiles a script transform from disk
func LoadScriptFile(path string) (*ScriptTransform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return CompileScript(filepath.Base(path), string(data))
}

// Watcher recompiles a script file when it changes and stores the result in
// a Slot. A script that fails to compile leaves the active transform alone.
type Watcher struct {
	path     string
	slot     *Slot
	debounce time.Duration
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	// OnReload, if set, is called after every reload attempt
	OnReload func(t Transform, err error)
}

// NewWatcher creates a watcher for path feeding slot
func NewWatcher(path string, slot *Slot) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve script path: %w", err)
	}
	return &Watcher{
		path:     abs,
		slot:     slot,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file on save are still seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.watcher = fw
	w.stopChan = make(chan struct{})
	w.running = true

	w.wg.Add(1)
	go w.loop()

	logger.WithComponent("transform").Info().
		Str("path", w.path).
		Msg("Watching script for changes")
	return nil
}

// Stop ends watching
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	log := logger.WithComponent("transform")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	log := logger.WithComponent("transform")

	t, err := LoadScriptFile(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Script reload failed, keeping current transform")
		if w.OnReload != nil {
			w.OnReload(nil, err)
		}
		return
	}

	w.slot.Store(t)
	log.Info().Str("path", w.path).Uint64("version", w.slot.Version()).Msg("Script reloaded")
	if w.OnReload != nil {
		w.OnReload(t, nil)
	}
}
