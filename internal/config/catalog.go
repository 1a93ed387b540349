package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/pkg/toolexecutor"
)

// LoadTools reads tool definitions from a JSON file. The file holds either
// an array of tools or an object with a "tools" array.
func LoadTools(path string) ([]*toolexecutor.Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseTools(data)
}

// ParseTools decodes and checks catalog JSON.
func ParseTools(data []byte) ([]*toolexecutor.Tool, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("catalog is not valid JSON")
	}

	list := gjson.ParseBytes(data)
	if list.IsObject() {
		list = list.Get("tools")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("catalog must be an array of tools or an object with a tools array")
	}

	var tools []*toolexecutor.Tool
	if err := json.Unmarshal([]byte(list.Raw), &tools); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(tools))
	for i, tool := range tools {
		if err := toolexecutor.CheckTool(tool); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if _, dup := seen[tool.ID]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate tool id %s", i, tool.ID)
		}
		seen[tool.ID] = struct{}{}
	}
	return tools, nil
}

// LoadCatalog builds an in-memory catalog from a JSON file. A missing file
// yields an empty catalog.
func LoadCatalog(path string) (*toolexecutor.MemoryCatalog, error) {
	catalog, _ := toolexecutor.NewMemoryCatalog()
	if path == "" {
		return catalog, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("Catalog file not found, starting with no tools")
		return catalog, nil
	}
	if err := ReloadCatalog(catalog, path); err != nil {
		return nil, err
	}
	return catalog, nil
}

// ReloadCatalog replaces the catalog contents with the file's tools. On
// error the catalog keeps its previous tools.
func ReloadCatalog(catalog *toolexecutor.MemoryCatalog, path string) error {
	tools, err := LoadTools(path)
	if err == nil {
		err = catalog.Replace(tools)
	}
	observability.RecordCatalogReload(len(tools), err)
	if err != nil {
		return err
	}

	log.Info().
		Str("path", path).
		Int("tools", len(tools)).
		Msg("Catalog loaded")
	return nil
}

// CatalogWatcher reloads a catalog when its file changes.
type CatalogWatcher struct {
	watcher            *fsnotify.Watcher
	catalog            *toolexecutor.MemoryCatalog
	path               string
	stabilityThreshold time.Duration
	onReload           func(error)
	done               chan struct{}
	timerMu            sync.Mutex
	timer              *time.Timer
	stopOnce           sync.Once
}

// NewCatalogWatcher creates a watcher for path. onReload, if set, is called
// after every reload attempt.
func NewCatalogWatcher(catalog *toolexecutor.MemoryCatalog, path string, onReload func(error)) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	return &CatalogWatcher{
		watcher:            watcher,
		catalog:            catalog,
		path:               abs,
		stabilityThreshold: 100 * time.Millisecond,
		onReload:           onReload,
		done:               make(chan struct{}),
	}, nil
}

// Start watches the catalog's directory so replacing the file by rename is
// seen too.
func (w *CatalogWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}

	go w.eventLoop()

	log.Info().
		Str("path", w.path).
		Msg("Catalog watcher started")
	return nil
}

// Stop stops the watcher
func (w *CatalogWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *CatalogWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of writes into one reload.
func (w *CatalogWatcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
		}

		err := ReloadCatalog(w.catalog, w.path)
		if err != nil {
			log.Error().
				Err(err).
				Str("path", w.path).
				Msg("Catalog reload failed, keeping previous tools")
		}
		if w.onReload != nil {
			w.onReload(err)
		}
	})
}
