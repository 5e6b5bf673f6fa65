// Package rules loads per-channel prompt context from rules/<channel>.md
// files, with optional hot reload.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/kapy/pkg/models"
)

// Config locates the rule files.
type Config struct {
	Dir       string
	HotReload bool
	Logger    *slog.Logger
}

// Engine caches rule file contents keyed by channel.
type Engine struct {
	dir       string
	hotReload bool
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dir:       cfg.Dir,
		hotReload: cfg.HotReload,
		logger:    logger.With("component", "rules"),
		cache:     make(map[string]string),
	}
}

// Start loads every rule file and, when hot reload is configured,
// watches the directory for changes.
func (e *Engine) Start() error {
	if e.dir == "" {
		return nil
	}
	if err := e.loadAll(); err != nil {
		return err
	}
	if !e.hotReload {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	if err := watcher.Add(e.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", e.dir, err)
	}
	e.watcher = watcher
	e.done = make(chan struct{})
	go e.watchLoop()
	return nil
}

// Stop closes the watcher, if any.
func (e *Engine) Stop() {
	if e.watcher == nil {
		return
	}
	e.watcher.Close()
	<-e.done
	e.watcher = nil
}

func (e *Engine) watchLoop() {
	defer close(e.done)
	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			channel := strings.TrimSuffix(filepath.Base(event.Name), ".md")
			e.reload(channel)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("rules watcher error", "error", err)
		}
	}
}

func (e *Engine) loadAll() error {
	entries, err := os.ReadDir(e.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		e.reload(strings.TrimSuffix(entry.Name(), ".md"))
	}
	return nil
}

func (e *Engine) reload(channel string) {
	path := filepath.Join(e.dir, channel+".md")
	data, err := os.ReadFile(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		delete(e.cache, channel)
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("rules reload failed", "channel", channel, "error", err)
		}
		return
	}
	e.cache[channel] = strings.TrimSpace(string(data))
	e.logger.Debug("rules loaded", "channel", channel, "bytes", len(data))
}

// Rules returns the raw rule text for the channel, or "".
func (e *Engine) Rules(channel models.ChannelType) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache[string(channel)]
}

// ChannelContext renders the prompt block for the channel. Empty when
// no rules exist.
func (e *Engine) ChannelContext(channel models.ChannelType) string {
	text := e.Rules(channel)
	if text == "" {
		return ""
	}
	return "[CHANNEL CONTEXT]\n" + text + "\n[END CHANNEL CONTEXT]"
}
