package prompts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const defaultWatchDebounce = 250 * time.Millisecond

// FileSource serves prompts overridden from a YAML or JSON5 file on top of the
// defaults. With Watch the file is reloaded when it changes; a reload that
// fails keeps the previous prompts.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current Set

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileSource loads path. A missing file is an error.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileSource{
		path:     path,
		debounce: defaultWatchDebounce,
		logger:   logger.With("component", "prompts"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the prompts in effect.
func (s *FileSource) Current() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload reads the file again.
func (s *FileSource) Reload() error {
	set, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = set
	s.mu.Unlock()
	return nil
}

// LoadFile reads an override file and merges it over Default.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read prompts: %w", err)
	}
	var override Set
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		err = json5.Unmarshal(data, &override)
	default:
		err = yaml.Unmarshal(data, &override)
	}
	if err != nil {
		return Set{}, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	return Default().Merge(override), nil
}

// Watch reloads the file on change until ctx is done or Close is called. The
// parent directory is watched so editors that replace the file are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompts watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch prompts: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	target := filepath.Clean(s.path)

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("prompt reload failed, keeping previous prompts", "path", s.path, "error", err)
				return
			}
			s.logger.Info("prompts reloaded", "path", s.path)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prompt watch error", "error", err)
		}
	}
}

// Close stops watching.
func (s *FileSource) Close() error {
	s.watchMu.Lock()
	watcher, cancel := s.watcher, s.cancel
	s.watcher, s.cancel = nil, nil
	s.watchMu.Unlock()
	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	s.wg.Wait()
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}
