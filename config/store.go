package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/CK6170/Spoolscale-go/internal/fsutil"
)

const reloadDebounce = 100 * time.Millisecond

// Store is a flat key/value settings file in TOML. Values are kept as strings
// in memory; numeric strings are written as TOML floats.
//
// Every Set rewrites the file through a temp file and rename, so a failed
// write leaves the previous file and the in-memory value untouched.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	values   map[string]string
	onChange []func(map[string]string)
}

// OpenStore loads path; a missing file is an empty store.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	values, err := readStore(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger, values: values}, nil
}

func readStore(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("decode settings %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case float64:
			values[k] = strconv.FormatFloat(v, 'g', -1, 64)
		case int64:
			values[k] = strconv.FormatInt(v, 10)
		case bool:
			values[k] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("settings %s: key %q has unsupported type %T", path, k, v)
		}
	}
	return values, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of every setting.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.values)
	next[key] = value
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *Store) write(values map[string]string) error {
	doc := make(map[string]any, len(values))
	for k, v := range values {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			doc[k] = f
		} else {
			doc[k] = v
		}
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return fsutil.WriteAtomic(s.path, &buf, 0o644)
}

// OnChange registers fn to run after the file was reloaded from disk.
func (s *Store) OnChange(fn func(map[string]string)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Watch reloads the store when the file is edited externally, until ctx is
// done. The watcher is set up before Watch returns.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, s.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings watcher error", "path", s.path, "err", err)
		}
	}
}

func (s *Store) reload() {
	values, err := readStore(s.path)
	if err != nil {
		s.logger.Warn("settings reload failed, keeping previous values", "path", s.path, "err", err)
		return
	}
	s.mu.Lock()
	if maps.Equal(values, s.values) {
		s.mu.Unlock()
		return
	}
	s.values = values
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	s.logger.Info("settings reloaded", "path", s.path, "keys", len(values))
	for _, fn := range callbacks {
		fn(maps.Clone(values))
	}
}
