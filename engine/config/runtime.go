package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes one applied hot reload.
type Change struct {
	Config           Config
	ChangedAt        time.Time
	Checksum         string
	PreviousChecksum string
}

// ChangeHandler receives applied config changes.
type ChangeHandler func(Change)

// Store owns the effective configuration, serves concurrent readers and
// applies validated updates from the API or the file watcher.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	checksum string
	path     string
	logger   *slog.Logger

	handlersMu sync.Mutex
	handlers   []ChangeHandler

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped sync.Once
}

// NewStore wraps cfg; path may be empty when no file backs the store.
func NewStore(cfg Config, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	raw, _ := cfg.Marshal()
	return &Store{
		cfg:      cfg,
		checksum: checksumOf(raw),
		path:     path,
		logger:   logger.With("component", "config"),
		stop:     make(chan struct{}),
	}
}

// Current returns a copy of the effective configuration.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Checksum returns the checksum of the effective configuration.
func (s *Store) Checksum() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checksum
}

// Section returns a copy of one named section.
func (s *Store) Section(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Section(name)
}

// UpdateSection validates and applies a section update, then notifies
// handlers.
func (s *Store) UpdateSection(name string, raw []byte) error {
	s.mu.Lock()
	next := s.cfg
	if err := next.UpdateSection(name, raw); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.checksum
	rendered, _ := next.Marshal()
	s.cfg = next
	s.checksum = checksumOf(rendered)
	change := Change{Config: s.cfg, ChangedAt: time.Now(), Checksum: s.checksum, PreviousChecksum: prev}
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// OnChange registers a handler invoked after every applied change.
func (s *Store) OnChange(h ChangeHandler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

func (s *Store) notify(change Change) {
	s.handlersMu.Lock()
	handlers := append([]ChangeHandler(nil), s.handlers...)
	s.handlersMu.Unlock()
	for _, h := range handlers {
		h(change)
	}
}

// Watch starts the fsnotify loop reloading the backing file on writes.
// Reloads with an unchanged checksum are ignored; invalid files are logged
// and skipped, keeping the last good config in effect.
func (s *Store) Watch() error {
	if s.path == "" {
		return fmt.Errorf("config store has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch held
	// on the file itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	base := filepath.Base(s.path)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "err", err)
		case <-s.stop:
			return
		}
	}
}

func (s *Store) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("config reload read failed", "err", err)
		return
	}
	next, err := Parse(raw)
	if err != nil {
		s.logger.Warn("config reload rejected", "err", err)
		return
	}
	rendered, _ := next.Marshal()
	sum := checksumOf(rendered)

	s.mu.Lock()
	if sum == s.checksum {
		s.mu.Unlock()
		return
	}
	prev := s.checksum
	s.cfg = next
	s.checksum = sum
	change := Change{Config: next, ChangedAt: time.Now(), Checksum: sum, PreviousChecksum: prev}
	s.mu.Unlock()

	s.logger.Info("config reloaded", "checksum", sum)
	s.notify(change)
}

// Close stops the watcher, if any.
func (s *Store) Close() {
	s.stopped.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}

func checksumOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
