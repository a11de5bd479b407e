// Package file implements a cache.Store on the local filesystem. Each entry
// is one JSON document named by the SHA-256 of its key, so entries survive
// restarts of a single replica without any external service.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/hash/sha256"
)

const entryExt = ".json"

// Config captures the directory entries are written to.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// Store reads and writes entry files under BaseDir.
type Store struct {
	baseDir string
	names   *sha256.Hasher
	logger  *zap.Logger

	// mu serializes writers; readers rely on rename being atomic.
	mu sync.Mutex
}

// New creates the directory if needed and checks that it is writable.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %q is not a directory", cfg.BaseDir)
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &Store{
		baseDir: filepath.Clean(cfg.BaseDir),
		names:   sha256.New(),
		logger:  logger,
	}, nil
}

// Path maps a cache key to its file.
func (s *Store) Path(key string) string {
	return filepath.Join(s.baseDir, s.names.Sum([]byte(key))+entryExt)
}

// Get reads the key's file.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	return s.read(s.Path(key))
}

func (s *Store) read(path string) (cache.Entry, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("read entry: %w", err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return entry, true, nil
}

// Set writes the entry to a temp file and renames it into place.
func (s *Store) Set(_ context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	entry.Key = key
	entry.TTL = ttl
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.baseDir, ".entry-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename entry: %w", err)
	}
	return nil
}

// Delete removes the key's file.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return true, nil
}

// Flush removes every entry file. Unrelated files in BaseDir are kept.
func (s *Store) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.list()
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("delete %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

// Keys returns the keys of all readable entries in sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// Entries reads every entry file ordered by key. Files that fail to decode
// are logged and skipped.
func (s *Store) Entries(context.Context) ([]cache.Entry, error) {
	paths, err := s.list()
	if err != nil {
		return nil, err
	}
	out := make([]cache.Entry, 0, len(paths))
	for _, p := range paths {
		entry, ok, err := s.read(p)
		if err != nil {
			s.logger.Warn("skipping unreadable cache file", zap.String("file", p), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) list() ([]string, error) {
	dirEntries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list cache directory: %w", err)
	}
	var paths []string
	for _, d := range dirEntries {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != entryExt {
			continue
		}
		paths = append(paths, filepath.Join(s.baseDir, name))
	}
	return paths, nil
}
