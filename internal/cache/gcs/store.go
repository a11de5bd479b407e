// Package gcs provides a cache.Store backed by Google Cloud Storage. Each
// entry is one object whose body is the HTML and whose metadata carries the
// fingerprint and TTL.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
	"github.com/JakeFAU/render-cache/internal/hash/sha256"
)

// Metadata keys written on every object.
const (
	metaKey         = "cache-key"
	metaURL         = "url"
	metaStatus      = "status-code"
	metaChangeType  = "change-type"
	metaStoredAt    = "stored-at"
	metaTTL         = "ttl"
	metaFingerprint = "fingerprint"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Store reads and writes cache objects.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	names  *sha256.Hasher
	logger *zap.Logger
}

// New creates a GCS-backed cache store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "render-cache"
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		names:  sha256.New(),
		logger: logger,
	}, nil
}

// ObjectName maps a cache key to its object path.
func (s *Store) ObjectName(key string) string {
	return path.Join(s.prefix, s.names.Sum([]byte(key))+".html")
}

// Get reads attributes then the body of the key's object.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	return s.get(ctx, s.client.Bucket(s.bucket).Object(s.ObjectName(key)))
}

func (s *Store) get(ctx context.Context, obj *storage.ObjectHandle) (cache.Entry, bool, error) {
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("object attrs: %w", err)
	}
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("open object: %w", err)
	}
	body, err := io.ReadAll(r)
	closeErr := r.Close()
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("read object: %w", err)
	}
	if closeErr != nil {
		return cache.Entry{}, false, fmt.Errorf("close reader: %w", closeErr)
	}
	entry, err := decodeEntry(attrs.Metadata, string(body))
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode %s: %w", attrs.Name, err)
	}
	return entry, true, nil
}

// Set writes the key's object, replacing any previous generation.
func (s *Store) Set(ctx context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	entry.Key = key
	entry.TTL = ttl
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	meta, err := encodeMetadata(entry)
	if err != nil {
		return err
	}
	name := s.ObjectName(key)
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "text/html; charset=utf-8"
	writer.Metadata = meta
	if _, err := io.Copy(writer, strings.NewReader(entry.HTML)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	return nil
}

// Delete removes the key's object.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	err := s.client.Bucket(s.bucket).Object(s.ObjectName(key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	return true, nil
}

// Flush deletes every object under the prefix.
func (s *Store) Flush(ctx context.Context) error {
	var errs []error
	err := s.walk(ctx, func(attrs *storage.ObjectAttrs) error {
		err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("delete %s: %w", attrs.Name, err))
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Keys lists the cache keys recorded in object metadata.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.walk(ctx, func(attrs *storage.ObjectAttrs) error {
		if k := attrs.Metadata[metaKey]; k != "" {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Entries reads every object under the prefix. Objects that fail to decode
// are logged and skipped.
func (s *Store) Entries(ctx context.Context) ([]cache.Entry, error) {
	var out []cache.Entry
	err := s.walk(ctx, func(attrs *storage.ObjectAttrs) error {
		entry, ok, err := s.get(ctx, s.client.Bucket(s.bucket).Object(attrs.Name))
		if err != nil {
			s.logger.Warn("skipping unreadable cache object", zap.String("object", attrs.Name), zap.Error(err))
			return nil
		}
		if ok {
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) walk(ctx context.Context, fn func(*storage.ObjectAttrs) error) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if err := fn(attrs); err != nil {
			return err
		}
	}
}

func encodeMetadata(e cache.Entry) (map[string]string, error) {
	fp, err := json.Marshal(e.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("marshal fingerprint: %w", err)
	}
	return map[string]string{
		metaKey:         e.Key,
		metaURL:         e.URL,
		metaStatus:      strconv.Itoa(e.StatusCode),
		metaChangeType:  string(e.ChangeType),
		metaStoredAt:    e.StoredAt.UTC().Format(time.RFC3339Nano),
		metaTTL:         e.TTL.String(),
		metaFingerprint: string(fp),
	}, nil
}

func decodeEntry(meta map[string]string, html string) (cache.Entry, error) {
	e := cache.Entry{
		Key:        meta[metaKey],
		URL:        meta[metaURL],
		HTML:       html,
		ChangeType: fingerprint.ChangeType(meta[metaChangeType]),
	}
	if e.Key == "" {
		return cache.Entry{}, errors.New("missing cache key metadata")
	}
	var err error
	if v := meta[metaStatus]; v != "" {
		if e.StatusCode, err = strconv.Atoi(v); err != nil {
			return cache.Entry{}, fmt.Errorf("parse status code: %w", err)
		}
	}
	if v := meta[metaStoredAt]; v != "" {
		if e.StoredAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return cache.Entry{}, fmt.Errorf("parse stored-at: %w", err)
		}
	}
	if v := meta[metaTTL]; v != "" {
		if e.TTL, err = time.ParseDuration(v); err != nil {
			return cache.Entry{}, fmt.Errorf("parse ttl: %w", err)
		}
	}
	if v := meta[metaFingerprint]; v != "" {
		if err := json.Unmarshal([]byte(v), &e.Fingerprint); err != nil {
			return cache.Entry{}, fmt.Errorf("parse fingerprint: %w", err)
		}
	}
	return e, nil
}
