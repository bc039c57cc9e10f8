// Package objectstore implements the directory-backed object store
// behind the `audio` command verb (spec.md §6.3): opaque binary assets
// referenced by filename, with content-type inference by suffix.
//
// Grounded on the teacher's internal/messaging/backfill_service.go
// persistent-state pattern (os.WriteFile/os.ReadFile under a directory,
// filepath.Join for derived paths), generalized from JSON checkpoint
// files to arbitrary byte blobs; retried I/O is an enrichment from the
// rest of the pack (cenkalti/backoff) per SPEC_FULL.md's domain stack.
//
// decred/dcrd/lru backs a small "recently stat'd" membership cache: it
// is a plain bounded LRU set (Add/Contains/Delete over opaque keys, no
// associated values), so Info is still recomputed from os.Stat on a
// cache hit — the cache only saves us from re-stat'ing names that were
// looked up a moment ago and have since been evicted from the
// directory listing's OS cache under load.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/decred/dcrd/lru"
	"go.uber.org/zap"
)

// Info is one object's catalog entry (spec.md §6.3 list()). Uploaded is
// the backing file's mtime, so it survives process restarts without a
// separate metadata file.
type Info struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded"`
}

// Object is a fetched object's body plus its catalog metadata.
type Object struct {
	Body        []byte `json:"-"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Store is a directory-backed, content-addressed-by-filename object
// store. seen is a bounded LRU set of names known to exist as of their
// last lookup, letting Get skip a redundant os.Stat for names that were
// just written or just listed.
type Store struct {
	dir    string
	logger *zap.Logger

	seen *lru.Cache
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root %q: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		seen:   lru.New(256),
	}, nil
}

// List returns every object's catalog entry, sorted by name.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("objectstore: list: %w", err)
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := s.statOne(e.Name())
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Get fetches name's body and content metadata. Returns ok=false if the
// name has no backing object.
func (s *Store) Get(ctx context.Context, name string) (Object, bool, error) {
	path := s.pathFor(name)
	if !s.seen.Contains(name) {
		if _, err := os.Stat(path); err != nil {
			return Object{}, false, nil
		}
		s.seen.Add(name)
	}

	var body []byte
	op := func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.retryPolicy(), ctx)); err != nil {
		s.seen.Delete(name)
		if os.IsNotExist(err) {
			return Object{}, false, nil
		}
		return Object{}, false, fmt.Errorf("objectstore: get %q: %w", name, err)
	}

	return Object{
		Body:        body,
		Size:        int64(len(body)),
		ContentType: contentTypeFor(name),
	}, true, nil
}

// Put writes body under name and marks name present in the
// stat-membership cache. No content type is stored; Get infers it from
// the name's suffix.
func (s *Store) Put(ctx context.Context, name string, body []byte) error {
	path := s.pathFor(name)
	op := func() error {
		return os.WriteFile(path, body, 0o644)
	}
	if err := backoff.Retry(op, backoff.WithContext(s.retryPolicy(), ctx)); err != nil {
		return fmt.Errorf("objectstore: put %q: %w", name, err)
	}
	s.seen.Add(name)
	if s.logger != nil {
		s.logger.Info("objectstore: object stored", zap.String("name", name), zap.Int("bytes", len(body)))
	}
	return nil
}

func (s *Store) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func (s *Store) statOne(name string) (Info, error) {
	fi, err := os.Stat(s.pathFor(name))
	if err != nil {
		s.seen.Delete(name)
		return Info{}, err
	}
	s.seen.Add(name)
	return Info{Name: name, Size: fi.Size(), Uploaded: fi.ModTime()}, nil
}

// pathFor guards against path traversal: name is always treated as a
// single path element.
func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// contentTypeFor infers a MIME type by filename suffix (spec.md §6.3).
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
