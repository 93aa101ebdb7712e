// Package content provides read access to the site's published documents.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ryanwaits/site/internal/domain"
)

var (
	// ErrInvalidSlug is returned for slugs that could address files outside
	// the content directory.
	ErrInvalidSlug = errors.New("invalid document slug")

	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,99}$`)
	extensions  = []string{".mdx", ".md"}
)

type frontmatter struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Date        string `yaml:"date"`
	Draft       bool   `yaml:"draft"`
}

// Store reads documents from a directory of MDX files with YAML front matter.
// The listing is cached until the directory changes.
type Store struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	listing []domain.DocumentMeta
	valid   bool
}

// NewStore creates a store over dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// ListDocuments returns metadata for every published document, newest first.
func (s *Store) ListDocuments(_ context.Context) ([]domain.DocumentMeta, error) {
	s.mu.RLock()
	if s.valid {
		out := append([]domain.DocumentMeta(nil), s.listing...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	listing, err := s.scan()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.listing = listing
	s.valid = true
	s.mu.Unlock()

	return append([]domain.DocumentMeta(nil), listing...), nil
}

// Lookup returns the document for slug, or nil when it does not exist.
func (s *Store) Lookup(_ context.Context, slug string) (*domain.Document, error) {
	if !slugPattern.MatchString(slug) || strings.Contains(slug, "..") {
		return nil, ErrInvalidSlug
	}

	for _, ext := range extensions {
		path := filepath.Join(s.dir, slug+ext)
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", slug, err)
		}
		meta, body, draft, err := parse(slug, raw)
		if err != nil {
			return nil, err
		}
		if draft {
			return nil, nil
		}
		return &domain.Document{DocumentMeta: meta, Body: body}, nil
	}
	return nil, nil
}

// Invalidate drops the cached listing.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// Watch invalidates the cached listing whenever the content directory
// changes. It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create content watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.logger.Info("Watching content directory", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.logger.Debug("Content changed", "path", event.Name, "op", event.Op.String())
				s.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Content watcher error", "error", err)
		}
	}
}

func (s *Store) scan() ([]domain.DocumentMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list content directory %s: %w", s.dir, err)
	}

	seen := make(map[string]bool)
	var listing []domain.DocumentMeta
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".mdx" && ext != ".md" {
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), ext)
		if seen[slug] || !slugPattern.MatchString(slug) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable document", "file", entry.Name(), "error", err)
			continue
		}
		meta, _, draft, err := parse(slug, raw)
		if err != nil {
			s.logger.Warn("Skipping malformed document", "file", entry.Name(), "error", err)
			continue
		}
		if draft {
			continue
		}
		seen[slug] = true
		listing = append(listing, meta)
	}

	sort.SliceStable(listing, func(i, j int) bool {
		if listing[i].Date.Equal(listing[j].Date) {
			return listing[i].Slug < listing[j].Slug
		}
		return listing[i].Date.After(listing[j].Date)
	})
	return listing, nil
}

// parse splits front matter from body and reports whether the document is a
// draft.
func parse(slug string, raw []byte) (domain.DocumentMeta, string, bool, error) {
	meta := domain.DocumentMeta{Slug: slug, Title: slug}
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))

	if !bytes.HasPrefix(raw, []byte("---")) {
		return meta, string(raw), false, nil
	}
	rest := raw[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return meta, "", false, fmt.Errorf("document %s: unterminated front matter", slug)
	}

	var fm frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return meta, "", false, fmt.Errorf("document %s: parse front matter: %w", slug, err)
	}

	body := rest[end+len("\n---"):]
	body = bytes.TrimLeft(body, "\r\n")

	if fm.Title != "" {
		meta.Title = fm.Title
	}
	meta.Description = fm.Description
	if fm.Date != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, fm.Date); err == nil {
				meta.Date = ts
				break
			}
		}
	}
	return meta, string(body), fm.Draft, nil
}
