package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestListDocumentsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "older.mdx", "---\ntitle: Older\ndate: 2023-05-01\n---\nold body\n")
	writeDoc(t, dir, "newer.md", "---\ntitle: Newer\ndescription: fresh\ndate: 2024-02-10\n---\nnew body\n")
	writeDoc(t, dir, "draft.mdx", "---\ntitle: Draft\ndraft: true\n---\nwip\n")
	writeDoc(t, dir, "notes.txt", "ignored")

	s := NewStore(dir, nil)
	docs, err := s.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "newer", docs[0].Slug)
	assert.Equal(t, "Newer", docs[0].Title)
	assert.Equal(t, "fresh", docs[0].Description)
	assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), docs[0].Date)
	assert.Equal(t, "older", docs[1].Slug)
}

func TestListDocumentsCachesUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "one.mdx", "---\ntitle: One\n---\n")

	s := NewStore(dir, nil)
	docs, err := s.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)

	writeDoc(t, dir, "two.mdx", "---\ntitle: Two\n---\n")
	docs, err = s.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1, "listing is cached")

	s.Invalidate()
	docs, err = s.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "hello-world.mdx", "---\ntitle: Hello World\n---\n\n# Hello\n\nBody text.\n")

	s := NewStore(dir, nil)
	doc, err := s.Lookup(context.Background(), "hello-world")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Hello World", doc.Title)
	assert.Equal(t, "# Hello\n\nBody text.\n", doc.Body)

	missing, err := s.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLookupHidesDrafts(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "wip.mdx", "---\ntitle: WIP\ndraft: true\n---\nsecret plans\n")

	doc, err := NewStore(dir, nil).Lookup(context.Background(), "wip")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLookupRejectsTraversal(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	for _, slug := range []string{"../secret", "a/../../b", "/etc/passwd", "", "UPPER"} {
		_, err := s.Lookup(context.Background(), slug)
		assert.ErrorIs(t, err, ErrInvalidSlug, "slug %q", slug)
	}
}

func TestParseWithoutFrontMatter(t *testing.T) {
	meta, body, draft, err := parse("plain", []byte("just text"))
	require.NoError(t, err)
	assert.False(t, draft)
	assert.Equal(t, "plain", meta.Title)
	assert.Equal(t, "just text", body)
}

func TestParseUnterminatedFrontMatter(t *testing.T) {
	_, _, _, err := parse("broken", []byte("---\ntitle: x\n"))
	assert.Error(t, err)
}
