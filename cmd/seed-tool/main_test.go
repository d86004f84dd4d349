package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/pkg/models"
)

func TestCollect(t *testing.T) {
	logging.InitNop()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs", "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.md"), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "img", "empty.png"), nil, 0o644))

	items, err := collect(dir)
	require.NoError(t, err)
	require.Len(t, items, 4)

	byID := make(map[string]int)
	for i, it := range items {
		byID[it.ID] = i
	}

	docs := nodeID("/docs")
	img := nodeID("/docs/img")
	a := nodeID("/docs/a.md")
	readme := nodeID("/readme.txt")

	assert.Equal(t, models.TypeFolder, items[byID[docs]].Type)
	assert.Nil(t, items[byID[docs]].ParentID)
	assert.Equal(t, docs, *items[byID[img]].ParentID)

	assert.Equal(t, models.TypeFile, items[byID[a]].Type)
	assert.Equal(t, int64(3), *items[byID[a]].Size)
	assert.Equal(t, "/docs/a.md", *items[byID[a]].URL)
	assert.Less(t, byID[docs], byID[a], "folders precede their contents")
	assert.Nil(t, items[byID[readme]].ParentID)

	_, hasEmpty := byID[nodeID("/docs/img/empty.png")]
	assert.False(t, hasEmpty)
}
