package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/internal/metadata/metadatatest"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	metadatatest.Run(t, func(t *testing.T) metadata.Store { return newTestStore(t) })
}

func TestTablesCreated(t *testing.T) {
	s := newTestStore(t)

	rows, err := s.DB().Query("SELECT name FROM sqlite_master WHERE type='table'")
	require.NoError(t, err)
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	assert.Contains(t, tables, "items")
	assert.Contains(t, tables, "history")
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restfs.db")
	date := time.Date(2022, 2, 1, 12, 0, 0, 123456000, time.UTC)

	s, err := New(ctx, path)
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, metadatatest.File("f", "", "/x", 7, date)))
	require.NoError(t, tx.Commit())
	require.NoError(t, s.Close())

	s, err = New(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	n, err := tx.GetNode(ctx, "f")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.True(t, n.Date.Equal(date), "microseconds must survive the round trip")
}
