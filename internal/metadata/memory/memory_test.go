package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/internal/metadata/metadatatest"
	"github.com/fruitsalade/restfs/pkg/models"
)

func TestStore(t *testing.T) {
	metadatatest.Run(t, func(t *testing.T) metadata.Store { return New() })
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	writer, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.PutNode(ctx, &models.Node{ID: "f", Type: models.TypeFile, Size: 1}))

	reader, err := s.Begin(ctx)
	require.NoError(t, err)
	n, err := reader.GetNode(ctx, "f")
	require.NoError(t, err)
	assert.Nil(t, n, "uncommitted write must not be visible")
	require.NoError(t, reader.Rollback())

	require.NoError(t, writer.Commit())
	assert.Error(t, writer.Commit())
	assert.Error(t, writer.PutNode(ctx, &models.Node{ID: "g"}))
}

func TestReturnedNodesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, &models.Node{ID: "f", Type: models.TypeFile, Size: 1}))

	n, err := tx.GetNode(ctx, "f")
	require.NoError(t, err)
	n.Size = 500

	again, err := tx.GetNode(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Size)
}

func TestReadTransactionsShareCommittedState(t *testing.T) {
	ctx := context.Background()
	s := New()

	r, err := s.Begin(ctx)
	require.NoError(t, err)
	defer r.Rollback()
	_, err = r.ListChildren(ctx, "root")
	require.NoError(t, err)

	assert.Same(t, s.state, r.(*tx).state, "reads must not copy the store")
}

func TestWriteCopiesBeforeModifying(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx1.PutNode(ctx, &models.Node{ID: "kept", Type: models.TypeFile, Size: 1}))
	require.NoError(t, tx1.Commit())
	committed := s.state

	reader, err := s.Begin(ctx)
	require.NoError(t, err)
	defer reader.Rollback()

	writer, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.DeleteNode(ctx, "kept"))
	require.NoError(t, writer.AppendHistory(ctx, &models.HistoryRecord{ID: "kept", Type: models.TypeFile, Size: 1}))
	require.NoError(t, writer.Rollback())

	assert.Same(t, committed, s.state)
	n, err := reader.GetNode(ctx, "kept")
	require.NoError(t, err)
	assert.NotNil(t, n)
	recs, err := reader.QueryHistory(ctx, "kept", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReaderKeepsSnapshotAcrossCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	reader, err := s.Begin(ctx)
	require.NoError(t, err)
	defer reader.Rollback()

	writer, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.PutNode(ctx, &models.Node{ID: "late", Type: models.TypeFile, Size: 1}))
	require.NoError(t, writer.Commit())

	n, err := reader.GetNode(ctx, "late")
	require.NoError(t, err)
	assert.Nil(t, n)

	fresh, err := s.Begin(ctx)
	require.NoError(t, err)
	defer fresh.Rollback()
	n, err = fresh.GetNode(ctx, "late")
	require.NoError(t, err)
	assert.NotNil(t, n)
}
