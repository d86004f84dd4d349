// Package metadatatest holds the behaviour every metadata.Store must share.
// Backend packages run it from their own tests.
package metadatatest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/pkg/models"
)

var t0 = time.Date(2022, 2, 1, 12, 0, 0, 0, time.UTC)

// Folder builds a folder node.
func Folder(id, parent string, size int64, date time.Time) *models.Node {
	return &models.Node{ID: id, Type: models.TypeFolder, ParentID: models.StrPtr(parent), Size: size, Date: date}
}

// File builds a file node.
func File(id, parent, url string, size int64, date time.Time) *models.Node {
	return &models.Node{ID: id, Type: models.TypeFile, ParentID: models.StrPtr(parent), URL: models.StrPtr(url), Size: size, Date: date}
}

// Run exercises store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) metadata.Store) {
	t.Run("PutGetReplace", func(t *testing.T) { testPutGetReplace(t, newStore(t)) })
	t.Run("MissingNode", func(t *testing.T) { testMissingNode(t, newStore(t)) })
	t.Run("ListChildren", func(t *testing.T) { testListChildren(t, newStore(t)) })
	t.Run("ListChildrenBytewise", func(t *testing.T) { testListChildrenBytewise(t, newStore(t)) })
	t.Run("ListUpdatedSince", func(t *testing.T) { testListUpdatedSince(t, newStore(t)) })
	t.Run("HistoryRange", func(t *testing.T) { testHistoryRange(t, newStore(t)) })
	t.Run("HistoryReplaceSameDate", func(t *testing.T) { testHistoryReplace(t, newStore(t)) })
	t.Run("PurgeHistory", func(t *testing.T) { testPurgeHistory(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func withTx(t *testing.T, s metadata.Store, fn func(tx metadata.Tx)) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func testPutGetReplace(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.PutNode(ctx, Folder("root", "", 0, t0)))
		require.NoError(t, tx.PutNode(ctx, File("f1", "root", "/a.txt", 10, t0)))
	})

	withTx(t, s, func(tx metadata.Tx) {
		n, err := tx.GetNode(ctx, "f1")
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Equal(t, models.TypeFile, n.Type)
		assert.Equal(t, "root", n.Parent())
		require.NotNil(t, n.URL)
		assert.Equal(t, "/a.txt", *n.URL)
		assert.Equal(t, int64(10), n.Size)
		assert.True(t, n.Date.Equal(t0))

		root, err := tx.GetNode(ctx, "root")
		require.NoError(t, err)
		assert.Nil(t, root.ParentID)
		assert.Nil(t, root.URL)

		require.NoError(t, tx.PutNode(ctx, File("f1", "", "/b.txt", 20, t0.Add(time.Hour))))
	})

	withTx(t, s, func(tx metadata.Tx) {
		n, err := tx.GetNode(ctx, "f1")
		require.NoError(t, err)
		assert.Nil(t, n.ParentID)
		assert.Equal(t, "/b.txt", *n.URL)
		assert.Equal(t, int64(20), n.Size)
		assert.True(t, n.Date.Equal(t0.Add(time.Hour)))
	})
}

func testMissingNode(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		n, err := tx.GetNode(ctx, "nope")
		assert.NoError(t, err)
		assert.Nil(t, n)
		assert.NoError(t, tx.DeleteNode(ctx, "nope"))
	})
}

func testListChildren(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.PutNode(ctx, Folder("root", "", 0, t0)))
		require.NoError(t, tx.PutNode(ctx, File("c", "root", "", 1, t0)))
		require.NoError(t, tx.PutNode(ctx, File("a", "root", "", 1, t0)))
		require.NoError(t, tx.PutNode(ctx, Folder("b", "root", 0, t0)))
		require.NoError(t, tx.PutNode(ctx, File("deep", "b", "", 1, t0)))
		require.NoError(t, tx.PutNode(ctx, File("other", "", "", 1, t0)))
	})

	withTx(t, s, func(tx metadata.Tx) {
		children, err := tx.ListChildren(ctx, "root")
		require.NoError(t, err)
		var ids []string
		for _, c := range children {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		require.NoError(t, tx.DeleteNode(ctx, "a"))
		children, err = tx.ListChildren(ctx, "root")
		require.NoError(t, err)
		assert.Len(t, children, 2)

		none, err := tx.ListChildren(ctx, "deep")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

// Ids compare bytewise: upper case before lower case, regardless of locale.
func testListChildrenBytewise(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.PutNode(ctx, Folder("root", "", 0, t0)))
		for _, id := range []string{"b", "a", "C", "B", "_x", "10", "9"} {
			require.NoError(t, tx.PutNode(ctx, File(id, "root", "", 1, t0)))
		}
	})

	want := []string{"10", "9", "B", "C", "_x", "a", "b"}
	withTx(t, s, func(tx metadata.Tx) {
		children, err := tx.ListChildren(ctx, "root")
		require.NoError(t, err)
		var ids []string
		for _, c := range children {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, want, ids)

		updated, err := tx.ListUpdatedSince(ctx, t0)
		require.NoError(t, err)
		var since []string
		for _, n := range updated {
			since = append(since, n.ID)
		}
		assert.Equal(t, append(want, "root"), since)
	})
}

func testListUpdatedSince(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.PutNode(ctx, File("old", "", "", 1, t0.Add(-48*time.Hour))))
		require.NoError(t, tx.PutNode(ctx, File("edge", "", "", 1, t0.Add(-24*time.Hour))))
		require.NoError(t, tx.PutNode(ctx, File("new", "", "", 1, t0)))
	})

	withTx(t, s, func(tx metadata.Tx) {
		nodes, err := tx.ListUpdatedSince(ctx, t0.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "edge", nodes[0].ID)
		assert.Equal(t, "new", nodes[1].ID)
	})
}

func record(id string, size int64, date time.Time) *models.HistoryRecord {
	return File(id, "", "", size, date).Snapshot()
}

func testHistoryRange(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		for i := 0; i < 4; i++ {
			require.NoError(t, tx.AppendHistory(ctx, record("f", int64(i+1), t0.Add(time.Duration(i)*time.Hour))))
		}
		require.NoError(t, tx.AppendHistory(ctx, record("g", 99, t0)))
	})

	withTx(t, s, func(tx metadata.Tx) {
		all, err := tx.QueryHistory(ctx, "f", nil, nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)
		assert.Equal(t, int64(1), all[0].Size)
		assert.Equal(t, int64(4), all[3].Size)

		start, end := t0.Add(time.Hour), t0.Add(2*time.Hour)
		ranged, err := tx.QueryHistory(ctx, "f", &start, &end)
		require.NoError(t, err)
		require.Len(t, ranged, 2)
		assert.True(t, ranged[0].Date.Equal(start))
		assert.True(t, ranged[1].Date.Equal(end))

		from, err := tx.QueryHistory(ctx, "f", &end, nil)
		require.NoError(t, err)
		assert.Len(t, from, 2)

		to, err := tx.QueryHistory(ctx, "f", nil, &start)
		require.NoError(t, err)
		assert.Len(t, to, 2)
	})
}

func testHistoryReplace(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.AppendHistory(ctx, record("f", 1, t0)))
		require.NoError(t, tx.AppendHistory(ctx, record("f", 2, t0)))
	})

	withTx(t, s, func(tx metadata.Tx) {
		recs, err := tx.QueryHistory(ctx, "f", nil, nil)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, int64(2), recs[0].Size)
	})
}

func testPurgeHistory(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.AppendHistory(ctx, record("f", 1, t0)))
		require.NoError(t, tx.AppendHistory(ctx, record("f", 2, t0.Add(time.Hour))))
		require.NoError(t, tx.AppendHistory(ctx, record("g", 3, t0)))
	})

	withTx(t, s, func(tx metadata.Tx) {
		require.NoError(t, tx.PurgeHistory(ctx, "f"))
	})

	withTx(t, s, func(tx metadata.Tx) {
		recs, err := tx.QueryHistory(ctx, "f", nil, nil)
		require.NoError(t, err)
		assert.Empty(t, recs)

		recs, err = tx.QueryHistory(ctx, "g", nil, nil)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}

func testRollback(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, File("f", "", "", 1, t0)))
	require.NoError(t, tx.AppendHistory(ctx, record("f", 1, t0)))
	require.NoError(t, tx.Rollback())

	withTx(t, s, func(tx metadata.Tx) {
		n, err := tx.GetNode(ctx, "f")
		require.NoError(t, err)
		assert.Nil(t, n)
		recs, err := tx.QueryHistory(ctx, "f", nil, nil)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}
