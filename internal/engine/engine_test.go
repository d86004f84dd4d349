package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/internal/metadata/memory"
	"github.com/fruitsalade/restfs/pkg/models"
	"github.com/fruitsalade/restfs/pkg/protocol"
)

var t0 = time.Date(2022, 2, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func folder(id, parent string) protocol.NodeImport {
	return protocol.NodeImport{ID: id, Type: models.TypeFolder, ParentID: models.StrPtr(parent)}
}

func file(id, parent string, size int64) protocol.NodeImport {
	return protocol.NodeImport{ID: id, Type: models.TypeFile, ParentID: models.StrPtr(parent), URL: models.StrPtr("/file/" + id), Size: &size}
}

func newEngine(t *testing.T) (*Engine, metadata.Store) {
	t.Helper()
	store := memory.New()
	return New(store), store
}

func mustImport(t *testing.T, e *Engine, date time.Time, items ...protocol.NodeImport) *Result {
	t.Helper()
	res, err := e.Import(context.Background(), items, date)
	require.NoError(t, err)
	return res
}

func getNode(t *testing.T, store metadata.Store, id string) *models.Node {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	n, err := tx.GetNode(ctx, id)
	require.NoError(t, err)
	return n
}

func sizeOf(t *testing.T, store metadata.Store, id string) int64 {
	t.Helper()
	n := getNode(t, store, id)
	require.NotNil(t, n, "node %s", id)
	return n.Size
}

func history(t *testing.T, e *Engine, id string) []*models.HistoryRecord {
	t.Helper()
	recs, err := e.History(context.Background(), id, nil, nil)
	require.NoError(t, err)
	return recs
}

// assertSizesConsistent checks every folder in the tree rooted at id.
func assertSizesConsistent(t *testing.T, e *Engine, id string) {
	t.Helper()
	tree, err := e.Node(context.Background(), id)
	require.NoError(t, err)

	var check func(n *models.TreeNode) int64
	check = func(n *models.TreeNode) int64 {
		if !n.IsFolder() {
			return n.Size
		}
		var sum int64
		for _, c := range n.Children {
			sum += check(c)
		}
		assert.Equal(t, sum, n.Size, "folder %s", n.ID)
		return n.Size
	}
	check(tree)
}

func TestImportExample(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	res := mustImport(t, e, t0, folder("folder1", ""), file("file1", "folder1", 100))
	require.Len(t, res.Imported, 2)
	require.Len(t, res.Touched, 1)
	assert.Equal(t, "folder1", res.Touched[0].ID)
	assert.Equal(t, int64(100), res.Touched[0].Size)

	tree, err := e.Node(ctx, "folder1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), tree.Size)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "file1", tree.Children[0].ID)
	assert.Nil(t, tree.Children[0].Children)

	t1 := t0.Add(time.Hour)
	del, err := e.Delete(ctx, "file1", t1)
	require.NoError(t, err)
	assert.Equal(t, []string{"file1"}, del.Removed)

	tree, err = e.Node(ctx, "folder1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tree.Size)
	assert.NotNil(t, tree.Children)
	assert.Empty(t, tree.Children)
	assert.True(t, tree.Date.Equal(t1))

	assert.Nil(t, getNode(t, store, "file1"))
}

func TestImportNestedSizes(t *testing.T) {
	e, _ := newEngine(t)

	mustImport(t, e, t0,
		folder("root", ""),
		folder("a", "root"),
		folder("b", "a"),
		file("f1", "root", 5),
		file("f2", "a", 7),
		file("f3", "b", 11),
		file("f4", "b", 13),
	)
	assertSizesConsistent(t, e, "root")

	tree, err := e.Node(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, int64(36), tree.Size)
	var ids []string
	for _, c := range tree.Children {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "f1"}, ids)
}

func TestReimportFileAppliesDifference(t *testing.T) {
	e, store := newEngine(t)

	mustImport(t, e, t0, folder("root", ""), folder("sub", "root"), file("f", "sub", 100), file("g", "root", 1))
	require.Equal(t, int64(101), sizeOf(t, store, "root"))

	t1 := t0.Add(time.Hour)
	res := mustImport(t, e, t1, file("f", "sub", 40))

	assert.Equal(t, int64(40), sizeOf(t, store, "sub"))
	assert.Equal(t, int64(41), sizeOf(t, store, "root"))
	assert.Len(t, res.Touched, 2)
	assert.True(t, getNode(t, store, "root").Date.Equal(t1))
	assertSizesConsistent(t, e, "root")

	recs := history(t, e, "sub")
	require.Len(t, recs, 2)
	assert.Equal(t, int64(100), recs[0].Size)
	assert.Equal(t, int64(40), recs[1].Size)
}

func TestReimportFolderKeepsSize(t *testing.T) {
	e, store := newEngine(t)

	mustImport(t, e, t0, folder("root", ""), file("f", "root", 10))
	size := int64(999)
	mustImport(t, e, t0.Add(time.Minute), protocol.NodeImport{ID: "root", Type: models.TypeFolder, Size: &size})

	assert.Equal(t, int64(10), sizeOf(t, store, "root"))
}

func TestMoveFileBetweenFolders(t *testing.T) {
	e, store := newEngine(t)

	mustImport(t, e, t0,
		folder("top", ""),
		folder("left", "top"),
		folder("right", "top"),
		file("f", "left", 30),
		file("g", "right", 5),
	)

	t1 := t0.Add(time.Hour)
	mustImport(t, e, t1, file("f", "right", 30))

	assert.Equal(t, int64(0), sizeOf(t, store, "left"))
	assert.Equal(t, int64(35), sizeOf(t, store, "right"))
	assert.Equal(t, int64(35), sizeOf(t, store, "top"))
	assert.True(t, getNode(t, store, "left").Date.Equal(t1))
	assert.True(t, getNode(t, store, "right").Date.Equal(t1))
	assert.True(t, getNode(t, store, "top").Date.Equal(t1))
	assertSizesConsistent(t, e, "top")
}

func TestMoveFolderWithChildrenInSameBatch(t *testing.T) {
	e, store := newEngine(t)

	mustImport(t, e, t0,
		folder("x", ""),
		folder("y", ""),
		folder("a", "x"),
		file("f", "a", 10),
	)

	mustImport(t, e, t0.Add(time.Hour),
		folder("a", "y"),
		file("g", "a", 5),
	)

	assert.Equal(t, int64(0), sizeOf(t, store, "x"))
	assert.Equal(t, int64(15), sizeOf(t, store, "a"))
	assert.Equal(t, int64(15), sizeOf(t, store, "y"))
	assertSizesConsistent(t, e, "y")
}

func TestFolderHistoryOncePerBatch(t *testing.T) {
	e, _ := newEngine(t)

	mustImport(t, e, t0,
		folder("root", ""),
		file("a", "root", 1),
		file("b", "root", 2),
		file("c", "root", 3),
	)

	recs := history(t, e, "root")
	require.Len(t, recs, 1)
	assert.Equal(t, int64(6), recs[0].Size)
}

func TestDeleteCascade(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	mustImport(t, e, t0,
		folder("root", ""),
		folder("doomed", "root"),
		folder("inner", "doomed"),
		file("f1", "doomed", 10),
		file("f2", "inner", 20),
		file("keep", "root", 3),
	)

	t1 := t0.Add(time.Hour)
	res, err := e.Delete(ctx, "doomed", t1)
	require.NoError(t, err)
	assert.Equal(t, "doomed", res.Removed[0])
	assert.ElementsMatch(t, []string{"doomed", "inner", "f1", "f2"}, res.Removed)

	for _, id := range res.Removed {
		assert.Nil(t, getNode(t, store, id), id)
		_, err := e.History(ctx, id, nil, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	assert.Equal(t, int64(3), sizeOf(t, store, "root"))
	recs := history(t, e, "root")
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Date.Equal(t1))
	assert.Equal(t, int64(3), recs[1].Size)

	// Reimporting a deleted id starts a fresh history.
	mustImport(t, e, t1.Add(time.Hour), file("f1", "root", 4))
	assert.Len(t, history(t, e, "f1"), 1)
}

func TestDeleteNotFound(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Delete(context.Background(), "ghost", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRootFolder(t *testing.T) {
	e, store := newEngine(t)

	mustImport(t, e, t0, folder("root", ""), file("f", "root", 1))
	res, err := e.Delete(context.Background(), "root", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Touched)
	assert.Nil(t, getNode(t, store, "f"))
}

func TestImportRejections(t *testing.T) {
	size := int64(10)
	longURL := strings.Repeat("u", MaxURLLength+1)
	longRunes := strings.Repeat("я", MaxURLLength+1)

	tests := []struct {
		name  string
		setup []protocol.NodeImport
		batch []protocol.NodeImport
	}{
		{
			name:  "duplicate id",
			batch: []protocol.NodeImport{file("f", "", 1), file("f", "", 2)},
		},
		{
			name:  "empty id",
			batch: []protocol.NodeImport{file("", "", 1)},
		},
		{
			name:  "unknown type",
			batch: []protocol.NodeImport{{ID: "x", Type: "LINK", Size: &size}},
		},
		{
			name:  "parent is a file",
			setup: []protocol.NodeImport{file("p", "", 1)},
			batch: []protocol.NodeImport{file("f", "p", 1)},
		},
		{
			name:  "parent is a file in batch",
			batch: []protocol.NodeImport{file("p", "", 1), file("f", "p", 1)},
		},
		{
			name:  "parent missing",
			batch: []protocol.NodeImport{file("f", "nowhere", 1)},
		},
		{
			name:  "parent later in batch",
			batch: []protocol.NodeImport{file("f", "d", 1), folder("d", "")},
		},
		{
			name:  "folder with url",
			batch: []protocol.NodeImport{{ID: "d", Type: models.TypeFolder, URL: models.StrPtr("/d")}},
		},
		{
			name:  "file without size",
			batch: []protocol.NodeImport{{ID: "f", Type: models.TypeFile}},
		},
		{
			name:  "file with zero size",
			batch: []protocol.NodeImport{file("f", "", 0)},
		},
		{
			name:  "url too long",
			batch: []protocol.NodeImport{{ID: "f", Type: models.TypeFile, URL: &longURL, Size: &size}},
		},
		{
			name:  "multibyte url too long",
			batch: []protocol.NodeImport{{ID: "f", Type: models.TypeFile, URL: &longRunes, Size: &size}},
		},
		{
			name:  "type change",
			setup: []protocol.NodeImport{folder("x", "")},
			batch: []protocol.NodeImport{file("x", "", 1)},
		},
		{
			name:  "self parent",
			setup: []protocol.NodeImport{folder("x", "")},
			batch: []protocol.NodeImport{folder("x", "x")},
		},
		{
			name:  "folder under own descendant",
			setup: []protocol.NodeImport{folder("a", ""), folder("b", "a"), folder("c", "b")},
			batch: []protocol.NodeImport{folder("a", "c")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newEngine(t)
			if len(tt.setup) > 0 {
				mustImport(t, e, t0, tt.setup...)
			}

			// A valid item ahead of the bad one must not be stored.
			batch := append([]protocol.NodeImport{file("innocent", "", 1)}, tt.batch...)
			_, err := e.Import(context.Background(), batch, t0.Add(time.Hour))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
			assert.Nil(t, getNode(t, store, "innocent"))
		})
	}
}

func TestImportURLLengthCountsCharacters(t *testing.T) {
	e, store := newEngine(t)
	size := int64(1)

	for _, url := range []string{
		strings.Repeat("я", 200),
		strings.Repeat("я", MaxURLLength),
		strings.Repeat("u", MaxURLLength),
	} {
		_, err := e.Import(context.Background(), []protocol.NodeImport{
			{ID: "f", Type: models.TypeFile, URL: &url, Size: &size},
		}, t0)
		require.NoError(t, err, "url of %d bytes", len(url))
		assert.Equal(t, url, *getNode(t, store, "f").URL)
	}
}

func TestHistoryRangeInclusive(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mustImport(t, e, t0.Add(time.Duration(i)*time.Hour), file("f", "", int64(i+1)))
	}

	start, end := t0.Add(time.Hour), t0.Add(2*time.Hour)
	recs, err := e.History(ctx, "f", &start, &end)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Size)
	assert.Equal(t, int64(3), recs[1].Size)

	_, err = e.History(ctx, "ghost", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatesWindow(t *testing.T) {
	e, _ := newEngine(t)

	mustImport(t, e, t0.Add(-48*time.Hour), folder("d", ""), file("old", "d", 1))
	mustImport(t, e, t0.Add(-24*time.Hour), file("edge", "d", 1))
	mustImport(t, e, t0, file("now", "d", 1))
	mustImport(t, e, t0.Add(time.Hour), file("future", "d", 1))

	nodes, err := e.Updates(context.Background(), t0)
	require.NoError(t, err)
	var ids []string
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"edge", "now"}, ids)
}

func TestUpdatesExcludeFolders(t *testing.T) {
	e, store := newEngine(t)

	mustImport(t, e, t0.Add(-time.Hour), folder("empty", ""), folder("d", ""), folder("sub", "d"))
	mustImport(t, e, t0, file("f", "sub", 3))

	// Both folders were restamped inside the window by the file import.
	require.True(t, getNode(t, store, "d").Date.Equal(t0))
	require.True(t, getNode(t, store, "sub").Date.Equal(t0))

	nodes, err := e.Updates(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "f", nodes[0].ID)
	assert.Equal(t, models.TypeFile, nodes[0].Type)
}

func TestNodeNotFound(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Node(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportNormalisesDate(t *testing.T) {
	e, store := newEngine(t)

	local := time.Date(2022, 2, 1, 15, 0, 0, 123456789, time.FixedZone("MSK", 3*3600))
	res := mustImport(t, e, local, file("f", "", 1))

	want := time.Date(2022, 2, 1, 12, 0, 0, 123456000, time.UTC)
	assert.Equal(t, want, res.Date)
	assert.True(t, getNode(t, store, "f").Date.Equal(want))
}
