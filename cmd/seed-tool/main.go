// seed-tool populates a restfs server with test data.
//
// It walks a local directory (-data flag or /testdata default) and imports
// every directory as a FOLDER and every non-empty file as a FILE, in
// batches of -batch items. Ids are derived from the path so re-running the
// tool updates nodes instead of duplicating them.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/pkg/client"
	"github.com/fruitsalade/restfs/pkg/models"
	"github.com/fruitsalade/restfs/pkg/protocol"
	"github.com/fruitsalade/restfs/pkg/retry"
)

func main() {
	dataDir := flag.String("data", "/testdata", "Directory with seed files")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	batchSize := flag.Int("batch", 500, "Items per import request")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()
	logging.Info("restfs seed-tool starting...", zap.String("data", *dataDir), zap.String("server", *serverURL))

	items, err := collect(*dataDir)
	if err != nil {
		logging.Fatal("walk failed", zap.Error(err))
	}

	// The server may still be starting when run as an init container.
	rc := retry.DefaultConfig()
	rc.MaxAttempts = 15
	rc.InitialWait = 2 * time.Second
	c := client.New(client.Config{BaseURL: *serverURL, RetryConfig: rc})

	ctx := context.Background()
	if err := c.Health(ctx); err != nil {
		logging.Fatal("server not reachable", zap.Error(err))
	}

	now := time.Now().UTC()
	for start := 0; start < len(items); start += *batchSize {
		end := min(start+*batchSize, len(items))
		if err := c.Import(ctx, items[start:end], now); err != nil {
			logging.Fatal("import failed", zap.Int("from", start), zap.Error(err))
		}
		logging.Info("batch imported", zap.Int("from", start), zap.Int("to", end))
	}

	logging.Info("seeding complete", zap.Int("items", len(items)))
}

func nodeID(virtualPath string) string {
	h := sha256.Sum256([]byte(virtualPath))
	return fmt.Sprintf("%x", h[:8]) // first 16 hex chars
}

// collect walks dataDir and returns import items with every folder ahead
// of its contents. The data directory itself is not imported; its entries
// become roots.
func collect(dataDir string) ([]protocol.NodeImport, error) {
	var items []protocol.NodeImport

	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		virtualPath := "/" + filepath.ToSlash(rel)

		var parentID *string
		if dir := filepath.Dir(rel); dir != "." {
			id := nodeID("/" + filepath.ToSlash(dir))
			parentID = &id
		}

		if d.IsDir() {
			items = append(items, protocol.NodeImport{
				ID:       nodeID(virtualPath),
				Type:     models.TypeFolder,
				ParentID: parentID,
			})
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			logging.Debug("skipping empty file", zap.String("path", virtualPath))
			return nil
		}
		size := info.Size()
		items = append(items, protocol.NodeImport{
			ID:       nodeID(virtualPath),
			Type:     models.TypeFile,
			ParentID: parentID,
			URL:      &virtualPath,
			Size:     &size,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-data dir] [-server url] [-batch n]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
