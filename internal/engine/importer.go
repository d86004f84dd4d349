package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/internal/metrics"
	"github.com/fruitsalade/restfs/pkg/models"
	"github.com/fruitsalade/restfs/pkg/protocol"
)

// Import validates items and applies them as one transaction stamped with
// date. A rejected batch leaves the store untouched and returns an error
// wrapping ErrValidation.
func (e *Engine) Import(ctx context.Context, items []protocol.NodeImport, date time.Time) (*Result, error) {
	start := time.Now()
	date = models.NormalizeTime(date)
	res := &Result{Date: date}

	err := e.update(ctx, func(tx metadata.Tx) error {
		v := newValidator(tx)
		if err := v.validate(ctx, items); err != nil {
			return err
		}
		return applyBatch(ctx, tx, v.stored, items, res)
	})

	switch {
	case errors.Is(err, ErrValidation):
		metrics.RecordImport("invalid", 0, 0)
		logging.Info("import rejected", zap.Int("items", len(items)), zap.Error(err))
		return nil, err
	case err != nil:
		metrics.RecordImport("error", 0, 0)
		logging.Error("import failed", zap.Int("items", len(items)), zap.Error(err))
		return nil, err
	}

	metrics.RecordImport("success", len(res.Imported), len(res.Touched))
	logging.Info("import committed",
		zap.Int("items", len(res.Imported)),
		zap.Int("touched", len(res.Touched)),
		zap.Time("date", date),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// applyBatch stores every item, accumulating the size each one removes
// from its old parent and adds to its new one, then propagates the net
// deltas. stored holds the pre-batch state of every item id.
func applyBatch(ctx context.Context, tx metadata.Tx, stored map[string]*models.Node, items []protocol.NodeImport, res *Result) error {
	prop := newPropagation(tx, res.Date)
	nodes := make([]*models.Node, 0, len(items))

	for _, item := range items {
		old := stored[item.ID]
		n := &models.Node{
			ID:       item.ID,
			Type:     item.Type,
			ParentID: item.ParentID,
			Date:     res.Date,
		}
		if n.IsFolder() {
			if old != nil {
				n.Size = old.Size
			}
			prop.touch(n.ID)
		} else {
			n.URL = item.URL
			n.Size = *item.Size
		}

		if old != nil && old.ParentID != nil {
			prop.add(*old.ParentID, -old.Size)
		}
		if n.ParentID != nil {
			prop.add(*n.ParentID, n.Size)
		}

		if err := tx.PutNode(ctx, n); err != nil {
			return fmt.Errorf("put node %s: %w", n.ID, err)
		}
		if !n.IsFolder() {
			if err := tx.AppendHistory(ctx, n.Snapshot()); err != nil {
				return fmt.Errorf("append history %s: %w", n.ID, err)
			}
		}
		prop.track(n)
		nodes = append(nodes, n)
	}

	touched, err := prop.apply(ctx)
	if err != nil {
		return err
	}

	res.Imported = nodes
	res.Touched = touched
	return nil
}
