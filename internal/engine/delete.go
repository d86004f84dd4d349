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
)

// Delete removes id and its whole subtree together with their history.
// The ancestors of id shrink by its size and get a snapshot at date.
func (e *Engine) Delete(ctx context.Context, id string, date time.Time) (*Result, error) {
	date = models.NormalizeTime(date)
	res := &Result{Date: date}

	err := e.update(ctx, func(tx metadata.Tx) error {
		target, err := tx.GetNode(ctx, id)
		if err != nil {
			return fmt.Errorf("get node %s: %w", id, err)
		}
		if target == nil {
			return notFound(id)
		}

		removed, err := removeSubtree(ctx, tx, id)
		if err != nil {
			return err
		}
		res.Removed = removed

		prop := newPropagation(tx, date)
		if target.ParentID != nil {
			prop.add(*target.ParentID, -target.Size)
		}
		res.Touched, err = prop.apply(ctx)
		return err
	})

	switch {
	case errors.Is(err, ErrNotFound):
		metrics.RecordDelete("not_found", 0, 0)
		return nil, err
	case err != nil:
		metrics.RecordDelete("error", 0, 0)
		logging.Error("delete failed", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	metrics.RecordDelete("success", len(res.Removed), len(res.Touched))
	logging.Info("node deleted",
		zap.String("id", id),
		zap.Int("removed", len(res.Removed)),
		zap.Int("touched", len(res.Touched)),
	)
	return res, nil
}

// removeSubtree deletes root and every descendant depth-first with an
// explicit stack, purging each node's history. It returns the removed ids.
func removeSubtree(ctx context.Context, tx metadata.Tx, root string) ([]string, error) {
	var removed []string
	stack := []string{root}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := tx.ListChildren(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list children %s: %w", id, err)
		}
		for _, c := range children {
			stack = append(stack, c.ID)
		}

		if err := tx.DeleteNode(ctx, id); err != nil {
			return nil, fmt.Errorf("delete node %s: %w", id, err)
		}
		if err := tx.PurgeHistory(ctx, id); err != nil {
			return nil, fmt.Errorf("purge history %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}
