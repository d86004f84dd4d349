package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/pkg/models"
)

// UpdateWindow is how far back Updates looks from the given date.
const UpdateWindow = 24 * time.Hour

// Node returns id with its subtree expanded. Folder children are ordered
// by id.
func (e *Engine) Node(ctx context.Context, id string) (*models.TreeNode, error) {
	var tree *models.TreeNode
	err := e.view(ctx, func(tx metadata.Tx) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil {
			return fmt.Errorf("get node %s: %w", id, err)
		}
		if n == nil {
			return notFound(id)
		}
		tree, err = expand(ctx, tx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func expand(ctx context.Context, tx metadata.Tx, n *models.Node) (*models.TreeNode, error) {
	t := &models.TreeNode{Node: *n}
	if !n.IsFolder() {
		return t, nil
	}

	children, err := tx.ListChildren(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("list children %s: %w", n.ID, err)
	}
	t.Children = make([]*models.TreeNode, 0, len(children))
	for _, c := range children {
		ct, err := expand(ctx, tx, c)
		if err != nil {
			return nil, err
		}
		t.Children = append(t.Children, ct)
	}
	return t, nil
}

// Updates returns the files changed within UpdateWindow before date,
// both ends inclusive, ordered by date then id.
func (e *Engine) Updates(ctx context.Context, date time.Time) ([]*models.Node, error) {
	date = models.NormalizeTime(date)
	var out []*models.Node
	err := e.view(ctx, func(tx metadata.Tx) error {
		nodes, err := tx.ListUpdatedSince(ctx, date.Add(-UpdateWindow))
		if err != nil {
			return fmt.Errorf("list updates: %w", err)
		}
		for _, n := range nodes {
			if n.IsFolder() || n.Date.After(date) {
				continue
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the snapshots of id with start <= date <= end ordered
// by date. Nil bounds are open.
func (e *Engine) History(ctx context.Context, id string, start, end *time.Time) ([]*models.HistoryRecord, error) {
	if start != nil {
		t := models.NormalizeTime(*start)
		start = &t
	}
	if end != nil {
		t := models.NormalizeTime(*end)
		end = &t
	}

	var out []*models.HistoryRecord
	err := e.view(ctx, func(tx metadata.Tx) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil {
			return fmt.Errorf("get node %s: %w", id, err)
		}
		if n == nil {
			return notFound(id)
		}
		out, err = tx.QueryHistory(ctx, id, start, end)
		if err != nil {
			return fmt.Errorf("query history %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
