// Package engine keeps the node tree consistent. It validates and applies
// import batches, removes subtrees, keeps every folder's size equal to the
// sum of its children and records a history snapshot for every change.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/pkg/models"
)

// Engine applies mutations to a metadata.Store. Import and Delete are
// serialised; reads run concurrently in their own transactions.
type Engine struct {
	store metadata.Store
	mu    sync.Mutex
}

// New creates an engine over store.
func New(store metadata.Store) *Engine {
	return &Engine{store: store}
}

// Result describes a committed mutation.
type Result struct {
	Date time.Time
	// Imported holds the final state of every batch item, in batch order.
	Imported []*models.Node
	// Touched holds the final state of every folder whose size or date was
	// updated as a side effect, ordered by id.
	Touched []*models.Node
	// Removed lists the ids of deleted nodes, the target first.
	Removed []string
}

// update runs fn in a write transaction, committing on success.
func (e *Engine) update(ctx context.Context, fn func(tx metadata.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// view runs fn in a transaction that is always rolled back.
func (e *Engine) view(ctx context.Context, fn func(tx metadata.Tx) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// propagation accumulates size deltas per folder and applies them to each
// folder and its ancestors, writing every affected folder once.
type propagation struct {
	tx      metadata.Tx
	date    time.Time
	deltas  map[string]int64
	order   []string
	nodes   map[string]*models.Node
	touched map[string]bool
}

func newPropagation(tx metadata.Tx, date time.Time) *propagation {
	return &propagation{
		tx:      tx,
		date:    date,
		deltas:  make(map[string]int64),
		nodes:   make(map[string]*models.Node),
		touched: make(map[string]bool),
	}
}

func (p *propagation) add(folderID string, delta int64) {
	if _, ok := p.deltas[folderID]; !ok {
		p.order = append(p.order, folderID)
	}
	p.deltas[folderID] += delta
}

// track registers a node already written in this transaction so later
// lookups see its final state without another round trip.
func (p *propagation) track(n *models.Node) {
	p.nodes[n.ID] = n
}

// touch marks a folder for a history snapshot even when no delta reaches it.
func (p *propagation) touch(id string) {
	p.touched[id] = true
}

func (p *propagation) load(ctx context.Context, id string) (*models.Node, error) {
	if n, ok := p.nodes[id]; ok {
		return n, nil
	}
	n, err := p.tx.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	if n == nil {
		return nil, fmt.Errorf("ancestor %s missing", id)
	}
	p.nodes[id] = n
	return n, nil
}

// apply walks every folder with a nonzero delta up to its root, then
// stores each touched folder and its history snapshot. It returns the
// touched folders ordered by id.
func (p *propagation) apply(ctx context.Context) ([]*models.Node, error) {
	net := make(map[string]int64)
	for _, id := range p.order {
		delta := p.deltas[id]
		if delta == 0 {
			continue
		}
		seen := make(map[string]bool)
		for cur := id; cur != ""; {
			if seen[cur] {
				return nil, fmt.Errorf("cycle at %s", cur)
			}
			seen[cur] = true

			n, err := p.load(ctx, cur)
			if err != nil {
				return nil, err
			}
			net[cur] += delta
			p.touched[cur] = true
			cur = n.Parent()
		}
	}

	ids := make([]string, 0, len(p.touched))
	for id := range p.touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		n, err := p.load(ctx, id)
		if err != nil {
			return nil, err
		}
		n.Size += net[id]
		n.Date = p.date
		if err := p.tx.PutNode(ctx, n); err != nil {
			return nil, fmt.Errorf("put node %s: %w", id, err)
		}
		if err := p.tx.AppendHistory(ctx, n.Snapshot()); err != nil {
			return nil, fmt.Errorf("append history %s: %w", id, err)
		}
		out = append(out, n)
	}

	logging.Debug("sizes propagated", zap.Int("folders", len(out)))
	return out, nil
}
