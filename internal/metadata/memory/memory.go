// Package memory provides an in-process metadata store. A committed state
// is never modified: transactions read it directly and copy it on their
// first write, and a commit swaps the copy in. It assumes a single writer
// at a time.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/pkg/models"
)

var errTxDone = errors.New("memory: transaction already finished")

type state struct {
	nodes   map[string]*models.Node
	history map[string]map[int64]*models.HistoryRecord
}

func (s *state) clone() *state {
	c := &state{
		nodes:   make(map[string]*models.Node, len(s.nodes)),
		history: make(map[string]map[int64]*models.HistoryRecord, len(s.history)),
	}
	for id, n := range s.nodes {
		c.nodes[id] = n
	}
	for id, recs := range s.history {
		m := make(map[int64]*models.HistoryRecord, len(recs))
		for k, r := range recs {
			m[k] = r
		}
		c.history[id] = m
	}
	return c
}

// Store is an in-memory metadata.Store.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// New creates an empty store.
func New() *Store {
	return &Store{state: &state{
		nodes:   make(map[string]*models.Node),
		history: make(map[string]map[int64]*models.HistoryRecord),
	}}
}

// Begin starts a transaction over the current committed state.
func (s *Store) Begin(ctx context.Context) (metadata.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	base := s.state
	s.mu.RUnlock()
	return &tx{store: s, state: base}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type tx struct {
	store *Store
	state *state
	// owned is set once state is a private copy that may be modified.
	owned bool
	done  bool
}

// writable returns the private copy, making it on first use.
func (t *tx) writable() (*state, error) {
	if t.done {
		return nil, errTxDone
	}
	if !t.owned {
		t.state = t.state.clone()
		t.owned = true
	}
	return t.state, nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if !t.owned {
		return nil
	}
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

// Stored nodes are never handed out directly; callers get copies.

func (t *tx) GetNode(_ context.Context, id string) (*models.Node, error) {
	n, ok := t.state.nodes[id]
	if !ok {
		return nil, nil
	}
	return n.Clone(), nil
}

func (t *tx) PutNode(_ context.Context, node *models.Node) error {
	st, err := t.writable()
	if err != nil {
		return err
	}
	st.nodes[node.ID] = node.Clone()
	return nil
}

func (t *tx) DeleteNode(_ context.Context, id string) error {
	st, err := t.writable()
	if err != nil {
		return err
	}
	delete(st.nodes, id)
	return nil
}

func (t *tx) ListChildren(_ context.Context, parentID string) ([]*models.Node, error) {
	var children []*models.Node
	for _, n := range t.state.nodes {
		if n.ParentID != nil && *n.ParentID == parentID {
			children = append(children, n.Clone())
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

func (t *tx) ListUpdatedSince(_ context.Context, since time.Time) ([]*models.Node, error) {
	var nodes []*models.Node
	for _, n := range t.state.nodes {
		if !n.Date.Before(since) {
			nodes = append(nodes, n.Clone())
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].Date.Equal(nodes[j].Date) {
			return nodes[i].Date.Before(nodes[j].Date)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

func (t *tx) AppendHistory(_ context.Context, rec *models.HistoryRecord) error {
	st, err := t.writable()
	if err != nil {
		return err
	}
	recs, ok := st.history[rec.ID]
	if !ok {
		recs = make(map[int64]*models.HistoryRecord)
		st.history[rec.ID] = recs
	}
	c := *rec
	recs[rec.Date.UnixNano()] = &c
	return nil
}

func (t *tx) QueryHistory(_ context.Context, id string, start, end *time.Time) ([]*models.HistoryRecord, error) {
	var out []*models.HistoryRecord
	for _, r := range t.state.history[id] {
		if start != nil && r.Date.Before(*start) {
			continue
		}
		if end != nil && r.Date.After(*end) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (t *tx) PurgeHistory(_ context.Context, id string) error {
	st, err := t.writable()
	if err != nil {
		return err
	}
	delete(st.history, id)
	return nil
}
