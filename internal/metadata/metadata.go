// Package metadata defines the storage capabilities the engine consumes:
// a node store holding the current tree and an append-only audit log of
// node snapshots. Implementations live in the subpackages.
package metadata

import (
	"context"
	"time"

	"github.com/fruitsalade/restfs/pkg/models"
)

// NodeStore holds the current state of every node.
type NodeStore interface {
	// GetNode returns the node, or nil and no error when it does not exist.
	GetNode(ctx context.Context, id string) (*models.Node, error)
	// PutNode inserts or fully replaces a node.
	PutNode(ctx context.Context, node *models.Node) error
	DeleteNode(ctx context.Context, id string) error
	// ListChildren returns the immediate children of parentID ordered by id.
	ListChildren(ctx context.Context, parentID string) ([]*models.Node, error)
	// ListUpdatedSince returns nodes with date >= since ordered by date, id.
	ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Node, error)
}

// AuditLog stores history records keyed by (id, date).
type AuditLog interface {
	// AppendHistory stores a record, replacing one with the same id and date.
	AppendHistory(ctx context.Context, rec *models.HistoryRecord) error
	// QueryHistory returns the records for id with start <= date <= end
	// ordered by date. A nil bound is unbounded.
	QueryHistory(ctx context.Context, id string, start, end *time.Time) ([]*models.HistoryRecord, error)
	// PurgeHistory removes every record for id.
	PurgeHistory(ctx context.Context, id string) error
}

// Tx is one unit of work against both the node store and the audit log.
// Exactly one of Commit or Rollback must be called; Rollback after Commit
// is a no-op.
type Tx interface {
	NodeStore
	AuditLog
	Commit() error
	Rollback() error
}

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}
