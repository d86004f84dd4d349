// Package sqlstore implements the metadata store on top of database/sql.
// The postgres and sqlite packages open the connection and supply the
// dialect and schema.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/internal/metrics"
	"github.com/fruitsalade/restfs/pkg/models"
)

const nodeColumns = `id, type, parent_id, url, size, date`

// Store is a SQL-backed metadata.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (metadata.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: sqlTx, d: s.dialect}, nil
}

// Tx is a metadata.Tx over a *sql.Tx.
type Tx struct {
	tx *sql.Tx
	d  Dialect
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (t *Tx) exec(ctx context.Context, name, query string, args ...any) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()

	if _, err := t.tx.ExecContext(ctx, t.d.Rebind(query), args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *Tx) scanNode(row rowScanner) (*models.Node, error) {
	var (
		n        models.Node
		typ      string
		parentID sql.NullString
		url      sql.NullString
		date     any
	)
	if err := row.Scan(&n.ID, &typ, &parentID, &url, &n.Size, &date); err != nil {
		return nil, err
	}
	n.Type = models.NodeType(typ)
	if parentID.Valid {
		n.ParentID = &parentID.String
	}
	if url.Valid {
		n.URL = &url.String
	}
	d, err := t.d.DecodeTime(date)
	if err != nil {
		return nil, err
	}
	n.Date = d
	return &n, nil
}

func (t *Tx) queryNodes(ctx context.Context, name, query string, args ...any) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()

	rows, err := t.tx.QueryContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := t.scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", name, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (t *Tx) GetNode(ctx context.Context, id string) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node", time.Since(start)) }()

	row := t.tx.QueryRowContext(ctx,
		t.d.Rebind(`SELECT `+nodeColumns+` FROM items WHERE id = ?`), id)
	n, err := t.scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

func (t *Tx) PutNode(ctx context.Context, n *models.Node) error {
	err := t.exec(ctx, "put_node",
		`INSERT INTO items (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			parent_id = excluded.parent_id,
			url = excluded.url,
			size = excluded.size,
			date = excluded.date`,
		n.ID, string(n.Type), nullString(n.ParentID), nullString(n.URL), n.Size, t.d.EncodeTime(n.Date))
	if err != nil {
		return err
	}
	logging.Debug("stored node",
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.Int64("size", n.Size))
	return nil
}

func (t *Tx) DeleteNode(ctx context.Context, id string) error {
	return t.exec(ctx, "delete_node", `DELETE FROM items WHERE id = ?`, id)
}

func (t *Tx) ListChildren(ctx context.Context, parentID string) ([]*models.Node, error) {
	return t.queryNodes(ctx, "list_children",
		`SELECT `+nodeColumns+` FROM items WHERE parent_id = ? ORDER BY `+t.d.IDOrder(), parentID)
}

func (t *Tx) ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Node, error) {
	return t.queryNodes(ctx, "list_updated_since",
		`SELECT `+nodeColumns+` FROM items WHERE date >= ? ORDER BY date, `+t.d.IDOrder(),
		t.d.EncodeTime(since))
}

func (t *Tx) AppendHistory(ctx context.Context, r *models.HistoryRecord) error {
	return t.exec(ctx, "append_history",
		`INSERT INTO history (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id, date) DO UPDATE SET
			type = excluded.type,
			parent_id = excluded.parent_id,
			url = excluded.url,
			size = excluded.size`,
		r.ID, string(r.Type), nullString(r.ParentID), nullString(r.URL), r.Size, t.d.EncodeTime(r.Date))
}

func (t *Tx) QueryHistory(ctx context.Context, id string, from, to *time.Time) ([]*models.HistoryRecord, error) {
	query := `SELECT ` + nodeColumns + ` FROM history WHERE id = ?`
	args := []any{id}
	if from != nil {
		query += ` AND date >= ?`
		args = append(args, t.d.EncodeTime(*from))
	}
	if to != nil {
		query += ` AND date <= ?`
		args = append(args, t.d.EncodeTime(*to))
	}
	query += ` ORDER BY date`

	nodes, err := t.queryNodes(ctx, "query_history", query, args...)
	if err != nil {
		return nil, err
	}
	records := make([]*models.HistoryRecord, 0, len(nodes))
	for _, n := range nodes {
		records = append(records, n.Snapshot())
	}
	return records, nil
}

func (t *Tx) PurgeHistory(ctx context.Context, id string) error {
	return t.exec(ctx, "purge_history", `DELETE FROM history WHERE id = ?`, id)
}
