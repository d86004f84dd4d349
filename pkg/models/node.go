// Package models contains the node and history types shared by the server,
// the stores and the client.
package models

import "time"

// NodeType distinguishes files from folders.
type NodeType string

const (
	TypeFile   NodeType = "FILE"
	TypeFolder NodeType = "FOLDER"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return t == TypeFile || t == TypeFolder
}

// Node is a file or folder in the tracked tree.
type Node struct {
	ID       string
	Type     NodeType
	ParentID *string
	URL      *string
	Size     int64
	Date     time.Time
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool {
	return n.Type == TypeFolder
}

// Parent returns the parent id, or "" for a root node.
func (n *Node) Parent() string {
	if n.ParentID == nil {
		return ""
	}
	return *n.ParentID
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	if n.URL != nil {
		u := *n.URL
		c.URL = &u
	}
	return &c
}

// HistoryRecord is an immutable snapshot of a node, keyed by (ID, Date).
type HistoryRecord struct {
	ID       string
	Type     NodeType
	ParentID *string
	URL      *string
	Size     int64
	Date     time.Time
}

// Snapshot captures the current state of the node as a history record.
func (n *Node) Snapshot() *HistoryRecord {
	c := n.Clone()
	return &HistoryRecord{
		ID:       c.ID,
		Type:     c.Type,
		ParentID: c.ParentID,
		URL:      c.URL,
		Size:     c.Size,
		Date:     c.Date,
	}
}

// NormalizeTime converts t to UTC with the precision the stores persist.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TreeNode is a node with its children expanded recursively. Children is nil
// for files and non-nil (possibly empty) for folders.
type TreeNode struct {
	Node
	Children []*TreeNode
}
