// Package protocol defines the API request/response types.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fruitsalade/restfs/pkg/models"
)

// Status messages returned in StatusResponse.
const (
	MessageImported        = "The insert or update was successful"
	MessageRemoved         = "Removal was successful"
	MessageValidation      = "Validation Failed"
	MessageNotFound        = "Item not found"
	MessageInternalFailure = "Internal Server Error"
)

// Timestamp is an ISO-8601 time that always serializes in UTC with a
// trailing "Z".
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// localLayout is ISO-8601 without an offset; such times are taken as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

// ParseTimestamp parses an ISO-8601 timestamp. Any offset is accepted and
// the result is converted to UTC. A timestamp without an offset is UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	if naive, nerr := time.ParseInLocation(localLayout, s, time.UTC); nerr == nil {
		return naive, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
}

// String formats the timestamp the way it is sent on the wire.
func (t Timestamp) String() string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// NodeImport is one item of an import batch.
type NodeImport struct {
	ID       string          `json:"id"`
	URL      *string         `json:"url"`
	ParentID *string         `json:"parentId"`
	Type     models.NodeType `json:"type"`
	Size     *int64          `json:"size"`
}

// ImportRequest is the body for POST /imports.
type ImportRequest struct {
	Items      []NodeImport `json:"items"`
	UpdateDate *Timestamp   `json:"updateDate"`
}

// NodeResponse is returned by GET /nodes/{id}. Children is null for files
// and an array (possibly empty) for folders.
type NodeResponse struct {
	ID       string          `json:"id"`
	URL      *string         `json:"url"`
	Date     Timestamp       `json:"date"`
	ParentID *string         `json:"parentId"`
	Type     models.NodeType `json:"type"`
	Size     int64           `json:"size"`
	Children []*NodeResponse `json:"children"`
}

// HistoryUnit is a single node snapshot in update and history listings.
type HistoryUnit struct {
	ID       string          `json:"id"`
	URL      *string         `json:"url"`
	ParentID *string         `json:"parentId"`
	Type     models.NodeType `json:"type"`
	Size     int64           `json:"size"`
	Date     Timestamp       `json:"date"`
}

// HistoryResponse is returned by GET /node/{id}/history.
type HistoryResponse struct {
	Items []HistoryUnit `json:"items"`
}

// StatusResponse is the {code, message} body used for both success and
// failure notifications.
type StatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HistoryUnitFromRecord converts a stored history record.
func HistoryUnitFromRecord(r *models.HistoryRecord) HistoryUnit {
	return HistoryUnit{
		ID:       r.ID,
		URL:      r.URL,
		ParentID: r.ParentID,
		Type:     r.Type,
		Size:     r.Size,
		Date:     NewTimestamp(r.Date),
	}
}

// HistoryUnitFromNode converts a current node.
func HistoryUnitFromNode(n *models.Node) HistoryUnit {
	return HistoryUnitFromRecord(n.Snapshot())
}

// NodeResponseFromTree converts an expanded tree node.
func NodeResponseFromTree(t *models.TreeNode) *NodeResponse {
	resp := &NodeResponse{
		ID:       t.ID,
		URL:      t.URL,
		Date:     NewTimestamp(t.Date),
		ParentID: t.ParentID,
		Type:     t.Type,
		Size:     t.Size,
	}
	if t.Children != nil {
		resp.Children = make([]*NodeResponse, 0, len(t.Children))
		for _, child := range t.Children {
			resp.Children = append(resp.Children, NodeResponseFromTree(child))
		}
	}
	return resp
}
