package engine

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/fruitsalade/restfs/internal/metadata"
	"github.com/fruitsalade/restfs/pkg/models"
	"github.com/fruitsalade/restfs/pkg/protocol"
)

// MaxURLLength is the longest url a file may carry, in characters.
const MaxURLLength = 255

// validator checks a batch against the state visible in tx. Stored nodes it
// fetches are kept so the importer does not read them twice.
type validator struct {
	tx     metadata.Tx
	stored map[string]*models.Node
}

func newValidator(tx metadata.Tx) *validator {
	return &validator{tx: tx, stored: make(map[string]*models.Node)}
}

func (v *validator) lookup(ctx context.Context, id string) (*models.Node, error) {
	if n, ok := v.stored[id]; ok {
		return n, nil
	}
	n, err := v.tx.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	v.stored[id] = n
	return n, nil
}

// validate returns an ErrValidation error naming the first broken rule, or
// a plain error when the store fails.
func (v *validator) validate(ctx context.Context, items []protocol.NodeImport) error {
	batch := make(map[string]*protocol.NodeImport, len(items))

	for i := range items {
		item := &items[i]
		if item.ID == "" {
			return invalid("item %d has an empty id", i)
		}
		if _, dup := batch[item.ID]; dup {
			return invalid("duplicate id %s", item.ID)
		}
		if !item.Type.Valid() {
			return invalid("%s: unknown type %q", item.ID, item.Type)
		}

		switch item.Type {
		case models.TypeFolder:
			if item.URL != nil {
				return invalid("%s: folder must not have a url", item.ID)
			}
		case models.TypeFile:
			if item.Size == nil || *item.Size <= 0 {
				return invalid("%s: file size must be positive", item.ID)
			}
			if item.URL != nil && utf8.RuneCountInString(*item.URL) > MaxURLLength {
				return invalid("%s: url longer than %d", item.ID, MaxURLLength)
			}
		}

		old, err := v.lookup(ctx, item.ID)
		if err != nil {
			return err
		}
		if old != nil && old.Type != item.Type {
			return invalid("%s: type cannot change from %s to %s", item.ID, old.Type, item.Type)
		}

		if item.ParentID != nil {
			parentID := *item.ParentID
			if parent, ok := batch[parentID]; ok {
				if parent.Type != models.TypeFolder {
					return invalid("%s: parent %s is not a folder", item.ID, parentID)
				}
			} else {
				parent, err := v.lookup(ctx, parentID)
				if err != nil {
					return err
				}
				if parent == nil {
					return invalid("%s: parent %s does not exist", item.ID, parentID)
				}
				if !parent.IsFolder() {
					return invalid("%s: parent %s is not a folder", item.ID, parentID)
				}
			}
		}

		batch[item.ID] = item
	}

	return v.checkForest(ctx, batch)
}

// checkForest walks up from every batch item using the batch's parent
// links where present and the stored links otherwise. Every walk must end
// at a root without revisiting a node.
func (v *validator) checkForest(ctx context.Context, batch map[string]*protocol.NodeImport) error {
	parentOf := func(id string) (string, error) {
		if item, ok := batch[id]; ok {
			if item.ParentID == nil {
				return "", nil
			}
			return *item.ParentID, nil
		}
		n, err := v.lookup(ctx, id)
		if err != nil {
			return "", err
		}
		if n == nil {
			return "", nil
		}
		return n.Parent(), nil
	}

	// Nodes already proven to reach a root.
	rooted := make(map[string]bool)
	for id := range batch {
		path := make(map[string]bool)
		var walked []string
		for cur := id; cur != "" && !rooted[cur]; {
			if path[cur] {
				return invalid("%s: parent links form a cycle through %s", id, cur)
			}
			path[cur] = true
			walked = append(walked, cur)

			next, err := parentOf(cur)
			if err != nil {
				return err
			}
			cur = next
		}
		for _, w := range walked {
			rooted[w] = true
		}
	}
	return nil
}
