package feed

import (
	"encoding/json"
	"fmt"
)

// Action classifies a normalized change.
type Action string

const (
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is the normalized form of one feed row: an upsert or a delete of
// a single document, tagged with the feed position it was observed at.
type Change struct {
	Database string         `json:"database"`
	ID       string         `json:"id"`
	Action   Action         `json:"action"`
	Seq      string         `json:"seq"`
	Revision string         `json:"rev,omitempty"`
	Doc      map[string]any `json:"doc,omitempty"`
}

// Control is a feed row that carries no document mutation: the terminal
// last_seq marker the server sends when it closes the logical feed. It
// updates the cursor but is never forwarded downstream.
type Control struct {
	LastSeq string
}

// Decoder turns raw feed rows into Changes or Controls.
type Decoder struct {
	// Database is stamped onto every decoded Change.
	Database string

	// KeepRevision retains the _rev field inside the document body.
	// The winning revision is carried on Change.Revision either way.
	KeepRevision bool
}

// feedRow is the wire shape of one _changes row. seq is kept raw because
// CouchDB 1.x emits numbers and 2.x+ emits opaque strings.
type feedRow struct {
	Seq     json.RawMessage `json:"seq"`
	LastSeq json.RawMessage `json:"last_seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Doc     map[string]any  `json:"doc"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

// Decode parses one raw record. Exactly one of the returned Change and
// Control is non-nil on success.
func (d *Decoder) Decode(record []byte) (*Change, *Control, error) {
	var row feedRow
	if err := json.Unmarshal(record, &row); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if len(row.LastSeq) > 0 {
		return nil, &Control{LastSeq: seqString(row.LastSeq)}, nil
	}

	change := &Change{
		Database: d.Database,
		ID:       row.ID,
		Seq:      seqString(row.Seq),
	}
	if len(row.Changes) > 0 {
		change.Revision = row.Changes[0].Rev
	}

	if row.Deleted {
		change.Action = ActionDelete
		return change, nil, nil
	}

	change.Action = ActionUpdate
	if row.Doc != nil {
		delete(row.Doc, "_id")
		if !d.KeepRevision {
			delete(row.Doc, "_rev")
		}
		change.Doc = row.Doc
	}
	return change, nil, nil
}

// seqString renders a raw seq token as a string. String tokens are
// unquoted; numeric tokens keep their exact textual form so large
// sequence numbers never round-trip through a float.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
