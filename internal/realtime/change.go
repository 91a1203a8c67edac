// Package realtime delivers row changes and presence snapshots to the
// workspace. Row changes come from Postgres LISTEN/NOTIFY and are fanned out
// per table by a Hub; presence lives in Redis.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	Insert Kind = "INSERT"
	Update Kind = "UPDATE"
	Delete Kind = "DELETE"
)

// Change is one row event with its before and after images. Record is
// empty for deletes and OldRecord is empty for inserts. A row too large for
// a notification arrives with ID set and no images at all; see Truncated.
type Change struct {
	Table     string          `json:"table"`
	Kind      Kind            `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	ID        string          `json:"id,omitempty"`
}

var ErrMalformedChange = errors.New("malformed change")

func Decode(payload []byte) (Change, error) {
	var change Change
	if err := json.Unmarshal(payload, &change); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if change.Table == "" {
		return Change{}, fmt.Errorf("%w: missing table", ErrMalformedChange)
	}
	switch change.Kind {
	case Insert, Update, Delete:
	default:
		return Change{}, fmt.Errorf("%w: unknown type %q", ErrMalformedChange, change.Kind)
	}
	if change.Truncated() {
		return change, nil
	}
	switch change.Kind {
	case Insert, Update:
		if isNull(change.Record) {
			return Change{}, fmt.Errorf("%w: %s without record", ErrMalformedChange, change.Kind)
		}
	case Delete:
		if isNull(change.OldRecord) {
			return Change{}, fmt.Errorf("%w: delete without old record", ErrMalformedChange)
		}
	}
	return change, nil
}

// Truncated reports a change announced by id only. Listeners read the row
// back from the store.
func (c Change) Truncated() bool {
	return c.ID != "" && isNull(c.Record) && isNull(c.OldRecord)
}

// RowID returns the primary key from whichever image is present.
func (c Change) RowID() string {
	if c.ID != "" {
		return c.ID
	}
	var row struct {
		ID string `json:"id"`
	}
	image := c.Record
	if isNull(image) {
		image = c.OldRecord
	}
	if err := json.Unmarshal(image, &row); err != nil {
		return ""
	}
	return row.ID
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
