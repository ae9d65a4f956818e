package livedata

import (
	"fmt"
	"strconv"
	"strings"
)

// Action represents what a ChangeRecord asks its receiver to do with the rows it carries
type Action string

const (
	// Load replaces the receiver's local copy of the table
	Load Action = "L"
	// Modify inserts or updates rows by id
	Modify Action = "M"
	// Delete removes rows by id
	Delete Action = "D"
	// Error marks the receiver's knowledge of the table as untrustworthy
	Error Action = "E"
)

// String returns a human-readable name for the action
func (a Action) String() string {
	switch a {
	case Load:
		return "load"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ChangeRecord is a batch of rows of one table together with the action to apply to them.
//
// Every row holds exactly len(Columns) cells; a nil cell is SQL NULL.
type ChangeRecord struct {
	Action        Action      `json:"action"`
	Schema        string      `json:"schema"`
	Table         string      `json:"table"`
	IDColumnIndex int         `json:"idColumnIndex"`
	Columns       []string    `json:"columns"`
	Rows          [][]*string `json:"records"`

	// LargestID is the highest integer primary key seen by a cursor-bounded fetch.
	LargestID int64 `json:"-"`
}

// NewRecord creates an empty record for the given table
func NewRecord(action Action, schema, table string, columns ...string) *ChangeRecord {
	return &ChangeRecord{
		Action:  action,
		Schema:  schema,
		Table:   table,
		Columns: columns,
	}
}

// ErrorRecord creates the record delivered when data for a table could not be produced
func ErrorRecord(schema, table string) *ChangeRecord {
	return NewRecord(Error, schema, table)
}

// Clone copies the record's shape (action, table identity, columns, id column) without its rows
func (r *ChangeRecord) Clone() *ChangeRecord {
	columns := make([]string, len(r.Columns))
	copy(columns, r.Columns)
	return &ChangeRecord{
		Action:        r.Action,
		Schema:        r.Schema,
		Table:         r.Table,
		IDColumnIndex: r.IDColumnIndex,
		Columns:       columns,
	}
}

// AppendRow adds a row to the record
func (r *ChangeRecord) AppendRow(row []*string) {
	r.Rows = append(r.Rows, row)
}

// ID returns the id cell of a row, or "" when the row has no usable id
func (r *ChangeRecord) ID(row []*string) string {
	if r.IDColumnIndex < 0 || r.IDColumnIndex >= len(row) || row[r.IDColumnIndex] == nil {
		return ""
	}
	return *row[r.IDColumnIndex]
}

// IDColumn returns the name of the id column, or "" when the record has no columns
func (r *ChangeRecord) IDColumn() string {
	if r.IDColumnIndex < 0 || r.IDColumnIndex >= len(r.Columns) {
		return ""
	}
	return r.Columns[r.IDColumnIndex]
}

// ColumnIndex finds a column by case-insensitive name and returns -1 when it is absent
func (r *ChangeRecord) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// SameTable reports whether two records address the same (schema, table)
func (r *ChangeRecord) SameTable(other *ChangeRecord) bool {
	return strings.EqualFold(r.Schema, other.Schema) && strings.EqualFold(r.Table, other.Table)
}

// Validate checks that every row has one cell per column
func (r *ChangeRecord) Validate() error {
	for i, row := range r.Rows {
		if len(row) != len(r.Columns) {
			return fmt.Errorf("row %d of %s.%s has %d cells, want %d", i, r.Schema, r.Table, len(row), len(r.Columns))
		}
	}
	return nil
}

// ObserveID raises LargestID when id is an integer larger than the current value
func (r *ChangeRecord) ObserveID(id string) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err == nil && n > r.LargestID {
		r.LargestID = n
	}
}

// Str returns a cell holding s
func Str(s string) *string {
	return &s
}

// Row builds a row of non-null cells
func Row(values ...string) []*string {
	row := make([]*string, len(values))
	for i := range values {
		row[i] = Str(values[i])
	}
	return row
}

// Filter narrows a fetch to rows whose Column equals one of Values
type Filter struct {
	Column string
	Values []string
}

// TableID identifies a table by lowercased schema and name
type TableID struct {
	Schema string
	Table  string
}

// NewTableID lowercases schema and table into a TableID
func NewTableID(schema, table string) TableID {
	return TableID{Schema: strings.ToLower(schema), Table: strings.ToLower(table)}
}

// String returns schema.table
func (t TableID) String() string {
	return t.Schema + "." + t.Table
}
