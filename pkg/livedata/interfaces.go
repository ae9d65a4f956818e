package livedata

import (
	"context"
	"errors"
)

// ErrNoPrimaryKey is returned by a Backend when a table has no single-column primary key
var ErrNoPrimaryKey = errors.New("table has no single-column primary key")

// Receiver is anything that can be handed a ChangeRecord
type Receiver interface {
	// Accept takes ownership of nothing: implementations must not mutate the record
	Accept(record *ChangeRecord)
}

// ReceiverFunc adapts a function to the Receiver interface
type ReceiverFunc func(record *ChangeRecord)

// Accept calls f(record)
func (f ReceiverFunc) Accept(record *ChangeRecord) {
	f(record)
}

// Backend is the fetch boundary to the source database
type Backend interface {
	// FetchSnapshot returns every row of the table as a Load record
	FetchSnapshot(ctx context.Context, schema, table string) (*ChangeRecord, error)

	// FetchFiltered returns the rows whose column equals one of values as a Modify record
	FetchFiltered(ctx context.Context, schema, table, column string, values []string) (*ChangeRecord, error)

	// FetchInsertedSinceCursor returns the rows whose primary key is above the backend's
	// cursor for the table as a Modify record and advances the cursor
	FetchInsertedSinceCursor(ctx context.Context, schema, table string) (*ChangeRecord, error)

	// PrimaryKey returns the table's primary key column, or ErrNoPrimaryKey
	PrimaryKey(ctx context.Context, schema, table string) (string, error)
}

// KeyResolver resolves primary key columns, usually through the dispatcher's cache
type KeyResolver interface {
	PrimaryKey(ctx context.Context, schema, table string) (string, error)
}

// idListener is notified when ids join or leave a key filter view's match set
type idListener interface {
	IDsAdded(ids []string)
	IDsRemoved(ids []string)
}
